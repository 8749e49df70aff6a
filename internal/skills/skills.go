// Package skills discovers user-supplied capabilities: directories under
// skills/ carrying a SKILL.md with YAML frontmatter that maps tool names to
// executable script lines.
package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"scrivener/internal/llm"
	"scrivener/internal/tools"
)

// ToolSpec is one tool entry in a SKILL.md frontmatter.
type ToolSpec struct {
	Description string         `yaml:"description"`
	Shell       string         `yaml:"shell"`
	Parameters  map[string]any `yaml:"parameters"`
}

// Metadata is the parsed frontmatter of a SKILL.md.
type Metadata struct {
	Name  string              `yaml:"name"`
	Tools map[string]ToolSpec `yaml:"tools"`
}

// Skill pairs parsed metadata with the directory it lives in.
type Skill struct {
	Meta Metadata
	Dir  string
}

// ParseMetadata parses SKILL.md frontmatter. An empty name falls back to
// fallbackName (the skill directory name).
func ParseMetadata(content, fallbackName string) (Metadata, error) {
	if !strings.HasPrefix(content, "---") {
		return Metadata{}, errors.New("missing YAML frontmatter in SKILL.md")
	}
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return Metadata{}, errors.New("invalid SKILL.md format")
	}
	var meta Metadata
	if err := yaml.Unmarshal([]byte(parts[1]), &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse SKILL.md frontmatter: %w", err)
	}
	if meta.Name == "" {
		meta.Name = fallbackName
	}
	return meta, nil
}

// Discover scans the skills directory for subdirectories carrying a valid
// SKILL.md. Unparseable skills are skipped, not fatal.
func Discover(skillsDir string, logger *zap.Logger) []Skill {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries, err := os.ReadDir(skillsDir)
	if err != nil {
		return nil
	}
	var out []Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(skillsDir, entry.Name())
		content, err := os.ReadFile(filepath.Join(dir, "SKILL.md"))
		if err != nil {
			continue
		}
		meta, err := ParseMetadata(string(content), entry.Name())
		if err != nil {
			logger.Warn("skipping unparseable skill", zap.String("dir", dir), zap.Error(err))
			continue
		}
		out = append(out, Skill{Meta: meta, Dir: dir})
	}
	return out
}

// Options configures skill execution.
type Options struct {
	Workspace string
	Timeout   time.Duration
	// Extra environment passed to every skill process, e.g. an API key.
	Env    map[string]string
	Logger *zap.Logger
}

// RegisterAll discovers skills and registers each tool into the registry.
// Skill tools count as neither read-only nor state-mutating for batch
// policy purposes.
func RegisterAll(reg *tools.Registry, skillsDir string, opts Options) int {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	count := 0
	for _, skill := range Discover(skillsDir, opts.Logger) {
		for name, spec := range skill.Meta.Tools {
			reg.Register(tools.Tool{
				Decl: llm.Declaration{
					Name:        name,
					Description: fmt.Sprintf("%s: %s", skill.Meta.Name, spec.Description),
					Parameters:  spec.Parameters,
				},
				Run: runFunc(skill.Dir, spec.Shell, opts),
			})
			count++
		}
	}
	return count
}

// runFunc builds the executor for one skill tool.
func runFunc(skillDir, shellLine string, opts Options) tools.RunFunc {
	return func(ctx context.Context, args map[string]any) tools.Result {
		parts := strings.Fields(shellLine)
		if len(parts) == 0 {
			return tools.Errorf("Error: Empty execution line in skill tool")
		}

		ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		var cmd *exec.Cmd
		if interp := interpreterFor(parts[0]); interp != "" {
			script := filepath.Join(skillDir, "tools", parts[0])
			cmd = exec.CommandContext(ctx, interp, script)
		} else {
			cmd = exec.CommandContext(ctx, parts[0], parts[1:]...)
		}

		argsJSON, err := json.Marshal(args)
		if err != nil {
			return tools.Errorf("Error: Cannot encode skill arguments: %v", err)
		}
		env := cmd.Environ()
		env = append(env,
			"SCRIVENER_ARGS="+string(argsJSON),
			"SKILL_DIR="+skillDir,
			"SCRIVENER_WORKSPACE="+opts.Workspace,
			"SCRIVENER_CORE_TOOLS=ls,grep,read,write,edit",
		)
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env

		var stdout, stderr strings.Builder
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()

		result := strings.TrimSpace(stdout.String())
		if s := strings.TrimSpace(stderr.String()); s != "" {
			if result != "" {
				result += "\n"
			}
			result += "STDERR:\n" + s
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return tools.Errorf("Error: Skill tool timed out after %s", opts.Timeout)
		}
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				return tools.Errorf("Skill tool failed with exit code %d:\n%s", exitErr.ExitCode(), result)
			}
			return tools.Errorf("Failed to execute skill tool `%s`: %v", parts[0], runErr)
		}
		if result == "" {
			result = "Executed successfully with no output."
		}
		return tools.Success(result)
	}
}

// interpreterFor maps a script extension to its interpreter, or "" when the
// token is a bare command.
func interpreterFor(token string) string {
	switch filepath.Ext(token) {
	case ".py":
		return "python3"
	case ".js":
		return "node"
	case ".sh":
		return "bash"
	default:
		return ""
	}
}
