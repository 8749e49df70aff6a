package tools

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"scrivener/internal/llm"
)

var execDecl = llm.Declaration{
	Name:        "exec",
	Description: "Run a host shell command. This is a privileged tool: when runtime.privileged=false it rejects immediately. Use this for absolute host paths, system scripts, or cross-workspace operations.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to execute on the host"},
		},
		"required": []string{"command"},
	},
}

func (r *Registry) runExec(ctx context.Context, args map[string]any) Result {
	command := stringArg(args, "command")
	if command == "" {
		return Errorf("Error: Missing required argument `command`.")
	}
	if !r.opts.Privileged {
		return Errorf("Error: `exec` is disabled because runtime.privileged=false. Explain the limitation or enable privileged mode.")
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ExecTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-lc", command)
	cmd.Dir = r.root
	cmd.Env = append(cmd.Environ(), "SCRIVENER_WORKSPACE="+r.root)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	combined := strings.TrimRight(stdout.String(), "\n")
	if s := strings.TrimRight(stderr.String(), "\n"); strings.TrimSpace(s) != "" {
		if combined != "" {
			combined += "\n"
		}
		combined += "[stderr]\n" + s
	}
	if combined == "" {
		combined = "(no output)"
	}

	if err == nil {
		return Success(combined)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Errorf("Error: Command timed out after %s:\n%s", r.opts.ExecTimeout, combined)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Errorf("Command failed (%d):\n%s", exitErr.ExitCode(), combined)
	}
	return Errorf("Error executing command: %v", err)
}
