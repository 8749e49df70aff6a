// Package workspace defines the on-disk layout of a scrivener workspace and
// performs first-run scaffolding.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// KnowledgeFile is the reserved semantic-memory filename. It is never
// scheduled and never treated as a thread.
const KnowledgeFile = "KNOWLEDGE.md"

// ConfigFile is the workspace configuration filename.
const ConfigFile = "scrivener.yml"

// Layout resolves well-known paths under a workspace root.
type Layout struct {
	Root string
}

// Resolve returns the workspace layout for the given root, falling back to
// ~/.scrivener/workspace when root is empty.
func Resolve(root string) (Layout, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, fmt.Errorf("locate home directory: %w", err)
		}
		root = filepath.Join(home, ".scrivener", "workspace")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve workspace root: %w", err)
	}
	return Layout{Root: abs}, nil
}

func (l Layout) ConfigPath() string   { return filepath.Join(l.Root, ConfigFile) }
func (l Layout) ChannelsDir() string  { return filepath.Join(l.Root, "channels") }
func (l Layout) RitualsDir() string   { return filepath.Join(l.Root, "rituals") }
func (l Layout) BrainDir() string     { return filepath.Join(l.Root, "brain") }
func (l Layout) EventsDir() string    { return filepath.Join(l.Root, "brain", "events") }
func (l Layout) AgentsDir() string    { return filepath.Join(l.Root, "agents") }
func (l Layout) SkillsDir() string    { return filepath.Join(l.Root, "skills") }

// BasePrompt is the path of the base system prompt document.
func (l Layout) BasePrompt() string {
	return filepath.Join(l.AgentsDir(), "AGENTS.md")
}

// ChannelPrompt is the path of a channel-specific prompt overlay.
func (l Layout) ChannelPrompt(channelID string) string {
	return filepath.Join(l.AgentsDir(), channelID+".AGENTS.md")
}

// GuardianPrompt is the path of the background auditor's prompt document.
func (l Layout) GuardianPrompt() string {
	return filepath.Join(l.AgentsDir(), "GUARDIAN.md")
}

// GlobalKnowledge is the path of the global semantic memory document.
func (l Layout) GlobalKnowledge() string {
	return filepath.Join(l.BrainDir(), KnowledgeFile)
}

// GuardianBlackboard is the runtime blackboard the background auditor
// steers against.
func (l Layout) GuardianBlackboard() string {
	return filepath.Join(l.BrainDir(), ".guardian-runtime.md")
}

const defaultBasePrompt = `You are Scrivener, a document-driven automation steward.
Threads are Markdown files on a shared blackboard. Advance the intent inscribed
on them with the tools you are given, and keep your answers concise.
`

const defaultGuardianPrompt = `You are the Guardian of this workspace. Audit the
blackboards for stale threads and undistilled knowledge, and maintain KNOWLEDGE.md.
`

// Scaffold creates the workspace directory tree and default documents.
// Existing files are left untouched.
func (l Layout) Scaffold() error {
	dirs := []string{
		l.ChannelsDir(),
		l.RitualsDir(),
		l.EventsDir(),
		l.AgentsDir(),
		l.SkillsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	seeds := map[string]string{
		l.BasePrompt():      defaultBasePrompt,
		l.GuardianPrompt():  defaultGuardianPrompt,
		l.GlobalKnowledge(): "# Knowledge\n",
	}
	for path, content := range seeds {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", path, err)
		}
	}
	return nil
}
