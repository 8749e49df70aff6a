// Package session assembles agent loop inputs: the unified system prompt
// (base identity, channel overlay, semantic memory) and the initial message
// framing for task and conversational runs.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"scrivener/internal/document"
	"scrivener/internal/llm"
	"scrivener/internal/workspace"
)

const defaultIdentity = "You are Scrivener, a document-driven automation steward."

// Builder assembles sessions for one workspace.
type Builder struct {
	Layout     workspace.Layout
	Privileged bool
	Logger     *zap.Logger
}

func (b Builder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// ChannelID derives the channel identity for a thread: the header's origin
// channel when present, else the name of the containing channel folder.
func ChannelID(path, content string) string {
	if h, _, ok := document.ParseHeader(content); ok && h.OriginChannel != "" && h.OriginChannel != "0" {
		return h.OriginChannel
	}
	parent := filepath.Base(filepath.Dir(path))
	if parent == "." || parent == string(filepath.Separator) {
		return ""
	}
	return parent
}

// unifiedPrompt loads the base identity plus an optional channel overlay.
func (b Builder) unifiedPrompt(channelID string) string {
	prompt := defaultIdentity
	if data, err := os.ReadFile(b.Layout.BasePrompt()); err == nil {
		prompt = string(data)
	}
	if channelID != "" && channelID != "0" {
		if data, err := os.ReadFile(b.Layout.ChannelPrompt(channelID)); err == nil {
			b.logger().Debug("loading channel identity", zap.String("channel", channelID))
			prompt += "\n\n### Channel-Specific Identity:\n" + string(data)
		}
	}
	return prompt
}

func readIfPresent(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// TaskSession builds the system prompt and initial messages for draining one
// open task line. Memory layering: origin-channel knowledge, thread-local
// knowledge, global knowledge.
func (b Builder) TaskSession(path, content, task string) (systemPrompt string, initial []llm.Message) {
	channelID := ChannelID(path, content)
	systemPrompt = b.unifiedPrompt(channelID)

	var channelMemory strings.Builder
	if h, _, ok := document.ParseHeader(content); ok && h.OriginChannel != "" {
		origin := filepath.Join(b.Layout.ChannelsDir(), h.OriginChannel, workspace.KnowledgeFile)
		if mem := readIfPresent(origin); mem != "" {
			b.logger().Debug("loading origin channel knowledge", zap.String("channel", h.OriginChannel))
			channelMemory.WriteString(mem)
		}
	}
	if mem := readIfPresent(filepath.Join(filepath.Dir(path), workspace.KnowledgeFile)); mem != "" {
		channelMemory.WriteString("\n\n### Ritual Local Knowledge:\n")
		channelMemory.WriteString(mem)
	}
	globalMemory := readIfPresent(b.Layout.GlobalKnowledge())

	systemPrompt += fmt.Sprintf(
		"\n\n### Semantic Memory (Channel):\n%s\n\n### Semantic Memory (Global):\n%s",
		channelMemory.String(), globalMemory,
	)

	initial = []llm.Message{llm.UserText(fmt.Sprintf(
		"### Current Blackboard Context:\n%s\n\n### Your Objective:\nYou are currently processing the step: %q.\nUse native tool calling. Prefer `find` when the path is unknown, `ls` when the directory is known, then `grep` to narrow matches, then `read` before `write` or `edit`. Use a discovered skill only when the task needs domain-specific or external capabilities.",
		content, task,
	))}
	if note, ok := UnsupportedRequestNote(task, b.Privileged); ok {
		initial = append(initial, llm.UserText(note))
	}
	return systemPrompt, initial
}

// ConversationalSession builds the system prompt and initial messages for a
// conversational log turn. Only the increment after the steward's last entry
// is framed as the current input; without an anchor the whole log is.
func (b Builder) ConversationalSession(path, content, triggerID string) (systemPrompt string, initial []llm.Message) {
	channelID := ChannelID(path, content)
	systemPrompt = b.unifiedPrompt(channelID)

	channelMemory := readIfPresent(filepath.Join(filepath.Dir(path), workspace.KnowledgeFile))
	systemPrompt += "\n\n### Semantic Memory (Channel Knowledge):\n" + channelMemory

	guidance := content
	if pos := strings.LastIndex(content, document.StewardAnchor); pos >= 0 {
		increment := content[pos:]
		if start := strings.Index(increment, "\n---\n**Author**"); start >= 0 {
			guidance = strings.TrimSpace(increment[start:])
		} else {
			guidance = "Check for follow-up or ritual steps."
		}
	}
	if triggerID != "" {
		guidance += fmt.Sprintf("\nSpecifically, the trigger message has ID: %s.", triggerID)
	}

	initial = []llm.Message{llm.UserText(fmt.Sprintf(
		"### Current User Input (Specific Target):\n%s\n\nRespond naturally. Use Markdown. Prefer local cognition tools (`find`, `ls`, `grep`, `read`) before modifying files or invoking skills. Concise yet premium.",
		guidance,
	))}
	if note, ok := UnsupportedRequestNote(guidance, b.Privileged); ok {
		initial = append(initial, llm.UserText(note))
	}
	return systemPrompt, initial
}

var absPathRe = regexp.MustCompile(`(^|[\s` + "`" + `'"(])/(?:[^/\s]+/)*[^/\s]+`)

// UnsupportedRequestNote detects requests that reach beyond the workspace
// (host paths, attachment delivery) and returns an execution-boundary note
// for the session.
func UnsupportedRequestNote(text string, privileged bool) (string, bool) {
	lower := strings.ToLower(text)
	wantsAttachment := strings.Contains(text, "附件") ||
		strings.Contains(lower, "attachment") ||
		strings.Contains(lower, "attach ")

	var constraints []string
	if absPathRe.MatchString(text) {
		if privileged {
			constraints = append(constraints,
				"This request targets a host path. Use `exec` first instead of searching with workspace file tools.")
		} else {
			constraints = append(constraints,
				"This request targets a host path. Call `exec` first; it will reject immediately because privileged mode is disabled, then explain the limitation instead of searching with workspace file tools.")
		}
	}
	if wantsAttachment {
		constraints = append(constraints,
			"You cannot send file attachments directly. If the user needs a file, write it inside the workspace or explain that attachment delivery is unavailable.")
	}
	if len(constraints) == 0 {
		return "", false
	}
	return "### Execution Boundary\n" + strings.Join(constraints, "\n") +
		"\nIf this request depends on unsupported capabilities, say so directly and finish instead of continuing to search.", true
}
