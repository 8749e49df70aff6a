// Package document models thread files: Markdown blackboards with an
// optional YAML frontmatter header, open/closed task lines, and free-form
// log entries.
package document

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StewardAnchor marks entries authored by the steward itself inside a
// blackboard. Text after the last anchor is treated as new input.
const StewardAnchor = "> [Scrivener]"

// Timestamp layout used for every entry written into a thread file.
const TimeLayout = "2006-01-02 15:04:05"

// DateLayout names history archive folders.
const DateLayout = "2006-01-02"

// Kind classifies a thread file. Derived from name and content, never stored.
type Kind int

const (
	KindIgnored Kind = iota
	KindConversationalLog
	KindTaskDocument
)

// Header is the parsed YAML frontmatter of a task document.
type Header struct {
	Status            string `yaml:"status"`
	Schedule          string `yaml:"schedule"`
	InjectionTemplate string `yaml:"injection_template"`
	OriginChannel     string `yaml:"origin_channel"`
	EventAnchor       string `yaml:"event_anchor"`
}

var (
	logNameRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\.md$`)
	openTaskRe = regexp.MustCompile(`- \[ \] (.*)`)
	authorRe   = regexp.MustCompile(`(?s)\*\*Author\*\*: (.*?) \| \*\*Time\*\*.*?\n\n(.*?)\n`)
)

// IsConversationalLog reports whether the filename matches the reserved
// date-log pattern YYYY-MM-DD.md.
func IsConversationalLog(path string) bool {
	return logNameRe.MatchString(filepath.Base(path))
}

// ParseHeader extracts the frontmatter header and body from content.
// A header block must open the file, be delimited by ---, and carry a
// status key; anything else means "no header".
func ParseHeader(content string) (Header, string, bool) {
	if !strings.HasPrefix(content, "---") {
		return Header{}, "", false
	}
	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return Header{}, "", false
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(parts[1]), &raw); err != nil {
		return Header{}, "", false
	}
	if _, ok := raw["status"]; !ok {
		return Header{}, "", false
	}

	var h Header
	if err := yaml.Unmarshal([]byte(parts[1]), &h); err != nil {
		return Header{}, "", false
	}
	return h, strings.TrimSpace(parts[2]), true
}

// Classify derives the thread kind from its path and content.
func Classify(path, content string) Kind {
	if IsConversationalLog(path) {
		return KindConversationalLog
	}
	if _, _, ok := ParseHeader(content); ok {
		return KindTaskDocument
	}
	return KindIgnored
}

// FirstOpenTask returns the first `- [ ]` line and its description.
func FirstOpenTask(content string) (line, desc string, found bool) {
	m := openTaskRe.FindStringSubmatch(content)
	if m == nil {
		return "", "", false
	}
	return m[0], m[1], true
}

// HasOpenTasks reports whether any open task line remains.
func HasOpenTasks(content string) bool {
	return strings.Contains(content, "- [ ]")
}

// CompleteTask marks taskLine closed and appends the execution result entry.
func CompleteTask(content, taskLine, result string, now time.Time) string {
	updated := strings.Replace(content, taskLine, strings.Replace(taskLine, "[ ]", "[x]", 1), 1)
	return updated + fmt.Sprintf("\n> [%s] Execution result: %s", now.Format(TimeLayout), result)
}

// AppendTaskFailure records a failed step. The task line stays open so the
// next trigger retries it.
func AppendTaskFailure(content, detail string, now time.Time) string {
	return content + fmt.Sprintf("\n> [%s] Task failed: %s", now.Format(TimeLayout), detail)
}

// FormatAuthorBlock renders a delimited message entry the way external
// connectors inscribe them onto a blackboard.
func FormatAuthorBlock(author, authorID, messageID, body string, now time.Time) string {
	return fmt.Sprintf(
		"\n---\n**Author**: %s (ID: %s) | **Time**: %s | **Message ID**: %s\n\n%s\n",
		author, authorID, now.Format(TimeLayout), messageID, body,
	)
}

// FormatStewardNote renders a fallback steward entry without delivery metadata.
func FormatStewardNote(text string, now time.Time) string {
	return fmt.Sprintf("\n\n%s (%s): %s\n", StewardAnchor, now.Format(TimeLayout), text)
}

// ExternalMessages returns the bodies of author blocks not authored by the
// steward, in file order.
func ExternalMessages(content string) []string {
	var out []string
	for _, m := range authorRe.FindAllStringSubmatch(content, -1) {
		author, body := m[1], m[2]
		if strings.Contains(author, "Scrivener") {
			continue
		}
		out = append(out, strings.TrimSpace(body))
	}
	return out
}

// LatestExternalMessage returns the most recent externally-authored message.
func LatestExternalMessage(content string) (string, bool) {
	msgs := ExternalMessages(content)
	if len(msgs) == 0 {
		return "", false
	}
	return msgs[len(msgs)-1], true
}

// NewInputSince returns the author blocks appended after the steward's last
// entry, or false when nothing new arrived.
func NewInputSince(content string) (string, bool) {
	pos := strings.LastIndex(content, StewardAnchor)
	if pos < 0 {
		return "", false
	}
	increment := content[pos:]
	start := strings.Index(increment, "\n---\n**Author**")
	if start < 0 {
		return "", false
	}
	return strings.TrimSpace(increment[start:]), true
}

// ShouldArchive reports whether a fully drained task document is eligible
// for archival: no schedule and no remaining open task lines.
func ShouldArchive(content, schedule string) bool {
	if strings.TrimSpace(schedule) != "" {
		return false
	}
	return !HasOpenTasks(content)
}

// HistoryDestination builds the archive path for a thread file.
func HistoryDestination(parent, fileName, date string) string {
	return filepath.Join(parent, "history", date, fileName)
}

// Archive moves the thread file into its dated history subdirectory and
// returns the destination path.
func Archive(path string, now time.Time) (string, error) {
	parent := filepath.Dir(path)
	date := now.Format(DateLayout)
	dest := HistoryDestination(parent, filepath.Base(path), date)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create history dir: %w", err)
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("archive thread: %w", err)
	}
	return dest, nil
}

// GhostInjection appends a timestamped injection block and reactivates a
// waiting document.
func GhostInjection(content, template string, now time.Time) string {
	block := fmt.Sprintf("\n\n--- [Ghostly Injection: %s] ---\n%s", now.Format(TimeLayout), template)
	updated := content + block
	return strings.ReplaceAll(updated, "status: waiting_for_human", "status: active")
}
