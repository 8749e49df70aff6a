package document

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

const taskDoc = `---
status: active
schedule: "0 0 9 * * *"
injection_template: "Morning review."
origin_channel: ops
---

# Deploy checklist

- [x] Tag the release
- [ ] Push images
- [ ] Announce in channel
`

func TestIsConversationalLog(t *testing.T) {
	assert.True(t, IsConversationalLog("channels/ops/2026-03-14.md"))
	assert.False(t, IsConversationalLog("channels/ops/deploy.md"))
	assert.False(t, IsConversationalLog("2026-3-14.md"))
	assert.False(t, IsConversationalLog("2026-03-14.txt"))
}

func TestParseHeader(t *testing.T) {
	h, body, ok := ParseHeader(taskDoc)
	require.True(t, ok)
	assert.Equal(t, "active", h.Status)
	assert.Equal(t, "0 0 9 * * *", h.Schedule)
	assert.Equal(t, "Morning review.", h.InjectionTemplate)
	assert.Equal(t, "ops", h.OriginChannel)
	assert.Contains(t, body, "# Deploy checklist")
}

func TestParseHeaderRejectsMissingStatus(t *testing.T) {
	_, _, ok := ParseHeader("---\nschedule: \"* * * * * *\"\n---\nbody")
	assert.False(t, ok)
}

func TestParseHeaderRejectsPlainMarkdown(t *testing.T) {
	_, _, ok := ParseHeader("# Notes\n\nSome text with --- a divider.")
	assert.False(t, ok)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindConversationalLog, Classify("2026-03-14.md", taskDoc))
	assert.Equal(t, KindTaskDocument, Classify("deploy.md", taskDoc))
	assert.Equal(t, KindIgnored, Classify("deploy.md", "# just notes"))
}

func TestFirstOpenTask(t *testing.T) {
	line, desc, found := FirstOpenTask(taskDoc)
	require.True(t, found)
	assert.Equal(t, "- [ ] Push images", line)
	assert.Equal(t, "Push images", desc)

	_, _, found = FirstOpenTask("- [x] done\n")
	assert.False(t, found)
}

func TestCompleteTask(t *testing.T) {
	line, _, found := FirstOpenTask(taskDoc)
	require.True(t, found)

	updated := CompleteTask(taskDoc, line, "pushed v1.2", fixedNow)
	assert.Contains(t, updated, "- [x] Push images")
	assert.Contains(t, updated, "> [2026-03-14 09:26:53] Execution result: pushed v1.2")

	// The next open task is now the announcement line.
	next, _, found := FirstOpenTask(updated)
	require.True(t, found)
	assert.Equal(t, "- [ ] Announce in channel", next)
}

func TestAppendTaskFailureKeepsTaskOpen(t *testing.T) {
	updated := AppendTaskFailure(taskDoc, "registry unreachable", fixedNow)
	assert.Contains(t, updated, "- [ ] Push images")
	assert.Contains(t, updated, "> [2026-03-14 09:26:53] Task failed: registry unreachable")
}

func TestExternalMessages(t *testing.T) {
	content := FormatAuthorBlock("ada", "u1", "m1", "Can you check the logs?", fixedNow) +
		FormatAuthorBlock("Scrivener", "bot", "m2", "Looking now.", fixedNow) +
		FormatAuthorBlock("ada", "u1", "m3", "Thanks!", fixedNow)

	msgs := ExternalMessages(content)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Can you check the logs?", msgs[0])
	assert.Equal(t, "Thanks!", msgs[1])

	latest, ok := LatestExternalMessage(content)
	require.True(t, ok)
	assert.Equal(t, "Thanks!", latest)
}

func TestNewInputSince(t *testing.T) {
	content := FormatAuthorBlock("ada", "u1", "m1", "first", fixedNow) +
		FormatStewardNote("on it", fixedNow)
	_, ok := NewInputSince(content)
	assert.False(t, ok)

	content += FormatAuthorBlock("ada", "u1", "m2", "second", fixedNow)
	increment, ok := NewInputSince(content)
	require.True(t, ok)
	assert.Contains(t, increment, "second")
	assert.NotContains(t, increment, "first")
}

func TestNewInputSinceNoAnchor(t *testing.T) {
	content := FormatAuthorBlock("ada", "u1", "m1", "hello", fixedNow)
	_, ok := NewInputSince(content)
	assert.False(t, ok)
}

func TestShouldArchive(t *testing.T) {
	assert.False(t, ShouldArchive("- [ ] open", ""))
	assert.False(t, ShouldArchive("- [x] done", "0 0 9 * * *"))
	assert.True(t, ShouldArchive("- [x] done", ""))
	assert.True(t, ShouldArchive("- [x] done", "   "))
}

func TestArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.md")
	require.NoError(t, os.WriteFile(path, []byte(taskDoc), 0o644))

	dest, err := Archive(path, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "history", "2026-03-14", "deploy.md"), dest)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	moved, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, taskDoc, string(moved))
}

func TestGhostInjection(t *testing.T) {
	content := "---\nstatus: waiting_for_human\n---\n\nbody"
	updated := GhostInjection(content, "Check in with the team.", fixedNow)
	assert.Contains(t, updated, "--- [Ghostly Injection: 2026-03-14 09:26:53] ---")
	assert.Contains(t, updated, "Check in with the team.")
	assert.Contains(t, updated, "status: active")
	assert.NotContains(t, updated, "waiting_for_human")
}
