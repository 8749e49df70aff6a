package rhythm

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ritualDoc = `---
status: waiting_for_human
event_anchor: evt-42
schedule: "0 0 9 * * *"
injection_template: "Morning pulse."
---

# Standup ritual
`

func writeRitual(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestShouldIgnore(t *testing.T) {
	assert.True(t, ShouldIgnore("/ws/rituals/KNOWLEDGE.md"))
	assert.True(t, ShouldIgnore("/ws/rituals/2026-02-27.md"))
	assert.False(t, ShouldIgnore("/ws/rituals/deploy.md"))
}

func TestSyncInstallsJobOnlyWithAllThreeFields(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	t.Cleanup(s.Stop)

	path := writeRitual(t, dir, "standup.md", ritualDoc)
	s.Sync(path)
	assert.True(t, s.Scheduled(path))

	cases := map[string]string{
		"no anchor":   "---\nstatus: active\nschedule: \"0 0 9 * * *\"\ninjection_template: \"x\"\n---\nbody",
		"no schedule": "---\nstatus: active\nevent_anchor: evt-1\ninjection_template: \"x\"\n---\nbody",
		"empty sched": "---\nstatus: active\nevent_anchor: evt-1\nschedule: \"\"\ninjection_template: \"x\"\n---\nbody",
		"no template": "---\nstatus: active\nevent_anchor: evt-1\nschedule: \"0 0 9 * * *\"\n---\nbody",
	}
	for name, content := range cases {
		p := writeRitual(t, dir, "case.md", content)
		s.Sync(p)
		assert.False(t, s.Scheduled(p), name)
	}
}

func TestSyncRemoveThenRecreate(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	t.Cleanup(s.Stop)

	path := writeRitual(t, dir, "standup.md", ritualDoc)
	s.Sync(path)
	require.True(t, s.Scheduled(path))
	assert.Equal(t, 1, s.JobCount())

	// Resync keeps exactly one job.
	s.Sync(path)
	assert.Equal(t, 1, s.JobCount())

	// Losing a required field drops the job.
	writeRitual(t, dir, "standup.md", "---\nstatus: active\n---\nbody")
	s.Sync(path)
	assert.False(t, s.Scheduled(path))
	assert.Equal(t, 0, s.JobCount())
}

func TestSyncDeletedFileRemovesJob(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	t.Cleanup(s.Stop)

	path := writeRitual(t, dir, "standup.md", ritualDoc)
	s.Sync(path)
	require.True(t, s.Scheduled(path))

	require.NoError(t, os.Remove(path))
	s.Sync(path)
	assert.False(t, s.Scheduled(path))
}

func TestSyncRejectsInvalidCron(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	t.Cleanup(s.Stop)

	path := writeRitual(t, dir, "bad.md",
		"---\nstatus: active\nevent_anchor: evt-1\nschedule: \"not a cron\"\ninjection_template: \"x\"\n---\nbody")
	s.Sync(path)
	assert.False(t, s.Scheduled(path))
}

func TestSyncAllSkipsHistoryAndReservedNames(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "history", "2026-01-01"), 0o755))
	writeRitual(t, dir, "KNOWLEDGE.md", ritualDoc)
	writeRitual(t, dir, "2026-02-27.md", ritualDoc)
	writeRitual(t, dir, "deploy.md", ritualDoc)
	writeRitual(t, filepath.Join(dir, "history", "2026-01-01"), "old.md", ritualDoc)

	s := New(nil)
	t.Cleanup(s.Stop)
	s.SyncAll(dir)

	assert.Equal(t, 1, s.JobCount())
	assert.True(t, s.Scheduled(filepath.Join(dir, "deploy.md")))
}

func TestFireAppendsInjectionAndReactivates(t *testing.T) {
	dir := t.TempDir()
	s := New(nil)
	s.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }

	path := writeRitual(t, dir, "standup.md", ritualDoc)
	s.fire(path, "Morning pulse.")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "--- [Ghostly Injection: 2026-03-14 09:00:00] ---")
	assert.Contains(t, content, "Morning pulse.")
	assert.Contains(t, content, "status: active")
	assert.NotContains(t, content, "waiting_for_human")
}
