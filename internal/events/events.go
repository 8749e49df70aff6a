// Package events reconciles the external-event mirror under brain/events/
// into ritual documents. Each mirrored event is a small JSON file dropped by
// an external connector; reconciliation synthesizes or refreshes one ritual
// per event so the rhythm engine can schedule it.
package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"scrivener/internal/workspace"
)

// Event is one mirrored external event.
type Event struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
	StartTime string `json:"scheduled_start_time"` // RFC 3339
	Status    int    `json:"status"`               // 1 = confirmed
}

// statusActive is the connector's "confirmed" marker.
const statusActive = 1

var unsafeNameRe = regexp.MustCompile(`[^a-z0-9_]`)

// Syncer reconciles event files into the rituals directory.
type Syncer struct {
	layout workspace.Layout
	logger *zap.Logger
}

func New(layout workspace.Layout, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{layout: layout, logger: logger}
}

// SyncAll reconciles every event file in the mirror. Individual files that
// fail to parse are skipped and logged.
func (s *Syncer) SyncAll() error {
	entries, err := os.ReadDir(s.layout.EventsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read event mirror: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		if err := s.Sync(filepath.Join(s.layout.EventsDir(), e.Name())); err != nil {
			s.logger.Warn("event sync skipped", zap.String("file", e.Name()), zap.Error(err))
		}
	}
	return nil
}

// Sync reconciles one event file into its ritual document.
func (s *Syncer) Sync(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read event: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("parse event: %w", err)
	}
	if ev.ID == "" {
		return fmt.Errorf("event %s has no id", filepath.Base(path))
	}

	ritualPath := s.findExisting(ev.ID)
	if ritualPath == "" {
		ritualPath = filepath.Join(s.layout.RitualsDir(),
			fmt.Sprintf("ritual_%s_%s.md", safeName(ev.Name), ev.ID))
	}

	if err := os.MkdirAll(s.layout.RitualsDir(), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(ritualPath, []byte(Render(ev)), 0o644); err != nil {
		return fmt.Errorf("write ritual: %w", err)
	}
	s.logger.Info("ritual synchronized",
		zap.String("event", ev.ID), zap.String("ritual", filepath.Base(ritualPath)))
	return nil
}

// findExisting locates the ritual already anchored on an event id, so
// renames of the event do not orphan its ritual.
func (s *Syncer) findExisting(eventID string) string {
	entries, err := os.ReadDir(s.layout.RitualsDir())
	if err != nil {
		return ""
	}
	needle := fmt.Sprintf("event_anchor: %q", eventID)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		path := filepath.Join(s.layout.RitualsDir(), e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.Contains(string(data), needle) {
			return path
		}
	}
	return ""
}

// Render produces the full ritual document for an event. Confirmed events
// are born active; everything else waits for approval. An unparseable start
// time yields an empty schedule, which keeps the ritual out of the cron
// table.
func Render(ev Event) string {
	status := "pending_approval"
	if ev.Status == statusActive {
		status = "active"
	}
	origin := ev.ChannelID
	if origin == "" {
		origin = "0"
	}
	return fmt.Sprintf(`---
event_anchor: %q
origin_channel: %q
status: %s
schedule: %q
injection_template: |
  - [ ] Start the Ritual: %s
---
# Ritual: %s

This ritual is synchronized with an external scheduled event.
Event ID: %s
Start Time (UTC): %s
`, ev.ID, origin, status, CronFor(ev.StartTime), ev.Name, ev.Name, ev.ID, ev.StartTime)
}

// CronFor converts an RFC 3339 start time into a one-shot five-field cron
// expression (minute hour day month, any weekday) in UTC. Unparseable input
// returns the empty string.
func CronFor(startTime string) string {
	t, err := time.Parse(time.RFC3339, startTime)
	if err != nil {
		return ""
	}
	t = t.UTC()
	return fmt.Sprintf("%d %d %d %d *", t.Minute(), t.Hour(), t.Day(), int(t.Month()))
}

func safeName(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "_")
	s = unsafeNameRe.ReplaceAllString(s, "")
	if s == "" {
		s = "event"
	}
	return s
}
