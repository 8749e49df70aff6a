// Package rhythm schedules ritual documents: thread files whose headers
// carry an event anchor, a cron schedule, and an injection template get a
// recurring job that appends the template and reactivates the document.
package rhythm

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"scrivener/internal/document"
	"scrivener/internal/workspace"
)

// Scheduler owns the global job table: ritual path to cron entry.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	jobs map[string]cron.EntryID
}

// New builds a stopped scheduler. Schedules accept five or six fields, so
// second-resolution expressions work alongside plain crontab ones.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron:   cron.New(cron.WithParser(parser)),
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]cron.EntryID),
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("rhythm is pulsing")
}

// Stop halts firing and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// ShouldIgnore reports whether a path never participates in scheduling:
// conversational logs and the reserved knowledge file.
func ShouldIgnore(path string) bool {
	return filepath.Base(path) == workspace.KnowledgeFile || document.IsConversationalLog(path)
}

// SyncAll scans the ritual subtree once and syncs every thread file,
// skipping history and brain subtrees.
func (s *Scheduler) SyncAll(ritualsDir string) {
	_ = filepath.WalkDir(ritualsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			switch d.Name() {
			case "history", "brain":
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".md" || ShouldIgnore(path) {
			return nil
		}
		s.Sync(path)
		return nil
	})
}

// Sync resynchronizes the job for one path: any existing job is removed
// unconditionally, and a new one is installed only when the header carries
// an event anchor, a non-empty schedule, and an injection template. A
// deleted or demoted file therefore simply ends up with no job.
func (s *Scheduler) Sync(path string) {
	if ShouldIgnore(path) {
		return
	}
	s.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	header, _, ok := document.ParseHeader(string(data))
	if !ok {
		return
	}
	if header.EventAnchor == "" || strings.TrimSpace(header.Schedule) == "" || header.InjectionTemplate == "" {
		return
	}

	template := header.InjectionTemplate
	id, err := s.cron.AddFunc(header.Schedule, func() { s.fire(path, template) })
	if err != nil {
		s.logger.Warn("invalid ritual schedule",
			zap.String("path", path), zap.String("schedule", header.Schedule), zap.Error(err))
		return
	}

	s.logger.Info("ghosting ritual",
		zap.String("file", filepath.Base(path)), zap.String("rhythm", header.Schedule))
	s.mu.Lock()
	s.jobs[path] = id
	s.mu.Unlock()
}

// Remove drops any job installed for path.
func (s *Scheduler) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[path]; ok {
		s.cron.Remove(id)
		delete(s.jobs, path)
		s.logger.Debug("rhythm removed", zap.String("file", filepath.Base(path)))
	}
}

// Scheduled reports whether a job exists for path.
func (s *Scheduler) Scheduled(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.jobs[path]
	return ok
}

// JobCount returns the number of installed jobs.
func (s *Scheduler) JobCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// fire appends the injection block and reactivates a waiting document. The
// write lands on disk, where the watchman picks it up as a ritual change.
func (s *Scheduler) fire(path, template string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	updated := document.GhostInjection(string(data), template, s.now())
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		s.logger.Error("ghost failed to inscribe thread", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info("ghost inscribed thread", zap.String("file", filepath.Base(path)))
}
