// Package steward owns thread execution: the per-path execution guard, the
// bounded concurrency pool, task draining, conversational turns, and the
// terminal archival transition.
package steward

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"scrivener/internal/agent"
	"scrivener/internal/delivery"
	"scrivener/internal/document"
	"scrivener/internal/journal"
	"scrivener/internal/session"
	"scrivener/internal/tools"
	"scrivener/internal/workspace"
)

// Trigger describes why a thread is being executed.
type Trigger struct {
	// Kind is recorded in the journal: notification, ritual, or guardian.
	Kind      string
	MessageID string
	ChannelID string
}

// Options bounds the steward.
type Options struct {
	Concurrency int64
	Logger      *zap.Logger
	Now         func() time.Time
}

// Steward serializes executions per path and bounds them globally.
type Steward struct {
	layout    workspace.Layout
	builder   session.Builder
	runner    *agent.Runner
	messenger delivery.Messenger
	registry  *tools.Registry
	journal   *journal.Journal
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	executing map[string]struct{}
	pool      *semaphore.Weighted
}

// New builds a steward. journal may be nil.
func New(layout workspace.Layout, builder session.Builder, runner *agent.Runner, messenger delivery.Messenger, registry *tools.Registry, jnl *journal.Journal, opts Options) *Steward {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 5
	}
	return &Steward{
		layout:    layout,
		builder:   builder,
		runner:    runner,
		messenger: messenger,
		registry:  registry,
		journal:   jnl,
		logger:    opts.Logger,
		now:       opts.Now,
		executing: make(map[string]struct{}),
		pool:      semaphore.NewWeighted(opts.Concurrency),
	}
}

// Execute runs one thread file. A path already executing is a silent no-op,
// not an error. The pool permit is the system's only backpressure: callers
// suspend here when all permits are taken.
func (s *Steward) Execute(ctx context.Context, path string, trigger Trigger) error {
	s.mu.Lock()
	if _, busy := s.executing[path]; busy {
		s.mu.Unlock()
		return nil
	}
	s.executing[path] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.executing, path)
		s.mu.Unlock()
	}()

	if err := s.pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.pool.Release(1)

	runID := s.journal.Begin(ctx, path, trigger.Kind)
	err := s.run(ctx, path, trigger)
	if err != nil {
		s.journal.Finish(ctx, runID, journal.StatusFailed, err.Error())
		return err
	}
	s.journal.Finish(ctx, runID, journal.StatusCompleted, "")
	return nil
}

// Executing reports whether path is currently running.
func (s *Steward) Executing(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.executing[path]
	return busy
}

func (s *Steward) run(ctx context.Context, path string, trigger Trigger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read thread: %w", err)
	}
	content := string(data)

	isLog := document.IsConversationalLog(path)
	header, _, hasHeader := document.ParseHeader(content)
	if !isLog && !hasHeader {
		return nil
	}

	channelID := trigger.ChannelID
	if channelID == "" {
		channelID = session.ChannelID(path, content)
	}
	threadID := s.threadID(path)

	var runErr error
	if isLog {
		content, runErr = s.runConversational(ctx, path, content, channelID, threadID, trigger.MessageID)
	} else {
		content, runErr = s.drainTasks(ctx, path, content, channelID, threadID)
	}

	if hasHeader && document.ShouldArchive(content, header.Schedule) {
		dest, err := document.Archive(path, s.now())
		if err != nil {
			s.logger.Warn("failed to archive thread", zap.String("path", path), zap.Error(err))
			return runErr
		}
		s.logger.Info("thread archived", zap.String("dest", dest))
		s.notify(ctx, channelID, fmt.Sprintf("Thread **#%s** has been archived to %s",
			threadID, filepath.Join("history", s.now().Format(document.DateLayout))))
	}
	// A step or loop failure is already inscribed in the thread and
	// delivered; the journal row still has to record the run as failed.
	return runErr
}

// drainTasks executes open task lines strictly in file order, re-scanning
// after each completion. Progress persists immediately so concurrent
// observers see it. A failed step stays open and stops the drain.
func (s *Steward) drainTasks(ctx context.Context, path, content, channelID, threadID string) (string, error) {
	for {
		line, desc, found := document.FirstOpenTask(content)
		if !found {
			return content, nil
		}
		s.logger.Info("executing step", zap.String("thread", threadID), zap.String("task", desc))

		systemPrompt, initial := s.builder.TaskSession(path, content, desc)
		result, err := s.runner.Run(ctx, systemPrompt, initial, path)
		if err != nil {
			s.logger.Error("task step failed", zap.String("thread", threadID), zap.Error(err))
			content = document.AppendTaskFailure(content, err.Error(), s.now())
			s.persist(path, content)
			s.notify(ctx, channelID,
				fmt.Sprintf("Step failed in **#%s**; the task stays open for retry.\n%s", threadID, s.registry.Mask(err.Error())))
			return content, fmt.Errorf("step %q: %w", desc, err)
		}

		content = document.CompleteTask(content, line, result, s.now())
		s.persist(path, content)
		s.notify(ctx, channelID,
			fmt.Sprintf("Step completed in **#%s**\n%s", threadID, s.registry.Mask(result)))
	}
}

// runConversational answers one conversational turn and inscribes the
// answer (or an error entry) back onto the log.
func (s *Steward) runConversational(ctx context.Context, path, content, channelID, threadID, triggerID string) (string, error) {
	s.logger.Info("conversational mode", zap.String("thread", threadID))
	if err := s.messenger.SendTyping(ctx, channelID); err != nil {
		s.logger.Debug("typing signal failed", zap.Error(err))
	}

	systemPrompt, initial := s.builder.ConversationalSession(path, content, triggerID)
	result, err := s.runner.Run(ctx, systemPrompt, initial, path)
	if err != nil {
		s.logger.Error("conversational loop failed", zap.String("thread", threadID), zap.Error(err))
		content += fmt.Sprintf("\n\n%s (%s): Error processing request: %v\n",
			document.StewardAnchor, s.now().Format(document.TimeLayout), err)
		s.persist(path, content)
		s.notify(ctx, channelID, "The steward hit an error while processing your request. Check the blackboard log or try again shortly.")
		return content, err
	}

	msgID, sendErr := s.messenger.SendMessage(ctx, channelID, s.registry.Mask(result))
	if sendErr == nil && msgID != "" {
		content += document.FormatAuthorBlock("Scrivener", "steward", msgID, result, s.now())
	} else {
		if sendErr != nil {
			s.logger.Warn("delivery failed, keeping local entry", zap.Error(sendErr))
		}
		content += document.FormatStewardNote(result, s.now())
	}
	s.persist(path, content)
	return content, nil
}

func (s *Steward) persist(path, content string) {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		s.logger.Error("failed to persist thread", zap.String("path", path), zap.Error(err))
	}
}

func (s *Steward) notify(ctx context.Context, channelID, text string) {
	if channelID == "" {
		return
	}
	if _, err := s.messenger.SendMessage(ctx, channelID, text); err != nil {
		s.logger.Warn("notification delivery failed", zap.String("channel", channelID), zap.Error(err))
	}
}

// threadID is the path relative to the channels subtree, for log and
// notification display.
func (s *Steward) threadID(path string) string {
	if rel, err := filepath.Rel(s.layout.ChannelsDir(), path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	if rel, err := filepath.Rel(s.layout.Root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}
