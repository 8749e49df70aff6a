// Package watch implements the watchman: a bounded notification queue and a
// recursive filesystem watch over the channel and ritual subtrees, dispatched
// to the steward with notifications taking priority.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Notification is an external wake signal for a thread file.
type Notification struct {
	Path      string
	MessageID string
	ChannelID string
}

// Action classifies one changed path.
type Action int

const (
	ActionIgnore Action = iota
	ActionSyncExternalEvents
	ActionExecuteRitual
)

// Dispatcher receives classified work. Hooks are optional; nil hooks drop
// the event.
type Dispatcher struct {
	// OnNotification handles an explicit wake signal for a thread.
	OnNotification func(ctx context.Context, n Notification)
	// OnRitual handles a created or modified ritual document.
	OnRitual func(ctx context.Context, path string)
	// OnExternalEvents handles a change under the structured event mirror.
	OnExternalEvents func(ctx context.Context, path string)
}

// Classify routes one changed path. Conversation-log edits are never
// trusted as their own trigger; they only run via explicit notifications.
func Classify(path, ritualsDir string) Action {
	if strings.Contains(path, "brain") && filepath.Ext(path) == ".json" {
		return ActionSyncExternalEvents
	}
	if within(ritualsDir, path) && filepath.Ext(path) == ".md" {
		return ActionExecuteRitual
	}
	return ActionIgnore
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// relevant filters filesystem noise down to content creation and writes.
func relevant(op fsnotify.Op) bool {
	return op.Has(fsnotify.Create) || op.Has(fsnotify.Write)
}

// Watchman owns the event loop.
type Watchman struct {
	channelsDir string
	ritualsDir  string
	notifs      chan Notification
	dispatch    Dispatcher
	watcher     *fsnotify.Watcher
	logger      *zap.Logger
}

// New creates a watchman over the two subtrees, creating them if absent.
func New(channelsDir, ritualsDir string, queueSize int, dispatch Dispatcher, logger *zap.Logger) (*Watchman, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize < 1 {
		queueSize = 100
	}
	for _, dir := range []string{channelsDir, ritualsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create watch dir: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watchman{
		channelsDir: channelsDir,
		ritualsDir:  ritualsDir,
		notifs:      make(chan Notification, queueSize),
		dispatch:    dispatch,
		watcher:     watcher,
		logger:      logger,
	}
	if err := w.addRecursive(channelsDir); err != nil {
		watcher.Close()
		return nil, err
	}
	if err := w.addRecursive(ritualsDir); err != nil {
		watcher.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive watches dir and every subdirectory. fsnotify watches are
// flat, so new directories are added as they appear.
func (w *Watchman) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.watcher.Add(path)
	})
}

// Watch adopts an additional subtree, creating it if absent.
func (w *Watchman) Watch(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	return w.addRecursive(dir)
}

// Push enqueues a notification without blocking. Reports false when the
// queue is full and the signal was dropped.
func (w *Watchman) Push(n Notification) bool {
	select {
	case w.notifs <- n:
		return true
	default:
		w.logger.Warn("notification queue full, dropping signal", zap.String("path", n.Path))
		return false
	}
}

// Run drives the event loop until ctx is cancelled. Each iteration prefers
// a pending notification over a pending filesystem event; filesystem events
// are still served whenever no notification waits.
func (w *Watchman) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("watchman observing blackboards",
		zap.String("channels", w.channelsDir), zap.String("rituals", w.ritualsDir))

	for {
		select {
		case n := <-w.notifs:
			w.handleNotification(ctx, n)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-w.notifs:
			w.handleNotification(ctx, n)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watchman) handleNotification(ctx context.Context, n Notification) {
	w.logger.Info("watchman received signal, awakening steward", zap.String("path", n.Path))
	if w.dispatch.OnNotification != nil {
		w.dispatch.OnNotification(ctx, n)
	}
}

func (w *Watchman) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.addRecursive(event.Name)
			return
		}
	}
	if !relevant(event.Op) {
		return
	}

	switch Classify(event.Name, w.ritualsDir) {
	case ActionSyncExternalEvents:
		if w.dispatch.OnExternalEvents != nil {
			w.dispatch.OnExternalEvents(ctx, event.Name)
		}
	case ActionExecuteRitual:
		w.logger.Info("watchman detected ritual edit, awakening steward",
			zap.String("file", filepath.Base(event.Name)))
		if w.dispatch.OnRitual != nil {
			w.dispatch.OnRitual(ctx, event.Name)
		}
	case ActionIgnore:
		// Channel logs are passive to filesystem events; they only react
		// to explicit notifications.
	}
}
