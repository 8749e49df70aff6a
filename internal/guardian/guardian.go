// Package guardian runs the silent background auditor: a periodic bounded
// agent pass over the workspace that distills history into knowledge and
// creates rituals for anomalies it spots.
package guardian

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"scrivener/internal/agent"
	"scrivener/internal/llm"
	"scrivener/internal/tools"
	"scrivener/internal/workspace"
)

const fallbackPrompt = "You are the Guardian of the workspace. Monitor and maintain."

// Options bounds the guardian loop.
type Options struct {
	// Interval between pulses. Defaults to one hour.
	Interval time.Duration
	// Settle is the initial delay before the first pulse.
	Settle time.Duration
	Logger *zap.Logger
}

// Guardian audits workspace health on a fixed cadence. Each pulse is a
// short agent pass anchored on a private blackboard under brain/.
type Guardian struct {
	layout   workspace.Layout
	runner   *agent.Runner
	registry *tools.Registry
	interval time.Duration
	settle   time.Duration
	logger   *zap.Logger
}

func New(layout workspace.Layout, runner *agent.Runner, registry *tools.Registry, opts Options) *Guardian {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	return &Guardian{
		layout:   layout,
		runner:   runner,
		registry: registry,
		interval: opts.Interval,
		settle:   opts.Settle,
		logger:   opts.Logger,
	}
}

// Run pulses until ctx is cancelled. A failed pulse is retried up to three
// times with linear backoff, then skipped until the next interval.
func (g *Guardian) Run(ctx context.Context) error {
	g.logger.Info("guardian on post", zap.Duration("interval", g.interval))

	if err := sleepCtx(ctx, g.settle); err != nil {
		return err
	}

	for {
		g.pulseWithRetry(ctx)
		if err := sleepCtx(ctx, g.interval); err != nil {
			return err
		}
	}
}

func (g *Guardian) pulseWithRetry(ctx context.Context) {
	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := g.Pulse(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < maxRetries {
			wait := time.Duration(attempt) * 5 * time.Second
			g.logger.Warn("guardian pulse failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			if sleepCtx(ctx, wait) != nil {
				return
			}
			continue
		}
		g.logger.Error("guardian pulse failed", zap.Int("attempts", maxRetries), zap.Error(err))
	}
}

// Pulse runs one maintenance pass. The agent sees a snapshot of recent
// archives and the global knowledge baseline, then gets a few turns to act.
func (g *Guardian) Pulse(ctx context.Context) error {
	g.logger.Info("guardian pulse")

	systemPrompt := fallbackPrompt
	if data, err := os.ReadFile(g.layout.GuardianPrompt()); err == nil {
		systemPrompt = string(data)
	}

	blackboard := g.layout.GuardianBlackboard()
	if _, err := os.Stat(blackboard); err != nil {
		if err := os.WriteFile(blackboard, nil, 0o644); err != nil {
			return fmt.Errorf("create guardian blackboard: %w", err)
		}
	}

	prompt := fmt.Sprintf(
		"%s\nAvailable Tools: %s\n\nPerform a proactive maintenance turn. Prefer the core tools for inspection and memory maintenance. Use a discovered skill only when you need a domain-specific capability. If you find information in history that isn't distilled, use 'write' or 'edit' to update KNOWLEDGE.md. If you see anomalies, create a ritual.",
		g.environmentContext(), strings.Join(g.toolNames(), ", "))

	_, err := g.runner.Run(ctx, systemPrompt, []llm.Message{llm.UserText(prompt)}, blackboard)
	return err
}

// environmentContext summarizes archive activity and the knowledge
// baseline for the pulse prompt.
func (g *Guardian) environmentContext() string {
	var b strings.Builder
	b.WriteString("### Environmental Context:\n")
	b.WriteString("- Recent Archive Folders: ")
	for _, h := range g.historyDirs(3) {
		n := 0
		if entries, err := os.ReadDir(h); err == nil {
			n = len(entries)
		}
		fmt.Fprintf(&b, "%q (%d files), ", filepath.Base(filepath.Dir(h)), n)
	}
	b.WriteString("\n")

	knowledge, _ := os.ReadFile(g.layout.GlobalKnowledge())
	fmt.Fprintf(&b, "\n### Global Knowledge Baseline:\n%s\n", knowledge)
	return b.String()
}

func (g *Guardian) historyDirs(limit int) []string {
	entries, err := os.ReadDir(g.layout.ChannelsDir())
	if err != nil {
		return nil
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		h := filepath.Join(g.layout.ChannelsDir(), e.Name(), "history")
		if info, err := os.Stat(h); err == nil && info.IsDir() {
			dirs = append(dirs, h)
		}
	}
	sort.Strings(dirs)
	if len(dirs) > limit {
		dirs = dirs[:limit]
	}
	return dirs
}

func (g *Guardian) toolNames() []string {
	var names []string
	for _, d := range g.registry.Declarations() {
		names = append(names, d.Name)
	}
	return names
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
