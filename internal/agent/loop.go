// Package agent drives the tool-calling loop: repeated model turns with a
// batch execution policy in between, until the model answers in prose or the
// turn budget runs out.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"scrivener/internal/llm"
	"scrivener/internal/tools"
)

// MaxTurnsSentinel is returned when the loop exhausts its turn budget
// without a narrative answer.
const MaxTurnsSentinel = "Max iterations reached."

// Options bounds a runner.
type Options struct {
	MaxTurns       int
	ReadOnlyBudget int
	Logger         *zap.Logger
}

// Runner executes agent loops against one model client and one capability
// registry. Safe for concurrent use; per-invocation state lives on the stack.
type Runner struct {
	client         llm.Client
	registry       *tools.Registry
	maxTurns       int
	readOnlyBudget int
	logger         *zap.Logger
}

// New builds a runner. Turn and budget floors are enforced here so callers
// cannot configure a loop that never executes.
func New(client llm.Client, registry *tools.Registry, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	maxTurns := opts.MaxTurns
	if maxTurns < 1 {
		maxTurns = 1
	}
	budget := opts.ReadOnlyBudget
	if budget < 1 {
		budget = 1
	}
	return &Runner{
		client:         client,
		registry:       registry,
		maxTurns:       maxTurns,
		readOnlyBudget: budget,
		logger:         opts.Logger,
	}
}

// Run drives the loop for one thread invocation. threadPath is the owning
// file, reread each turn for steering. A model failure is a hard error that
// terminates the loop.
func (r *Runner) Run(ctx context.Context, systemPrompt string, initial []llm.Message, threadPath string) (string, error) {
	messages := initial
	state := &batchState{}

	for turn := 1; turn <= r.maxTurns; turn++ {
		r.logger.Info("reasoning", zap.Int("turn", turn), zap.Int("max_turns", r.maxTurns))

		refreshSteering(&messages, threadPath, r.logger)

		result, err := r.client.GenerateTurn(ctx, systemPrompt, messages, r.registry.Declarations())
		if err != nil {
			return "", fmt.Errorf("model turn %d: %w", turn, err)
		}

		switch t := result.(type) {
		case llm.Narrative:
			messages = append(messages, llm.ModelMessage([]llm.Part{{Text: t.Text}}))
			return t.Text, nil
		case llm.ToolCalls:
			if t.Thought != "" {
				r.logger.Debug("thought", zap.String("text", t.Thought))
			}
			parts := t.Parts
			if len(parts) == 0 && t.Thought != "" {
				parts = []llm.Part{{Text: "Thought: " + t.Thought}}
			}
			messages = append(messages, llm.ModelMessage(parts))
			r.executeBatch(ctx, &messages, t.Calls, threadPath, state)
		default:
			return "", fmt.Errorf("model turn %d: unexpected turn type %T", turn, result)
		}
	}

	return MaxTurnsSentinel, nil
}
