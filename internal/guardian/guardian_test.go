package guardian

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrivener/internal/agent"
	"scrivener/internal/llm"
	"scrivener/internal/tools"
	"scrivener/internal/workspace"
)

type pulseClient struct {
	mu           sync.Mutex
	systemPrompt string
	userPrompt   string
	err          error
}

func (c *pulseClient) GenerateTurn(_ context.Context, systemPrompt string, history []llm.Message, _ []llm.Declaration) (llm.Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.systemPrompt = systemPrompt
	if len(history) > 0 && len(history[0].Parts) > 0 {
		c.userPrompt = history[0].Parts[0].Text
	}
	if c.err != nil {
		return nil, c.err
	}
	return llm.Narrative{Text: "all healthy"}, nil
}

func (c *pulseClient) ListModels(context.Context) ([]llm.ModelInfo, error) { return nil, nil }
func (c *pulseClient) Model() string                                      { return "pulse" }

func newFixture(t *testing.T, client llm.Client) (*Guardian, workspace.Layout) {
	t.Helper()
	layout, err := workspace.Resolve(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, layout.Scaffold())

	registry := tools.NewRegistry(layout.Root, tools.Options{})
	runner := agent.New(client, registry, agent.Options{MaxTurns: 3, ReadOnlyBudget: 5})
	return New(layout, runner, registry, Options{}), layout
}

func TestPulseUsesGuardianPromptAndContext(t *testing.T) {
	client := &pulseClient{}
	g, layout := newFixture(t, client)

	require.NoError(t, os.WriteFile(layout.GuardianPrompt(), []byte("Audit everything."), 0o644))
	require.NoError(t, os.WriteFile(layout.GlobalKnowledge(), []byte("deploys run nightly"), 0o644))
	history := filepath.Join(layout.ChannelsDir(), "ops", "history", "2026-03-13")
	require.NoError(t, os.MkdirAll(history, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(history, "done.md"), []byte("x"), 0o644))

	require.NoError(t, g.Pulse(context.Background()))

	assert.Equal(t, "Audit everything.", client.systemPrompt)
	assert.Contains(t, client.userPrompt, "### Environmental Context:")
	assert.Contains(t, client.userPrompt, `"ops" (1 files)`)
	assert.Contains(t, client.userPrompt, "deploys run nightly")
	assert.Contains(t, client.userPrompt, "Available Tools:")
	assert.Contains(t, client.userPrompt, "read")
}

func TestPulseCreatesBlackboard(t *testing.T) {
	client := &pulseClient{}
	g, layout := newFixture(t, client)

	require.NoError(t, g.Pulse(context.Background()))

	_, err := os.Stat(layout.GuardianBlackboard())
	assert.NoError(t, err)
}

func TestPulseFallsBackToDefaultPrompt(t *testing.T) {
	client := &pulseClient{}
	g, layout := newFixture(t, client)
	_ = os.Remove(layout.GuardianPrompt())

	require.NoError(t, g.Pulse(context.Background()))
	assert.Equal(t, fallbackPrompt, client.systemPrompt)
}

func TestPulsePropagatesModelError(t *testing.T) {
	client := &pulseClient{err: errors.New("quota exhausted")}
	g, _ := newFixture(t, client)

	err := g.Pulse(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestRunStopsOnCancel(t *testing.T) {
	client := &pulseClient{}
	g, _ := newFixture(t, client)
	g.settle = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("guardian did not stop on cancel")
	}
}
