package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrivener/internal/document"
	"scrivener/internal/llm"
	"scrivener/internal/tools"
)

// scriptedClient replays a fixed sequence of turns.
type scriptedClient struct {
	turns []llm.Turn
	err   error
	calls int
}

func (c *scriptedClient) GenerateTurn(_ context.Context, _ string, _ []llm.Message, _ []llm.Declaration) (llm.Turn, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.calls >= len(c.turns) {
		return llm.Narrative{Text: "done"}, nil
	}
	turn := c.turns[c.calls]
	c.calls++
	return turn, nil
}

func (c *scriptedClient) ListModels(context.Context) ([]llm.ModelInfo, error) { return nil, nil }
func (c *scriptedClient) Model() string                                      { return "scripted" }

func newFixture(t *testing.T, opts Options, client llm.Client) (*Runner, string, string) {
	t.Helper()
	root := t.TempDir()
	thread := filepath.Join(root, "blackboard.md")
	require.NoError(t, os.WriteFile(thread, nil, 0o644))
	registry := tools.NewRegistry(root, tools.Options{})
	return New(client, registry, opts), root, thread
}

func TestSkipReasonIsPreservedVerbatim(t *testing.T) {
	var messages []llm.Message
	calls := []llm.ToolCall{{ID: "c1", Name: "read", Args: map[string]any{"path": "x"}}}

	// Percent signs in the reason must survive into the observation.
	reason := "Read-only budget reached (100% used). Reevaluate before continuing."
	skipRemaining(&messages, calls, 0, reason)

	require.Len(t, messages, 1)
	require.Equal(t, llm.RoleTool, messages[0].Role)
	content := messages[0].Parts[0].FunctionResponse.Response["content"]
	assert.Equal(t, reason, content)
	assert.Equal(t, true, messages[0].Parts[0].FunctionResponse.Response["is_error"])
}

func countToolResults(messages []llm.Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == llm.RoleTool {
			n++
		}
	}
	return n
}

func lastNote(t *testing.T, messages []llm.Message) string {
	t.Helper()
	require.NotEmpty(t, messages)
	last := messages[len(messages)-1]
	require.NotEmpty(t, last.Parts)
	return last.Parts[0].Text
}

func TestBatchStopsAfterWrite(t *testing.T) {
	r, root, thread := newFixture(t, Options{}, &scriptedClient{})
	var messages []llm.Message
	calls := []llm.ToolCall{
		{ID: "call-1", Name: "write", Args: map[string]any{"path": "note.txt", "content": "hello"}},
		{ID: "call-2", Name: "read", Args: map[string]any{"path": "note.txt"}},
	}

	r.executeBatch(context.Background(), &messages, calls, thread, &batchState{})

	assert.Equal(t, 2, countToolResults(messages))
	data, err := os.ReadFile(filepath.Join(root, "note.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Contains(t, lastNote(t, messages), "State changed via `write`")
}

func TestBatchSkipsRepeatedCall(t *testing.T) {
	r, _, thread := newFixture(t, Options{}, &scriptedClient{})
	var messages []llm.Message
	calls := []llm.ToolCall{
		{ID: "call-1", Name: "find", Args: map[string]any{"name": "alpha"}},
		{ID: "call-2", Name: "ls", Args: map[string]any{"path": "."}},
	}
	state := &batchState{lastCallSignature: tools.CallSignature(calls[0])}

	r.executeBatch(context.Background(), &messages, calls, thread, state)

	assert.Equal(t, 2, countToolResults(messages))
	assert.Contains(t, lastNote(t, messages), "Repeated tool call detected")
}

func TestBatchEnforcesReadOnlyBudget(t *testing.T) {
	client := &scriptedClient{}
	r, root, thread := newFixture(t, Options{ReadOnlyBudget: 3}, client)
	docs := filepath.Join(root, "docs")
	require.NoError(t, os.MkdirAll(docs, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "alpha.txt"), []byte("alpha\nfind me\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(docs, "beta.txt"), []byte("beta\nother\n"), 0o644))

	var messages []llm.Message
	calls := []llm.ToolCall{
		{ID: "call-1", Name: "find", Args: map[string]any{"name": "alpha", "path": "docs"}},
		{ID: "call-2", Name: "ls", Args: map[string]any{"path": "docs"}},
		{ID: "call-3", Name: "grep", Args: map[string]any{"pattern": "find me", "path": "docs"}},
		{ID: "call-4", Name: "read", Args: map[string]any{"path": "docs/alpha.txt"}},
		{ID: "call-5", Name: "find", Args: map[string]any{"name": "beta", "path": "docs"}},
	}

	r.executeBatch(context.Background(), &messages, calls, thread, &batchState{})

	assert.Equal(t, 5, countToolResults(messages))
	assert.Contains(t, lastNote(t, messages), "Read-only budget reached")
}

func TestBatchStopsOnRepeatedErrors(t *testing.T) {
	r, _, thread := newFixture(t, Options{ReadOnlyBudget: 10}, &scriptedClient{})
	var messages []llm.Message
	// Same missing file read twice with different argument spellings: two
	// distinct calls, identical error observations.
	calls := []llm.ToolCall{
		{ID: "call-1", Name: "read", Args: map[string]any{"path": "gone.txt"}},
		{ID: "call-2", Name: "read", Args: map[string]any{"path": "gone.txt", "offset": float64(1)}},
		{ID: "call-3", Name: "ls", Args: map[string]any{}},
	}

	r.executeBatch(context.Background(), &messages, calls, thread, &batchState{})

	assert.Equal(t, 3, countToolResults(messages))
	assert.Contains(t, lastNote(t, messages), "Repeated similar tool errors")
}

func TestBatchStopsWhenSteeringArrives(t *testing.T) {
	r, _, thread := newFixture(t, Options{ReadOnlyBudget: 10}, &scriptedClient{})
	// A capability whose side effect is a new externally-authored entry on
	// the owning thread file.
	r.registry.Register(tools.Tool{
		Decl: llm.Declaration{Name: "notify", Description: "test"},
		Run: func(context.Context, map[string]any) tools.Result {
			block := document.FormatAuthorBlock("ada", "u1", "m9", "STOP!", time.Now())
			f, err := os.OpenFile(thread, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return tools.Errorf("open: %v", err)
			}
			defer f.Close()
			f.WriteString(block)
			return tools.Success("notified")
		},
	})

	var messages []llm.Message
	calls := []llm.ToolCall{
		{ID: "call-1", Name: "notify", Args: map[string]any{}},
		{ID: "call-2", Name: "ls", Args: map[string]any{}},
	}

	r.executeBatch(context.Background(), &messages, calls, thread, &batchState{})

	assert.Equal(t, 2, countToolResults(messages))
	assert.Contains(t, lastNote(t, messages), "new user message arrived")

	var sawSteering bool
	for _, m := range messages {
		if m.Role == llm.RoleUser && len(m.Parts) > 0 && m.Parts[0].Text == "STOP!" {
			sawSteering = true
		}
	}
	assert.True(t, sawSteering)
}

func TestRunReturnsNarrative(t *testing.T) {
	client := &scriptedClient{turns: []llm.Turn{llm.Narrative{Text: "All quiet."}}}
	r, _, thread := newFixture(t, Options{MaxTurns: 5}, client)

	answer, err := r.Run(context.Background(), "system", []llm.Message{llm.UserText("status?")}, thread)
	require.NoError(t, err)
	assert.Equal(t, "All quiet.", answer)
	assert.Equal(t, 1, client.calls)
}

func TestRunExecutesToolsThenAnswers(t *testing.T) {
	client := &scriptedClient{turns: []llm.Turn{
		llm.ToolCalls{
			Thought: "listing first",
			Calls:   []llm.ToolCall{{ID: "call-0", Name: "ls", Args: map[string]any{}}},
			Parts:   []llm.Part{{FunctionCall: &llm.FunctionCall{Name: "ls"}}},
		},
		llm.Narrative{Text: "Empty workspace."},
	}}
	r, _, thread := newFixture(t, Options{MaxTurns: 5}, client)

	answer, err := r.Run(context.Background(), "system", []llm.Message{llm.UserText("look around")}, thread)
	require.NoError(t, err)
	assert.Equal(t, "Empty workspace.", answer)
	assert.Equal(t, 2, client.calls)
}

func TestRunMaxTurnsSentinel(t *testing.T) {
	toolTurn := llm.ToolCalls{Calls: []llm.ToolCall{{ID: "call-0", Name: "ls", Args: map[string]any{"path": "."}}}}
	client := &scriptedClient{turns: []llm.Turn{
		toolTurn,
		llm.ToolCalls{Calls: []llm.ToolCall{{ID: "call-1", Name: "find", Args: map[string]any{"name": "x"}}}},
	}}
	r, _, thread := newFixture(t, Options{MaxTurns: 2}, client)

	answer, err := r.Run(context.Background(), "system", nil, thread)
	require.NoError(t, err)
	assert.Equal(t, MaxTurnsSentinel, answer)
	assert.Equal(t, 2, client.calls)
}

func TestRunModelFailureIsHardError(t *testing.T) {
	client := &scriptedClient{err: errors.New("upstream boom")}
	r, _, thread := newFixture(t, Options{}, client)

	_, err := r.Run(context.Background(), "system", nil, thread)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream boom")
}
