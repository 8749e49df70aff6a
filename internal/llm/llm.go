// Package llm abstracts the language model behind a single tool-calling
// turn interface so the agent loop never touches provider wire formats.
package llm

import (
	"context"
	"errors"
)

// Role identifies who produced a message in a conversation history.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "function"
)

// FunctionCall is a model-requested tool invocation.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool observation back to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one piece of a message: text, a call, or an observation.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Message is one entry in the running conversation history.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// ToolCall is a single requested invocation, addressable by ID within a turn.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Declaration describes a callable tool to the model.
type Declaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Turn is the model's reply to one generation request. It is either a
// Narrative (prose, conversation over for now) or ToolCalls (the model
// wants tools executed before continuing).
type Turn interface {
	isTurn()
}

// Narrative is a prose-only turn.
type Narrative struct {
	Text string
}

func (Narrative) isTurn() {}

// ToolCalls is a turn requesting one or more tool invocations. Parts holds
// the raw model parts so the caller can echo the turn back into history
// verbatim when appending observations.
type ToolCalls struct {
	Thought string
	Calls   []ToolCall
	Parts   []Part
}

func (ToolCalls) isTurn() {}

// ModelInfo describes one model the provider offers.
type ModelInfo struct {
	Name        string
	DisplayName string
	Description string
}

var (
	// ErrEmptyResponse means the provider returned no candidates at all.
	ErrEmptyResponse = errors.New("model returned no candidates")
	// ErrSafetyRefusal means generation was cut off by provider safety policy.
	ErrSafetyRefusal = errors.New("model refused: safety block")
)

// Client generates turns against a concrete provider.
type Client interface {
	GenerateTurn(ctx context.Context, systemPrompt string, history []Message, tools []Declaration) (Turn, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Model() string
}
