// Package tools implements the capability registry: built-in filesystem and
// shell tools plus dynamically registered capabilities (skills, messaging),
// queried by exact name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"scrivener/internal/llm"
)

// Result is one tool observation: text plus an error flag. Errors are
// surfaced to the model, never propagated as Go errors.
type Result struct {
	Output  string
	IsError bool
}

// Success builds a non-error observation.
func Success(output string) Result {
	return Result{Output: output}
}

// Errorf builds an error-flagged observation.
func Errorf(format string, args ...any) Result {
	return Result{Output: fmt.Sprintf(format, args...), IsError: true}
}

// RunFunc executes a tool against parsed arguments.
type RunFunc func(ctx context.Context, args map[string]any) Result

// Tool is one registered capability.
type Tool struct {
	Decl     llm.Declaration
	ReadOnly bool
	Write    bool
	Run      RunFunc
}

// Secret is a sensitive value scrubbed from every observation.
type Secret struct {
	Value string
	Label string
}

// Options configures a registry.
type Options struct {
	Privileged     bool
	MaxOutputBytes int
	ExecTimeout    time.Duration
	Secrets        []Secret
	Logger         *zap.Logger
}

// Registry holds the capability table. Built once at startup; lookups are
// read-only afterwards, so no locking.
type Registry struct {
	root    string
	tools   map[string]Tool
	order   []string
	opts    Options
	logger  *zap.Logger
	secrets []Secret
}

// NewRegistry builds a registry rooted at the workspace directory with the
// core tools pre-registered.
func NewRegistry(root string, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 2 * time.Minute
	}
	secrets := make([]Secret, 0, len(opts.Secrets))
	for _, s := range opts.Secrets {
		// Short values would shred unrelated text when replaced.
		if len(s.Value) > 10 {
			secrets = append(secrets, s)
		}
	}
	r := &Registry{
		root:    root,
		tools:   make(map[string]Tool),
		opts:    opts,
		logger:  opts.Logger,
		secrets: secrets,
	}
	r.registerCore()
	return r
}

// Register adds a capability. Later registrations win on name collision.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Decl.Name]; !exists {
		r.order = append(r.order, t.Decl.Name)
	}
	r.tools[t.Decl.Name] = t
}

// Declarations returns the tool schemas in registration order.
func (r *Registry) Declarations() []llm.Declaration {
	out := make([]llm.Declaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Decl)
	}
	return out
}

// IsReadOnly reports whether the named tool only observes state.
func (r *Registry) IsReadOnly(name string) bool {
	t, ok := r.tools[name]
	return ok && t.ReadOnly
}

// IsWrite reports whether the named tool mutates state.
func (r *Registry) IsWrite(name string) bool {
	t, ok := r.tools[name]
	return ok && t.Write
}

// Invoke dispatches a call by exact name, then masks secrets and truncates
// the observation before it enters session history.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	t, ok := r.tools[name]
	if !ok {
		return Errorf("Error: Unknown tool `%s`", name)
	}
	res := t.Run(ctx, args)
	res.Output = r.Mask(res.Output)
	res.Output = truncateOutput(res.Output, r.opts.MaxOutputBytes)
	if res.IsError {
		r.logger.Debug("tool error", zap.String("tool", name), zap.String("output", res.Output))
	}
	return res
}

// Mask scrubs configured secrets from text.
func (r *Registry) Mask(text string) string {
	for _, s := range r.secrets {
		label := s.Label
		if label == "" {
			label = "[REDACTED]"
		}
		text = strings.ReplaceAll(text, s.Value, label)
	}
	return text
}

// CallSignature canonicalizes a requested call for repeat detection. Go's
// JSON encoder sorts map keys, so equal argument sets always collide.
func CallSignature(call llm.ToolCall) string {
	args, err := json.Marshal(call.Args)
	if err != nil {
		args = []byte("{}")
	}
	return call.Name + ":" + string(args)
}

// ObservationSignature canonicalizes an observation for streak tracking.
func ObservationSignature(res Result) string {
	return fmt.Sprintf("%t:%s", res.IsError, res.Output)
}

// truncateOutput middle-cuts oversized observations, preserving head and
// tail context. A limit <= 0 disables truncation.
func truncateOutput(output string, limit int) string {
	if limit <= 0 || len(output) <= limit {
		return output
	}

	prefixEnd := limit / 2
	for prefixEnd > 0 && !isBoundary(output, prefixEnd) {
		prefixEnd--
	}
	suffixStart := len(output) - limit/2
	for suffixStart < len(output) && !isBoundary(output, suffixStart) {
		suffixStart++
	}

	cut := len(output) - prefixEnd - (len(output) - suffixStart)
	return fmt.Sprintf(
		"%s ... [TRUNCATED %d bytes] ... %s\n\nHint: Data is too large for the session history. Narrow the path, reduce the line window, or search for a more specific pattern before reading again.",
		output[:prefixEnd], cut, output[suffixStart:],
	)
}

// isBoundary reports whether i is a UTF-8 rune boundary in s.
func isBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	return s[i]&0xC0 != 0x80
}
