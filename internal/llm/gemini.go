package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GeminiConfig carries the connection settings for the Gemini REST API.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultGeminiConfig returns sensible defaults.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:  apiKey,
		BaseURL: "https://generativelanguage.googleapis.com/v1beta",
		Model:   "gemini-3-flash-preview",
		Timeout: 10 * time.Minute,
	}
}

// GeminiClient implements Client against the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *zap.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewGeminiClient creates a client from config. A nil logger is replaced
// with a no-op one.
func NewGeminiClient(cfg GeminiConfig, logger *zap.Logger) *GeminiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-3-flash-preview"
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &GeminiClient{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Model returns the configured model name.
func (c *GeminiClient) Model() string {
	return c.model
}

// Gemini wire format.

type geminiRequest struct {
	Contents          []Message               `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Parts []Part `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []Declaration `json:"functionDeclarations,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content struct {
		Parts []Part `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type geminiModelsResponse struct {
	Models []struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
		Description string `json:"description"`
	} `json:"models"`
}

const maxRetries = 3

// GenerateTurn sends the full history plus tool declarations and folds the
// provider response into a Turn.
func (c *GeminiClient) GenerateTurn(ctx context.Context, systemPrompt string, history []Message, tools []Declaration) (Turn, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.httpClient.Timeout)
		defer cancel()
	}

	c.throttle()

	reqBody := geminiRequest{
		Contents:         history,
		GenerationConfig: &geminiGenerationConfig{Temperature: 1.0},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []Part{{Text: systemPrompt}}}
	}
	if len(tools) > 0 {
		reqBody.Tools = []geminiTool{{FunctionDeclarations: tools}}
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		body, retryable, err := c.post(ctx, url, reqBody)
		if err != nil {
			if !retryable {
				return nil, err
			}
			lastErr = err
			continue
		}

		var resp geminiResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("API error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("%w: %s", ErrSafetyRefusal, resp.PromptFeedback.BlockReason)
		}
		if len(resp.Candidates) == 0 {
			return nil, ErrEmptyResponse
		}
		cand := resp.Candidates[0]
		if cand.FinishReason == "SAFETY" {
			return nil, ErrSafetyRefusal
		}

		turn := foldParts(cand.Content.Parts)
		c.logTurn(turn, time.Since(start))
		return turn, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// post issues one request. retryable is true for transport errors and 429s.
func (c *GeminiClient) post(ctx context.Context, url string, reqBody geminiRequest) (body []byte, retryable bool, err error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, true, fmt.Errorf("rate limit exceeded (429)")
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return body, false, nil
}

// foldParts collapses the candidate parts into a Narrative or ToolCalls turn.
func foldParts(parts []Part) Turn {
	var text strings.Builder
	var calls []ToolCall
	for _, p := range parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			calls = append(calls, ToolCall{
				ID:   fmt.Sprintf("call_%d", len(calls)),
				Name: p.FunctionCall.Name,
				Args: p.FunctionCall.Args,
			})
		}
	}
	if len(calls) > 0 {
		return ToolCalls{
			Thought: strings.TrimSpace(text.String()),
			Calls:   calls,
			Parts:   parts,
		}
	}
	return Narrative{Text: strings.TrimSpace(text.String())}
}

// ListModels fetches the provider's model catalog.
func (c *GeminiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}
	url := fmt.Sprintf("%s/models?key=%s", c.baseURL, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	var list geminiModelsResponse
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	out := make([]ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, ModelInfo{
			Name:        strings.TrimPrefix(m.Name, "models/"),
			DisplayName: m.DisplayName,
			Description: m.Description,
		})
	}
	return out, nil
}

// throttle spaces requests at least 100ms apart.
func (c *GeminiClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < 100*time.Millisecond {
		time.Sleep(100*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
}

func (c *GeminiClient) logTurn(turn Turn, took time.Duration) {
	switch t := turn.(type) {
	case Narrative:
		c.logger.Debug("model turn", zap.String("kind", "narrative"),
			zap.Int("text_len", len(t.Text)), zap.Duration("took", took))
	case ToolCalls:
		names := make([]string, 0, len(t.Calls))
		for _, call := range t.Calls {
			names = append(names, call.Name)
		}
		c.logger.Debug("model turn", zap.String("kind", "tool_calls"),
			zap.Strings("tools", names), zap.Duration("took", took))
	}
}
