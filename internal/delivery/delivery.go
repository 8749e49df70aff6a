// Package delivery abstracts the outbound side of the chat platform. The
// concrete connector lives outside this process; the default implementation
// just records what would have been sent.
package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scrivener/internal/llm"
	"scrivener/internal/tools"
)

// Messenger sends outbound messages to a channel.
type Messenger interface {
	// SendMessage delivers text and returns the platform message id.
	SendMessage(ctx context.Context, channelID, text string) (string, error)
	// SendTyping signals activity while a long execution runs.
	SendTyping(ctx context.Context, channelID string) error
}

// LogMessenger is the default no-op connector: deliveries land in the log.
type LogMessenger struct {
	Logger *zap.Logger
}

func (m LogMessenger) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m LogMessenger) SendMessage(_ context.Context, channelID, text string) (string, error) {
	id := uuid.NewString()
	m.logger().Info("outbound message",
		zap.String("channel", channelID), zap.String("message_id", id), zap.Int("len", len(text)))
	return id, nil
}

func (m LogMessenger) SendTyping(_ context.Context, channelID string) error {
	m.logger().Debug("typing", zap.String("channel", channelID))
	return nil
}

var sendDecl = llm.Declaration{
	Name:        "send_message",
	Description: "Send a chat message to a channel immediately, without waiting for the final answer. Use this for progress updates on long tasks.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"channel": map[string]any{"type": "string", "description": "Channel name to deliver to"},
			"text":    map[string]any{"type": "string", "description": "Message body, Markdown allowed"},
		},
		"required": []string{"channel", "text"},
	},
}

// RegisterSendTool exposes the messenger as a state-mutating capability.
func RegisterSendTool(reg *tools.Registry, m Messenger) {
	reg.Register(tools.Tool{
		Decl:  sendDecl,
		Write: true,
		Run: func(ctx context.Context, args map[string]any) tools.Result {
			channel, _ := args["channel"].(string)
			text, _ := args["text"].(string)
			if channel == "" || text == "" {
				return tools.Errorf("Error: Missing required arguments `channel` and `text`.")
			}
			id, err := m.SendMessage(ctx, channel, text)
			if err != nil {
				return tools.Errorf("Error sending message: %v", err)
			}
			return tools.Success(fmt.Sprintf("Message delivered (ID: %s)", id))
		},
	})
}
