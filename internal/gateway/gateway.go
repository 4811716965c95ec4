// Package gateway normalizes the two upstream model wire dialects into a
// single stream of StreamEvents. The provider is chosen once at
// construction; nothing downstream ever inspects wire formats.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"drover/internal/message"
	"drover/internal/types"
)

// Provider selects the upstream wire dialect.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Client is a model backend capable of streaming a turn.
type Client interface {
	// Send issues one streaming request. The returned channel yields
	// normalized events and is closed after a terminal done or error
	// event. Send fails immediately on empty history or a missing
	// credential; everything after the request is in flight surfaces as
	// an error event instead.
	Send(ctx context.Context, system string, history []message.Message, tools []types.ToolDescriptor) (<-chan StreamEvent, error)

	// Complete is the non-streaming convenience path for one-shot
	// prompts.
	Complete(ctx context.Context, system, prompt string) (string, error)

	Model() string
}

// Config holds backend connection settings.
type Config struct {
	Provider Provider
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration

	MaxTokens   int
	Temperature float64
}

func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	switch c.Provider {
	case ProviderAnthropic:
		if c.BaseURL == "" {
			c.BaseURL = "https://api.anthropic.com/v1"
		}
		if c.Model == "" {
			c.Model = "claude-sonnet-4-5-20250514"
		}
	case ProviderOpenAI:
		if c.BaseURL == "" {
			c.BaseURL = "https://api.openai.com/v1"
		}
		if c.Model == "" {
			c.Model = "gpt-4o"
		}
	}
}

// New builds a client for the configured provider.
func New(cfg Config, logger *zap.Logger) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gateway: API key not configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	switch cfg.Provider {
	case ProviderAnthropic:
		return newAnthropicClient(cfg, logger), nil
	case ProviderOpenAI:
		return newOpenAIClient(cfg, logger), nil
	}
	return nil, fmt.Errorf("gateway: unknown provider %q", cfg.Provider)
}

func validateHistory(history []message.Message) error {
	if len(history) == 0 {
		return fmt.Errorf("gateway: empty history")
	}
	// Every tool_use in an assistant message must be answered by a
	// matching tool_result in the immediately following user message.
	for i, msg := range history {
		if msg.Role != message.RoleAssistant {
			continue
		}
		uses := msg.ToolUses()
		if len(uses) == 0 {
			continue
		}
		if i+1 >= len(history) || history[i+1].Role != message.RoleUser {
			return fmt.Errorf("gateway: tool_use at message %d has no following tool_result message", i)
		}
		answered := make(map[string]bool)
		for _, block := range history[i+1].Content {
			if block.Type == message.BlockToolResult {
				answered[block.ToolUseID] = true
			}
		}
		for _, use := range uses {
			if !answered[use.ID] {
				return fmt.Errorf("gateway: tool_use %q at message %d is unanswered", use.ID, i)
			}
		}
	}
	return nil
}

// withDeadline applies the client timeout when the caller supplied none.
func withDeadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
