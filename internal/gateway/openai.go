package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"drover/internal/message"
	"drover/internal/types"
)

// openaiClient speaks the choice-delta dialect: function-call argument text
// arrives in fragments attached to choice deltas, with no explicit start
// separate from the first named fragment. A started event is synthesized
// from that first fragment, fragments accumulate per call, and the
// accumulated text is parsed only at the terminal finish_reason.
type openaiClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func newOpenAIClient(cfg Config, logger *zap.Logger) *openaiClient {
	return &openaiClient{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		logger:     logger.Named("openai"),
	}
}

func (c *openaiClient) Model() string { return c.cfg.Model }

// Wire types for the chat completions endpoint.

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []openaiTool         `json:"tools,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Temperature   float64              `json:"temperature,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiTool struct {
	Type     string         `json:"type"` // "function"
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"` // "function"
	Function openaiFunctionCall `json:"function"`
}

type openaiFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// toOpenAIMessages flattens the block model into this dialect's shape:
// assistant tool_use blocks become tool_calls on an assistant message, and
// each tool_result block becomes its own role "tool" message.
func toOpenAIMessages(system string, history []message.Message) ([]openaiMessage, error) {
	var out []openaiMessage
	if system != "" {
		out = append(out, openaiMessage{Role: "system", Content: system})
	}

	for _, msg := range history {
		switch msg.Role {
		case message.RoleSystem:
			out = append(out, openaiMessage{Role: "system", Content: msg.PlainText()})

		case message.RoleAssistant:
			wire := openaiMessage{Role: "assistant", Content: msg.PlainText()}
			for _, call := range msg.ToolUses() {
				args, err := json.Marshal(call.Input)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal arguments for %s: %w", call.Name, err)
				}
				wire.ToolCalls = append(wire.ToolCalls, openaiToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openaiFunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
			out = append(out, wire)

		case message.RoleUser:
			var text strings.Builder
			for _, block := range msg.Content {
				switch block.Type {
				case message.BlockText:
					text.WriteString(block.Text)
				case message.BlockToolResult:
					out = append(out, openaiMessage{
						Role:       "tool",
						Content:    block.Content,
						ToolCallID: block.ToolUseID,
					})
				}
			}
			if text.Len() > 0 {
				out = append(out, openaiMessage{Role: "user", Content: text.String()})
			}
		}
	}
	return out, nil
}

func (c *openaiClient) buildRequest(system string, history []message.Message, tools []types.ToolDescriptor, stream bool) (openaiRequest, error) {
	messages, err := toOpenAIMessages(system, history)
	if err != nil {
		return openaiRequest{}, err
	}

	req := openaiRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openaiTool{
			Type: "function",
			Function: openaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return req, nil
}

func (c *openaiClient) do(ctx context.Context, req openaiRequest, stream bool) (*http.Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// Send issues a streaming request and normalizes the choice deltas.
func (c *openaiClient) Send(ctx context.Context, system string, history []message.Message, tools []types.ToolDescriptor) (<-chan StreamEvent, error) {
	if err := validateHistory(history); err != nil {
		return nil, err
	}

	req, err := c.buildRequest(system, history, tools, true)
	if err != nil {
		return nil, err
	}
	events := make(chan StreamEvent, 100)

	go func() {
		defer close(events)

		ctx, cancel := withDeadline(ctx, c.cfg.Timeout)
		defer cancel()

		startTime := time.Now()
		resp, err := c.do(ctx, req, true)
		if err != nil {
			events <- errorEvent(err)
			return
		}
		defer resp.Body.Close()

		c.streamEvents(ctx, resp.Body, events)
		c.logger.Debug("stream finished", zap.Duration("elapsed", time.Since(startTime)))
	}()

	return events, nil
}

// pendingCall accumulates argument fragments for one tool call across
// chunks, keyed by the call's index within the choice.
type pendingCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

func (c *openaiClient) streamEvents(ctx context.Context, body io.Reader, events chan<- StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	pending := make(map[int]*pendingCall)
	var usage types.Usage
	stopReason := "stop"
	finished := false

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// flush parses every accumulated call and emits completes in index
	// order. Malformed argument text is wrapped, not dropped: the loop
	// still needs to answer the call with something the model can see.
	flush := func() bool {
		calls := make([]*pendingCall, 0, len(pending))
		for _, call := range pending {
			calls = append(calls, call)
		}
		sort.Slice(calls, func(i, j int) bool { return calls[i].index < calls[j].index })

		for _, call := range calls {
			raw := call.args.String()
			args := map[string]any{}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					c.logger.Warn("tool call arguments failed to parse",
						zap.String("tool", call.name), zap.Int("len", len(raw)))
					args = parseErrorArgs(raw)
				}
			}
			if !emit(toolComplete(call.id, call.name, args)) {
				return false
			}
		}
		pending = make(map[int]*pendingCall)
		return true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}

		if chunk.Error != nil {
			emit(errorEvent(fmt.Errorf("API error: %s", chunk.Error.Message)))
			return
		}

		// Usage arrives on a trailing chunk with no choices.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}

		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !emit(token(choice.Delta.Content)) {
					return
				}
			}

			for _, tc := range choice.Delta.ToolCalls {
				call, ok := pending[tc.Index]
				if !ok {
					call = &pendingCall{index: tc.Index}
					pending[tc.Index] = call
				}
				if tc.ID != "" {
					call.id = tc.ID
				} else if call.id == "" {
					// Some backends omit ids on streamed fragments.
					call.id = "call_" + uuid.NewString()
				}
				if tc.Function.Name != "" {
					// First named fragment. There is no explicit
					// start in this dialect, so synthesize one.
					call.name = tc.Function.Name
					if !emit(toolStarted(call.id, call.name)) {
						return
					}
				}
				if tc.Function.Arguments != "" {
					call.args.WriteString(tc.Function.Arguments)
					if !emit(toolDelta(call.id, tc.Function.Arguments)) {
						return
					}
				}
			}

			if choice.FinishReason != nil && *choice.FinishReason != "" {
				stopReason = *choice.FinishReason
				finished = true
				if !flush() {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(errorEvent(fmt.Errorf("stream error: %w", err)))
		return
	}
	if !finished && !flush() {
		return
	}
	emit(doneEvent(stopReason, usage))
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete is the non-streaming path for one-shot prompts.
func (c *openaiClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := withDeadline(ctx, c.cfg.Timeout)
	defer cancel()

	history := []message.Message{message.NewTextMessage(message.RoleUser, prompt)}
	req, err := c.buildRequest(system, history, nil, false)
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed openaiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no completion returned")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
