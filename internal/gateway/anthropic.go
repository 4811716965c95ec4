package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"drover/internal/message"
	"drover/internal/promptcache"
	"drover/internal/types"
)

// anthropicClient speaks the content-block event dialect: every block has an
// explicit start/delta/stop lifecycle and tool arguments arrive as
// input_json_delta fragments scoped to their block index.
type anthropicClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

func newAnthropicClient(cfg Config, logger *zap.Logger) *anthropicClient {
	return &anthropicClient{
		cfg:        cfg,
		httpClient: newHTTPClient(cfg.Timeout),
		logger:     logger.Named("anthropic"),
	}
}

func (c *anthropicClient) Model() string { return c.cfg.Model }

// Wire types for the messages endpoint.

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      []anthropicBlock   `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	CacheControl *message.CacheControl `json:"cache_control,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock *struct {
		Type  string         `json:"type"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input,omitempty"`
	} `json:"content_block,omitempty"`

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`

	Message *struct {
		Usage *anthropicUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`

	Usage *anthropicUsage `json:"usage,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func toAnthropicMessages(history []message.Message) []anthropicMessage {
	out := make([]anthropicMessage, 0, len(history))
	for _, msg := range history {
		if msg.Role == message.RoleSystem {
			// System content travels in the request's system field.
			continue
		}
		wire := anthropicMessage{Role: string(msg.Role)}
		for _, block := range msg.Content {
			wire.Content = append(wire.Content, anthropicBlock{
				Type:         block.Type,
				Text:         block.Text,
				ID:           block.ID,
				Name:         block.Name,
				Input:        block.Input,
				ToolUseID:    block.ToolUseID,
				Content:      block.Content,
				IsError:      block.IsError,
				CacheControl: block.CacheControl,
			})
		}
		out = append(out, wire)
	}
	return out
}

func toAnthropicSystem(system string) []anthropicBlock {
	if system == "" {
		return nil
	}
	chunks := promptcache.SplitSystemPrompt(system)
	blocks := make([]anthropicBlock, 0, len(chunks))
	for _, chunk := range chunks {
		blocks = append(blocks, anthropicBlock{
			Type:         message.BlockText,
			Text:         chunk.Text,
			CacheControl: chunk.CacheControl,
		})
	}
	return blocks
}

// annotateLastUserTurn applies cache tags to the trailing user message so
// large tool results become a reusable prefix on the next request.
func annotateLastUserTurn(history []message.Message) []message.Message {
	if len(history) == 0 {
		return history
	}
	last := history[len(history)-1]
	if last.Role != message.RoleUser {
		return history
	}
	out := make([]message.Message, len(history))
	copy(out, history)
	out[len(out)-1] = message.Message{
		Role:    last.Role,
		Content: promptcache.Annotate(last.Content, promptcache.DefaultTTL),
	}
	return out
}

func (c *anthropicClient) buildRequest(system string, history []message.Message, tools []types.ToolDescriptor, stream bool) anthropicRequest {
	req := anthropicRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		System:      toAnthropicSystem(system),
		Messages:    toAnthropicMessages(annotateLastUserTurn(history)),
		Temperature: c.cfg.Temperature,
		Stream:      stream,
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return req
}

func (c *anthropicClient) do(ctx context.Context, req anthropicRequest, stream bool) (*http.Response, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
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

// Send issues a streaming request and normalizes the content-block events.
func (c *anthropicClient) Send(ctx context.Context, system string, history []message.Message, tools []types.ToolDescriptor) (<-chan StreamEvent, error) {
	if err := validateHistory(history); err != nil {
		return nil, err
	}

	req := c.buildRequest(system, history, tools, true)
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

// openToolBlock tracks a tool_use block between its start and stop events.
type openToolBlock struct {
	id    string
	name  string
	input map[string]any // populated when the start event carried full input
	args  strings.Builder
}

func (c *anthropicClient) streamEvents(ctx context.Context, body io.Reader, events chan<- StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	open := make(map[int]*openToolBlock)
	var usage types.Usage
	stopReason := "end_turn"

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
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

		var evt anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			// Malformed frame. Skip it rather than kill the stream.
			c.logger.Debug("skipping malformed stream frame", zap.Error(err))
			continue
		}

		if evt.Error != nil {
			emit(errorEvent(fmt.Errorf("API error: %s", evt.Error.Message)))
			return
		}

		switch evt.Type {
		case "message_start":
			if evt.Message != nil && evt.Message.Usage != nil {
				usage.InputTokens = evt.Message.Usage.InputTokens
			}

		case "content_block_start":
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				open[evt.Index] = &openToolBlock{
					id:    evt.ContentBlock.ID,
					name:  evt.ContentBlock.Name,
					input: evt.ContentBlock.Input,
				}
				if !emit(toolStarted(evt.ContentBlock.ID, evt.ContentBlock.Name)) {
					return
				}
			}

		case "content_block_delta":
			if evt.Delta == nil {
				continue
			}
			switch evt.Delta.Type {
			case "text_delta":
				if evt.Delta.Text != "" && !emit(token(evt.Delta.Text)) {
					return
				}
			case "input_json_delta":
				block, ok := open[evt.Index]
				if !ok {
					continue
				}
				block.args.WriteString(evt.Delta.PartialJSON)
				if !emit(toolDelta(block.id, evt.Delta.PartialJSON)) {
					return
				}
			}

		case "content_block_stop":
			block, ok := open[evt.Index]
			if !ok {
				continue
			}
			delete(open, evt.Index)

			raw := block.args.String()
			args := map[string]any{}
			switch {
			case raw != "":
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					args = parseErrorArgs(raw)
				}
			case len(block.input) > 0:
				args = block.input
			}
			if !emit(toolComplete(block.id, block.name, args)) {
				return
			}

		case "message_delta":
			if evt.Delta != nil && evt.Delta.StopReason != "" {
				stopReason = evt.Delta.StopReason
			}
			if evt.Usage != nil {
				usage.OutputTokens = evt.Usage.OutputTokens
			}

		case "message_stop":
			emit(doneEvent(stopReason, usage))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		emit(errorEvent(fmt.Errorf("stream error: %w", err)))
		return
	}
	// Upstream closed without message_stop. Treat what we have as done.
	emit(doneEvent(stopReason, usage))
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete is the non-streaming path for one-shot prompts.
func (c *anthropicClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	ctx, cancel := withDeadline(ctx, c.cfg.Timeout)
	defer cancel()

	history := []message.Message{message.NewTextMessage(message.RoleUser, prompt)}
	req := c.buildRequest(system, history, nil, false)

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("API error: %s", parsed.Error.Message)
	}

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
