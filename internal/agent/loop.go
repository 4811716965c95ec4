package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"drover/internal/gateway"
	"drover/internal/message"
	"drover/internal/permission"
	"drover/internal/router"
	"drover/internal/types"
)

const (
	// DefaultMaxIterations bounds tool-use round trips per turn.
	DefaultMaxIterations = 10

	// DefaultToolTimeout bounds one tool call within a batch.
	DefaultToolTimeout = 30 * time.Second
)

// Config tunes one conversation loop.
type Config struct {
	SystemPrompt  string
	Mode          permission.Mode
	MaxIterations int
	ToolTimeout   time.Duration
}

// Loop drives the conversation state machine: request the model, stream,
// execute tools, append results, repeat. Single-threaded per conversation;
// only the tool calls of one model turn run concurrently.
type Loop struct {
	client gateway.Client
	gate   *permission.Gate
	router *router.Router
	logger *zap.Logger

	systemPrompt  string
	mode          permission.Mode
	maxIterations int
	toolTimeout   time.Duration
}

// New wires a loop from its three collaborators.
func New(client gateway.Client, gate *permission.Gate, rt *router.Router, cfg Config, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.Mode == "" {
		cfg.Mode = permission.ModeAsk
	}
	return &Loop{
		client:        client,
		gate:          gate,
		router:        rt,
		logger:        logger.Named("agent"),
		systemPrompt:  cfg.SystemPrompt,
		mode:          cfg.Mode,
		maxIterations: cfg.MaxIterations,
		toolTimeout:   cfg.ToolTimeout,
	}
}

// ListAvailableTools returns the reachable tool catalog.
func (l *Loop) ListAvailableTools() []types.ToolDescriptor {
	return l.router.Catalog()
}

// ResolveConfirmation answers a pending permission decision surfaced by a
// confirm event.
func (l *Loop) ResolveConfirmation(id string, approved bool) error {
	return l.gate.Resolve(id, approved)
}

// RunTurn starts one turn and streams its events. The channel closes after
// a terminal done or error event. The supplied history is copied; mode ""
// falls back to the loop's configured mode.
func (l *Loop) RunTurn(ctx context.Context, history []message.Message, userMessage string, mode permission.Mode) <-chan Event {
	if mode == "" {
		mode = l.mode
	}
	out := make(chan Event, 100)
	go func() {
		defer close(out)
		l.run(ctx, history, userMessage, mode, out)
	}()
	return out
}

// Run executes a turn to completion and returns the final text plus the
// history as appended so far, which is valid partial progress even on
// error.
func (l *Loop) Run(ctx context.Context, history []message.Message, userMessage string) (string, []message.Message, error) {
	working := appendUserMessage(history, userMessage)
	finalText, _, err := l.iterate(ctx, &working, l.mode, nil)
	return finalText, working, err
}

func appendUserMessage(history []message.Message, userMessage string) []message.Message {
	out := make([]message.Message, len(history), len(history)+1)
	copy(out, history)
	return append(out, message.NewTextMessage(message.RoleUser, userMessage))
}

func (l *Loop) run(ctx context.Context, history []message.Message, userMessage string, mode permission.Mode, out chan<- Event) {
	working := appendUserMessage(history, userMessage)
	finalText, usage, err := l.iterate(ctx, &working, mode, out)
	if err != nil {
		l.emit(ctx, out, Event{Type: EventError, Err: err})
		return
	}
	l.emit(ctx, out, Event{Type: EventDone, FinalText: finalText, Usage: usage})
}

// emit delivers an event unless the turn is cancelled. out may be nil on
// the blocking path.
func (l *Loop) emit(ctx context.Context, out chan<- Event, ev Event) {
	if out == nil {
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// iterate is the loop body shared by the streaming and blocking paths. It
// mutates *history in place so callers keep partial progress on failure.
func (l *Loop) iterate(ctx context.Context, history *[]message.Message, mode permission.Mode, out chan<- Event) (string, types.Usage, error) {
	catalog := l.router.Catalog()
	var total types.Usage

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		l.logger.Debug("iteration start",
			zap.Int("iteration", iteration),
			zap.Int("history", len(*history)),
			zap.Int("tools", len(catalog)))

		text, calls, usage, err := l.streamOnce(ctx, *history, catalog, out)
		if err != nil {
			return "", total, err
		}
		total.InputTokens += usage.InputTokens
		total.OutputTokens += usage.OutputTokens

		if len(calls) == 0 {
			return text, total, nil
		}

		results := l.executeBatch(ctx, calls, mode, out)

		*history = append(*history, assistantTurn(text, calls))
		*history = append(*history, message.NewToolResultMessage(results))
	}

	return "", total, &IterationLimitError{Limit: l.maxIterations}
}

// assistantTurn builds the assistant message for one model turn: its text,
// if any, followed by every tool_use block in call order.
func assistantTurn(text string, calls []types.ToolCall) message.Message {
	msg := message.Message{Role: message.RoleAssistant}
	if strings.TrimSpace(text) != "" {
		msg.Content = append(msg.Content, message.Text(text))
	}
	for _, call := range calls {
		msg.Content = append(msg.Content, message.ToolUse(call.ID, call.Name, call.Input))
	}
	return msg
}

// streamOnce issues one upstream request and consumes its stream,
// accumulating text and completed tool calls.
func (l *Loop) streamOnce(ctx context.Context, history []message.Message, catalog []types.ToolDescriptor, out chan<- Event) (string, []types.ToolCall, types.Usage, error) {
	var usage types.Usage

	events, err := l.client.Send(ctx, l.systemPrompt, history, catalog)
	if err != nil {
		return "", nil, usage, err
	}

	var text strings.Builder
	var calls []types.ToolCall

	for ev := range events {
		switch ev.Type {
		case gateway.EventToken:
			text.WriteString(ev.Text)
			l.emit(ctx, out, Event{Type: EventToken, Text: ev.Text})

		case gateway.EventToolCallStarted:
			l.emit(ctx, out, Event{Type: EventToolStart, ToolCall: &types.ToolCall{ID: ev.ToolID, Name: ev.ToolName}})

		case gateway.EventToolCallComplete:
			calls = append(calls, types.ToolCall{ID: ev.ToolID, Name: ev.ToolName, Input: ev.Arguments})

		case gateway.EventDone:
			usage = ev.Usage

		case gateway.EventError:
			return "", nil, usage, &TransportError{Endpoint: l.client.Model(), Err: ev.Err}
		}
	}

	return text.String(), calls, usage, ctx.Err()
}

// executeBatch runs one model turn's tool calls concurrently, each under
// its own timeout, and returns results in call order. A hung or failed
// call only affects its own slot.
func (l *Loop) executeBatch(ctx context.Context, calls []types.ToolCall, mode permission.Mode, out chan<- Event) []types.ToolResult {
	results := make([]types.ToolResult, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = l.executeOne(gctx, call, mode, out)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (l *Loop) executeOne(ctx context.Context, call types.ToolCall, mode permission.Mode, out chan<- Event) types.ToolResult {
	result := l.gatedDispatch(ctx, call, mode, out)
	l.emit(ctx, out, Event{Type: EventToolResult, ToolResult: &result})
	return result
}

func (l *Loop) gatedDispatch(ctx context.Context, call types.ToolCall, mode permission.Mode, out chan<- Event) types.ToolResult {
	// Arguments that never parsed upstream are answered, not executed.
	if isParseError, _ := call.Input["_parseError"].(bool); isParseError {
		raw, _ := call.Input["_raw"].(string)
		perr := &ProtocolError{Source: "model stream", Err: fmt.Errorf("tool call arguments are not valid JSON: %s", raw)}
		return types.ToolResult{ToolUseID: call.ID, Content: perr.Error(), IsError: true}
	}

	assessment := l.gate.Classify(call.Name, call.Input)
	decision := l.gate.Decide(call.Name, call.Input, assessment, mode)

	switch decision {
	case permission.Deny:
		denial := &RiskDeniedError{Tool: call.Name, Reasons: assessment.Reasons}
		l.logger.Info("tool call denied",
			zap.String("tool", call.Name),
			zap.String("tier", assessment.Tier.String()))
		return types.ToolResult{ToolUseID: call.ID, Content: denial.Error(), IsError: true}

	case permission.Confirm:
		// On the blocking path there is no event consumer, so a pending
		// handle could never be resolved. Deny instead of waiting out
		// the confirmation window.
		if out == nil {
			denial := &RiskDeniedError{Tool: call.Name, Reasons: append(assessment.Reasons, "no confirmation channel available")}
			return types.ToolResult{ToolUseID: call.ID, Content: denial.Error(), IsError: true}
		}

		pending := l.gate.RequestConfirmation(call.Name, assessment.Reasons)
		l.emit(ctx, out, Event{
			Type:        EventConfirm,
			ConfirmID:   pending.ID,
			ConfirmTool: call.Name,
			Reasons:     assessment.Reasons,
		})
		if !l.gate.AwaitDecision(ctx, pending) {
			denial := &RiskDeniedError{Tool: call.Name, Reasons: append(assessment.Reasons, "confirmation denied or timed out")}
			return types.ToolResult{ToolUseID: call.ID, Content: denial.Error(), IsError: true}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	return l.router.Dispatch(callCtx, call)
}
