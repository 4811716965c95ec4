package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"drover/internal/types"
)

// DefaultCallTimeout bounds a single tool call when the caller's context
// carries no deadline.
const DefaultCallTimeout = 30 * time.Second

// ClientHandle is one connected tool provider: its transport plus the tool
// catalog snapshot fetched at handshake. Handles persist across turns until
// their transport closes.
type ClientHandle struct {
	ID          string
	Name        string
	Server      ServerInfo
	Tools       []types.ToolDescriptor
	ConnectedAt time.Time

	transport Transport
}

// Router owns the registry of connected providers and the name→handle
// index used by dispatch. All mutation (insert, remove, index rebuild) is
// serialized under the write lock so a dispatch always observes a
// consistent index.
type Router struct {
	logger      *zap.Logger
	callTimeout time.Duration

	mu      sync.RWMutex
	handles map[string]*ClientHandle
	order   []string                 // handle IDs in registration order
	index   map[string]*ClientHandle // tool name -> owning handle
}

// New creates an empty router.
func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		logger:      logger.Named("router"),
		callTimeout: DefaultCallTimeout,
		handles:     make(map[string]*ClientHandle),
		index:       make(map[string]*ClientHandle),
	}
}

// SetCallTimeout overrides the per-call timeout.
func (r *Router) SetCallTimeout(d time.Duration) {
	if d > 0 {
		r.callTimeout = d
	}
}

// Connect performs the capability handshake with a provider, fetches its
// tool catalog, and inserts it into the registry.
func (r *Router) Connect(ctx context.Context, name string, t Transport) (*ClientHandle, error) {
	if err := t.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	info, err := t.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	tools, err := t.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", name, err)
	}

	handle := &ClientHandle{
		ID:          uuid.NewString(),
		Name:        name,
		Server:      *info,
		Tools:       tools,
		ConnectedAt: time.Now(),
		transport:   t,
	}

	r.mu.Lock()
	r.handles[handle.ID] = handle
	r.order = append(r.order, handle.ID)
	r.rebuildIndex()
	r.mu.Unlock()

	r.logger.Info("tool provider registered",
		zap.String("id", handle.ID),
		zap.String("name", name),
		zap.String("server", info.Name),
		zap.Int("tools", len(tools)))
	return handle, nil
}

// Disconnect removes a handle, rebuilds the index so any shadowed
// registrations of its tool names become reachable, and closes the
// transport.
func (r *Router) Disconnect(id string) error {
	r.mu.Lock()
	handle, ok := r.handles[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown client handle %q", id)
	}
	delete(r.handles, id)
	for i, hid := range r.order {
		if hid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rebuildIndex()
	r.mu.Unlock()

	r.logger.Info("tool provider deregistered", zap.String("id", id), zap.String("name", handle.Name))
	return handle.transport.Close()
}

// rebuildIndex recomputes the name→handle index from scratch. Registration
// order decides collisions: the earliest connected handle owning a name
// keeps it, later registrations are shadowed until that handle disconnects.
// Caller holds the write lock.
func (r *Router) rebuildIndex() {
	index := make(map[string]*ClientHandle)
	for _, id := range r.order {
		handle := r.handles[id]
		for _, tool := range handle.Tools {
			if owner, taken := index[tool.Name]; taken {
				r.logger.Debug("tool name shadowed",
					zap.String("tool", tool.Name),
					zap.String("owner", owner.Name),
					zap.String("shadowed", handle.Name))
				continue
			}
			index[tool.Name] = handle
		}
	}
	r.index = index
}

// Catalog returns the union of all reachable tools, one descriptor per
// name, in provider registration order.
func (r *Router) Catalog() []types.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.ToolDescriptor
	for _, id := range r.order {
		handle := r.handles[id]
		for _, tool := range handle.Tools {
			if r.index[tool.Name] == handle {
				out = append(out, tool)
			}
		}
	}
	return out
}

// Handles returns the connected handles in registration order.
func (r *Router) Handles() []*ClientHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientHandle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// Dispatch routes one tool call to the provider owning the name. Every
// failure mode comes back as an error-shaped ToolResult the conversation
// loop can feed to the model; Dispatch never panics on a missing tool or a
// dead transport.
func (r *Router) Dispatch(ctx context.Context, call types.ToolCall) types.ToolResult {
	r.mu.RLock()
	handle, ok := r.index[call.Name]
	r.mu.RUnlock()

	if !ok {
		return types.ToolResult{
			ToolUseID: call.ID,
			Content:   fmt.Sprintf("tool %q is not available; use tools from the provided list", call.Name),
			IsError:   true,
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := handle.transport.CallTool(ctx, call.Name, call.Input)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("tool call failed",
			zap.String("tool", call.Name),
			zap.String("provider", handle.Name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return types.ToolResult{
			ToolUseID: call.ID,
			Content:   fmt.Sprintf("tool %q failed: %v", call.Name, err),
			IsError:   true,
		}
	}

	r.logger.Debug("tool call completed",
		zap.String("tool", call.Name),
		zap.String("provider", handle.Name),
		zap.Duration("elapsed", elapsed),
		zap.Bool("is_error", result.IsError))
	return types.ToolResult{
		ToolUseID: call.ID,
		Content:   result.Content,
		IsError:   result.IsError,
	}
}

// Close disconnects every provider.
func (r *Router) Close() {
	r.mu.Lock()
	handles := make([]*ClientHandle, 0, len(r.order))
	for _, id := range r.order {
		handles = append(handles, r.handles[id])
	}
	r.handles = make(map[string]*ClientHandle)
	r.order = nil
	r.index = make(map[string]*ClientHandle)
	r.mu.Unlock()

	for _, handle := range handles {
		_ = handle.transport.Close()
	}
}
