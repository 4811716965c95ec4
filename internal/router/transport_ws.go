package router

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"drover/internal/types"
)

// WSTransport carries JSON-RPC frames as websocket text messages to a
// remote tool provider, for example a browser-side agent. It is used in two
// directions: dialing out to a provider's endpoint, or wrapping a
// connection the provider opened to our listener. Either way this side acts
// as the JSON-RPC client.
type WSTransport struct {
	mu sync.RWMutex

	url  string
	conn *websocket.Conn

	connected bool
	pending   *pendingCalls
	logger    *zap.Logger
	wg        sync.WaitGroup

	writeMu sync.Mutex

	// onClose fires once when the remote side drops the connection.
	onClose func()
}

// NewWSTransport creates a dialing transport for the given ws:// URL.
func NewWSTransport(url string, logger *zap.Logger) *WSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSTransport{
		url:     url,
		pending: newPendingCalls(),
		logger:  logger.Named("ws"),
	}
}

// newAcceptedWSTransport wraps an inbound connection that is already open.
func newAcceptedWSTransport(conn *websocket.Conn, logger *zap.Logger) *WSTransport {
	t := &WSTransport{
		conn:      conn,
		connected: true,
		pending:   newPendingCalls(),
		logger:    logger.Named("ws"),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t
}

// Connect dials the provider. A no-op for accepted connections.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.url == "" {
		return fmt.Errorf("empty URL for websocket transport")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.url, err)
	}
	t.conn = conn
	t.connected = true

	t.wg.Add(1)
	go t.readLoop()

	t.logger.Info("tool provider connected", zap.String("url", t.url))
	return nil
}

// Close shuts the connection and fails outstanding calls.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	t.pending.failAll()
	t.wg.Wait()
	return nil
}

func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	for {
		_, frame, err := t.conn.ReadMessage()
		if err != nil {
			if t.Connected() {
				t.logger.Warn("websocket read failed", zap.Error(err))
				// Remote closed on us. Behave like Close so callers
				// unblock.
				t.mu.Lock()
				t.connected = false
				onClose := t.onClose
				t.onClose = nil
				t.mu.Unlock()
				t.pending.failAll()
				if onClose != nil {
					onClose()
				}
			}
			return
		}
		if !t.pending.dispatch(frame) {
			t.logger.Debug("unmatched frame from provider", zap.ByteString("frame", frame))
		}
	}
}

func (t *WSTransport) send(data []byte) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return fmt.Errorf("not connected")
	}
	conn := t.conn
	t.mu.RUnlock()

	// gorilla/websocket allows one concurrent writer only.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WSTransport) Initialize(ctx context.Context) (*ServerInfo, error) {
	return initialize(ctx, t.pending, t.send, "drover")
}

func (t *WSTransport) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	return listTools(ctx, t.pending, t.send)
}

func (t *WSTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	return callTool(ctx, t.pending, t.send, name, args)
}

func (t *WSTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// setOnClose registers fn to fire when the remote side drops. Returns false
// without registering if the connection already died, since readLoop has
// run its disconnect handling and fn would never fire; the caller must
// clean up inline.
func (t *WSTransport) setOnClose(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return false
	}
	t.onClose = fn
	return true
}

var _ Transport = (*WSTransport)(nil)

// Listener accepts inbound websocket connections from remote tool providers
// and registers each one with the router.
type Listener struct {
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewListener builds a listener that registers accepted providers on r.
func NewListener(r *Router, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		router: r,
		logger: logger.Named("listener"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// ServeHTTP upgrades the request and runs the provider handshake. The
// handle lives until the underlying connection drops.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	transport := newAcceptedWSTransport(conn, l.logger)
	handle, err := l.router.Connect(r.Context(), r.RemoteAddr, transport)
	if err != nil {
		l.logger.Warn("provider handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		_ = transport.Close()
		return
	}

	// Deregister when the provider goes away. If it already dropped
	// between the handshake and this point, deregister right here.
	onClose := func() {
		l.logger.Info("provider disconnected", zap.String("remote", r.RemoteAddr))
		_ = l.router.Disconnect(handle.ID)
	}
	if !transport.setOnClose(onClose) {
		onClose()
	}
}
