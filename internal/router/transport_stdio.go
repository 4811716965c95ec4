package router

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"drover/internal/types"
)

// StdioTransport runs a tool provider as a local subprocess and exchanges
// newline-delimited JSON-RPC over its stdin/stdout. Provider stderr is
// forwarded to the log.
type StdioTransport struct {
	mu sync.RWMutex

	command string
	args    []string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser

	connected bool
	pending   *pendingCalls
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewStdioTransport parses "command arg1 arg2" into a subprocess spec.
func NewStdioTransport(endpoint string, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	parts := strings.Fields(endpoint)
	var command string
	var args []string
	if len(parts) > 0 {
		command = parts[0]
		args = parts[1:]
	}
	return &StdioTransport{
		command: command,
		args:    args,
		pending: newPendingCalls(),
		logger:  logger.Named("stdio"),
	}
}

// Connect starts the subprocess and its reader loops.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if t.command == "" {
		return fmt.Errorf("empty command for stdio transport")
	}

	t.cmd = exec.CommandContext(ctx, t.command, t.args...)

	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if t.stdout, err = t.cmd.StdoutPipe(); err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if t.stderr, err = t.cmd.StderrPipe(); err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := t.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", t.command, err)
	}
	t.connected = true

	t.wg.Add(2)
	go t.readStderr()
	go t.readStdout()

	t.logger.Info("tool provider started", zap.String("command", t.command))
	return nil
}

// Close kills the subprocess and fails outstanding calls.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false

	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	t.mu.Unlock()

	t.pending.failAll()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		_ = t.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.logger.Warn("timeout waiting for reader goroutines to exit")
	}

	t.logger.Info("tool provider stopped", zap.String("command", t.command))
	return nil
}

func (t *StdioTransport) readStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		t.logger.Info("provider stderr", zap.String("line", scanner.Text()))
	}
}

func (t *StdioTransport) readStdout() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !t.pending.dispatch(line) {
			t.logger.Debug("unmatched frame from provider", zap.ByteString("frame", line))
		}
	}

	if err := scanner.Err(); err != nil && t.Connected() {
		t.logger.Error("error reading provider stdout", zap.Error(err))
	}
}

func (t *StdioTransport) send(data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.connected {
		return fmt.Errorf("not connected")
	}
	_, err := t.stdin.Write(append(data, '\n'))
	return err
}

func (t *StdioTransport) Initialize(ctx context.Context) (*ServerInfo, error) {
	return initialize(ctx, t.pending, t.send, "drover")
}

func (t *StdioTransport) ListTools(ctx context.Context) ([]types.ToolDescriptor, error) {
	return listTools(ctx, t.pending, t.send)
}

func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	return callTool(ctx, t.pending, t.send, name, args)
}

func (t *StdioTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

var _ Transport = (*StdioTransport)(nil)
