// ABOUTME: Piped transport: one implicit protocol session over stdin/stdout.
// ABOUTME: Reads line-delimited JSON-RPC and interleaves responses with push notifications.

package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/2389/helpdesk-gateway/internal/engine"
	"github.com/2389/helpdesk-gateway/internal/tools"
)

// maxLineSize bounds a single incoming message.
const maxLineSize = 1 << 20

// Config wraps Transport constructor inputs.
type Config struct {
	Tools         *tools.Registry
	Logger        *slog.Logger
	ServerName    string
	ServerVersion string
}

// Transport drives a single protocol session over a byte pipe. Unlike
// the HTTP transport there is no session identifier and no handshake
// gate at the transport layer: the pipe itself is the session.
type Transport struct {
	session *engine.Session
	logger  *slog.Logger

	// writeMu serializes responses and notifications onto the output
	// stream so concurrent writers cannot interleave partial lines.
	writeMu sync.Mutex
	out     io.Writer
}

// New creates a piped transport writing to out.
func New(cfg Config, out io.Writer) (*Transport, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	t := &Transport{
		logger: logger.With("component", "stdio"),
		out:    out,
	}
	t.session = engine.New(engine.Config{
		Tools:         cfg.Tools,
		Logger:        logger,
		ServerName:    cfg.ServerName,
		ServerVersion: cfg.ServerVersion,
		Notify:        t.writeNotification,
	})
	return t, nil
}

// Run reads messages from in until EOF or context cancellation,
// processing each one synchronously. Malformed lines produce a parse
// error response rather than terminating the stream.
func (t *Transport) Run(ctx context.Context, in io.Reader) error {
	defer t.session.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req engine.Request
		if err := json.Unmarshal(line, &req); err != nil {
			t.writeMessage(engine.NewError(nil, engine.CodeParseError, "invalid JSON"))
			continue
		}

		resp := t.session.Handle(ctx, &req)
		if resp != nil {
			t.writeMessage(resp)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	t.logger.Info("input stream closed")
	return nil
}

func (t *Transport) writeNotification(n *engine.Notification) {
	t.writeMessage(n)
}

func (t *Transport) writeMessage(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		t.logger.Error("failed to encode message", "error", err)
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		t.logger.Error("failed to write message", "error", err)
	}
}
