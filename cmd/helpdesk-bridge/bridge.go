// ABOUTME: Bridge core: forwards line-delimited JSON-RPC onto the HTTP transport.
// ABOUTME: Tracks the session id and transparently re-initializes on session loss.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const (
	sessionHeader = "Mcp-Session-Id"

	// codeNoValidSession is the gateway's error code for requests whose
	// session has been reclaimed.
	codeNoValidSession = -32000

	maxLineSize = 1 << 20
)

// bridge forwards a stdio client's messages to a streamable HTTP
// gateway. The gateway may reclaim the session at any time (idle sweep,
// restart); the bridge hides that by replaying the client's original
// initialize request and retrying once, so the stdio side never sees a
// session die.
type bridge struct {
	endpoint string
	client   *http.Client

	mu         sync.Mutex
	sessionID  string
	initialize []byte // the client's initialize request, verbatim

	writeMu sync.Mutex
	out     io.Writer
}

func newBridge(cfg *Config, out io.Writer) *bridge {
	return &bridge{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
		out:      out,
	}
}

// run pumps stdin lines to the gateway until EOF.
func (b *bridge) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if err := b.forward(ctx, append([]byte(nil), line...)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// forward sends one message, recovering once from a reclaimed session.
func (b *bridge) forward(ctx context.Context, msg []byte) error {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil {
		// Let the gateway produce the parse error response.
		probe.Method = ""
	}

	if probe.Method == "initialize" {
		b.mu.Lock()
		b.initialize = msg
		b.mu.Unlock()
	}

	body, status, err := b.post(ctx, msg)
	if err != nil {
		return err
	}

	if status == http.StatusAccepted {
		// Notification, nothing to echo back.
		return nil
	}

	if isNoValidSession(body) && probe.Method != "initialize" {
		if err := b.reinitialize(ctx); err != nil {
			color.New(color.FgYellow).Fprintf(os.Stderr, "session recovery failed: %v\n", err)
			return b.write(body)
		}
		body, status, err = b.post(ctx, msg)
		if err != nil {
			return err
		}
		if status == http.StatusAccepted {
			return nil
		}
	}

	return b.write(body)
}

// post sends one message and captures the session id the gateway
// assigns or confirms.
func (b *bridge) post(ctx context.Context, msg []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(msg))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	b.mu.Lock()
	if b.sessionID != "" {
		req.Header.Set(sessionHeader, b.sessionID)
	}
	b.mu.Unlock()

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("forwarding to gateway: %w", err)
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(sessionHeader); id != "" {
		b.mu.Lock()
		b.sessionID = id
		b.mu.Unlock()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err != nil {
		return nil, 0, fmt.Errorf("reading gateway response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// reinitialize replays the stored initialize request to mint a fresh
// session. The handshake response is swallowed: the stdio client
// already completed its handshake and must not see a second one.
func (b *bridge) reinitialize(ctx context.Context) error {
	b.mu.Lock()
	init := b.initialize
	b.sessionID = ""
	b.mu.Unlock()

	if init == nil {
		return fmt.Errorf("no initialize request seen yet")
	}

	body, _, err := b.post(ctx, init)
	if err != nil {
		return err
	}
	if isNoValidSession(body) || isErrorResponse(body) {
		return fmt.Errorf("gateway rejected re-initialization")
	}

	color.New(color.FgHiBlack).Fprintln(os.Stderr, "session re-established")
	return nil
}

func (b *bridge) write(body []byte) error {
	line := bytes.TrimSpace(body)
	if len(line) == 0 {
		return nil
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_, err := fmt.Fprintf(b.out, "%s\n", line)
	return err
}

func isNoValidSession(body []byte) bool {
	var resp struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	return resp.Error != nil && resp.Error.Code == codeNoValidSession
}

func isErrorResponse(body []byte) bool {
	var resp struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	return len(resp.Error) > 0 && !strings.EqualFold(string(resp.Error), "null")
}
