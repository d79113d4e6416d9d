// ABOUTME: Tests for the protocol engine session.
// ABOUTME: Validates the handshake, one-shot signals, tool dispatch, and error mapping.

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/helpdesk-gateway/internal/tools"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(
		tools.Definition{Name: "echo", Description: "echoes arguments"},
		func(ctx context.Context, args json.RawMessage) (any, error) {
			return map[string]any{"echoed": string(args)}, nil
		}))
	require.NoError(t, reg.Register(
		tools.Definition{Name: "broken"},
		func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, errors.New("upstream unavailable")
		}))
	return reg
}

func request(id int, method string, params string) *Request {
	req := &Request{JSONRPC: "2.0", Method: method}
	req.ID = json.RawMessage(jsonInt(id))
	if params != "" {
		req.Params = json.RawMessage(params)
	}
	return req
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func initialize(t *testing.T, s *Session) {
	t.Helper()
	resp := s.Handle(context.Background(), request(1, "initialize", `{"protocolVersion":"2025-11-25"}`))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)
}

func TestSession_Initialize(t *testing.T) {
	var initCount atomic.Int32
	s := New(Config{
		Tools:         testRegistry(t),
		ServerName:    "helpdesk-gateway",
		ServerVersion: "1.0.0",
		OnInitialized: func() { initCount.Add(1) },
	})

	resp := s.Handle(context.Background(), request(1, "initialize", `{"protocolVersion":"2025-11-25"}`))
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, "2025-11-25", result["protocolVersion"])
	assert.True(t, s.Initialized())
	assert.Equal(t, int32(1), initCount.Load())

	// A repeated initialize must not fire the one-shot signal again.
	s.Handle(context.Background(), request(2, "initialize", `{"protocolVersion":"2025-11-25"}`))
	assert.Equal(t, int32(1), initCount.Load())
}

func TestSession_Initialize_UnsupportedVersion(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})

	resp := s.Handle(context.Background(), request(1, "initialize", `{"protocolVersion":"1999-01-01"}`))
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	assert.Equal(t, "2025-11-25", result["protocolVersion"], "server offers its latest version")
}

func TestSession_RequiresInitialization(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})

	for _, method := range []string{"tools/list", "tools/call"} {
		resp := s.Handle(context.Background(), request(1, method, ""))
		require.NotNil(t, resp.Error, method)
		assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	}
}

func TestSession_ToolsList(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})
	initialize(t, s)

	resp := s.Handle(context.Background(), request(2, "tools/list", ""))
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]any)
	defs := result["tools"].([]tools.Definition)
	assert.Len(t, defs, 2)
}

func TestSession_ToolsCall(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})
	initialize(t, s)

	resp := s.Handle(context.Background(), request(2, "tools/call", `{"name":"echo","arguments":{"x":1}}`))
	require.Nil(t, resp.Error)

	result := resp.Result.(CallToolResult)
	require.Len(t, result.Content, 1)
	assert.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "echoed")
}

func TestSession_ToolsCall_ErrorInBand(t *testing.T) {
	var notified atomic.Int32
	s := New(Config{
		Tools:  testRegistry(t),
		Notify: func(n *Notification) { notified.Add(1) },
	})
	initialize(t, s)

	resp := s.Handle(context.Background(), request(2, "tools/call", `{"name":"broken"}`))
	require.Nil(t, resp.Error, "tool failures are reported in-band, not as protocol errors")

	result := resp.Result.(CallToolResult)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "upstream unavailable")
	assert.Equal(t, int32(1), notified.Load())
}

func TestSession_ToolsCall_UnknownTool(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})
	initialize(t, s)

	resp := s.Handle(context.Background(), request(2, "tools/call", `{"name":"missing"}`))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidParams, resp.Error.Code)
}

func TestSession_UnknownMethod(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})
	initialize(t, s)

	resp := s.Handle(context.Background(), request(2, "resources/list", ""))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestSession_Notifications_NoResponse(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})
	initialize(t, s)

	req := &Request{JSONRPC: "2.0", Method: "notifications/initialized"}
	resp := s.Handle(context.Background(), req)
	assert.Nil(t, resp)
}

func TestSession_Close_OneShot(t *testing.T) {
	var closeCount atomic.Int32
	s := New(Config{
		Tools:   testRegistry(t),
		OnClose: func() { closeCount.Add(1) },
	})

	s.Close()
	s.Close()
	assert.Equal(t, int32(1), closeCount.Load(), "close signal fires exactly once")

	resp := s.Handle(context.Background(), request(1, "ping", ""))
	require.NotNil(t, resp.Error)
}

func TestSession_Ping(t *testing.T) {
	s := New(Config{Tools: testRegistry(t)})

	resp := s.Handle(context.Background(), request(1, "ping", ""))
	assert.Nil(t, resp.Error, "ping works before initialization")
}
