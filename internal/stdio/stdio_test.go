// ABOUTME: Tests for the piped transport.
// ABOUTME: Drives a full session over in-memory pipes and checks the framing.

package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/helpdesk-gateway/internal/engine"
	"github.com/2389/helpdesk-gateway/internal/tools"
)

func testTransport(t *testing.T) (*Transport, *bytes.Buffer) {
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

	var out bytes.Buffer
	tr, err := New(Config{Tools: reg, ServerName: "helpdesk-gateway", ServerVersion: "test"}, &out)
	require.NoError(t, err)
	return tr, &out
}

func runSession(t *testing.T, input string) []json.RawMessage {
	t.Helper()

	tr, out := testTransport(t)
	require.NoError(t, tr.Run(context.Background(), strings.NewReader(input)))

	var messages []json.RawMessage
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		messages = append(messages, json.RawMessage(line))
	}
	return messages
}

func TestTransport_FullSession(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}
`
	messages := runSession(t, input)
	require.Len(t, messages, 3, "the notification produces no response line")

	var initResp engine.Response
	require.NoError(t, json.Unmarshal(messages[0], &initResp))
	require.Nil(t, initResp.Error)
	result := initResp.Result.(map[string]any)
	assert.Equal(t, "2025-11-25", result["protocolVersion"])

	var callResp engine.Response
	require.NoError(t, json.Unmarshal(messages[2], &callResp))
	require.Nil(t, callResp.Error)
}

func TestTransport_NoHandshakeGate(t *testing.T) {
	messages := runSession(t, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	require.Len(t, messages, 1)

	var resp engine.Response
	require.NoError(t, json.Unmarshal(messages[0], &resp))
	assert.Nil(t, resp.Error)
}

func TestTransport_MalformedLineDoesNotTerminate(t *testing.T) {
	input := `{not json
{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}
`
	messages := runSession(t, input)
	require.Len(t, messages, 2)

	var parseErr engine.Response
	require.NoError(t, json.Unmarshal(messages[0], &parseErr))
	require.NotNil(t, parseErr.Error)
	assert.Equal(t, engine.CodeParseError, parseErr.Error.Code)

	var initResp engine.Response
	require.NoError(t, json.Unmarshal(messages[1], &initResp))
	assert.Nil(t, initResp.Error, "the stream keeps serving after a bad line")
}

func TestTransport_NotificationsInterleaved(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}
{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"broken"}}
`
	messages := runSession(t, input)
	require.Len(t, messages, 3, "failing call emits a push notification plus its response")

	var methods []string
	var sawInBandError bool
	for _, raw := range messages[1:] {
		var probe struct {
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
		}
		require.NoError(t, json.Unmarshal(raw, &probe))
		if probe.Method != "" {
			methods = append(methods, probe.Method)
		}
		if len(probe.Result) > 0 {
			var result engine.CallToolResult
			require.NoError(t, json.Unmarshal(probe.Result, &result))
			sawInBandError = result.IsError
		}
	}
	assert.Contains(t, methods, "notifications/message")
	assert.True(t, sawInBandError)
}

func TestTransport_EmptyLinesIgnored(t *testing.T) {
	messages := runSession(t, "\n\n"+`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n\n")
	assert.Len(t, messages, 1)
}
