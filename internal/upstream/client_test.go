// ABOUTME: Tests for the service-desk API client.
// ABOUTME: Validates login flows, bearer injection, the single 401 retry, and typed errors.

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deskServer is a minimal fake of the upstream service-desk API.
type deskServer struct {
	t           *testing.T
	logins      atomic.Int32
	rejectLogin bool
	tokenValue  string
	// rejectFirstN returns 401 from protected endpoints for the first N calls
	rejectFirstN   int32
	protectedCalls atomic.Int32
}

func (d *deskServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		d.logins.Add(1)
		if d.rejectLogin {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": d.tokenValue})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		n := d.protectedCalls.Add(1)
		if n <= d.rejectFirstN {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+d.tokenValue {
			d.t.Errorf("unexpected Authorization header: %q", got)
		}
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/incident/list":
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "1"}, {"id": "2"}})
		case r.URL.Path == "/templates/incident":
			_ = json.NewEncoder(w).Encode(Template{
				EntityType: "incident",
				Fields: []FieldSchema{
					{Name: "support_group", Type: "reference", ReferenceType: "group"},
				},
			})
		case r.URL.Path == "/list/group":
			_ = json.NewEncoder(w).Encode([]map[string]string{
				{"id": "g1", "name": "IT"},
				{"id": "g2", "name": "Customer Support"},
			})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "42"})
		}
	})
	return mux
}

func newTestClient(t *testing.T, desk *deskServer) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(desk.handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(ClientConfig{
		BaseURL:          srv.URL,
		Username:         "svc-mcp",
		Password:         "hunter2",
		Timeout:          5 * time.Second,
		TokenTTL:         30 * time.Minute,
		RefreshThreshold: time.Minute,
	})
	require.NoError(t, err)
	return client, srv
}

func TestClient_ListRecords(t *testing.T) {
	desk := &deskServer{t: t, tokenValue: "tok-1"}
	client, _ := newTestClient(t, desk)

	records, err := client.ListRecords(context.Background(), "incident", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "1", records[0].ID())
	assert.Equal(t, int32(1), desk.logins.Load(), "one login for the whole sequence")
}

func TestClient_GetTemplate(t *testing.T) {
	desk := &deskServer{t: t, tokenValue: "tok-1"}
	client, _ := newTestClient(t, desk)

	tmpl, err := client.GetTemplate(context.Background(), "incident")
	require.NoError(t, err)

	field, ok := tmpl.Field("support_group")
	require.True(t, ok)
	assert.True(t, field.IsReference())
	assert.Equal(t, "group", field.ReferenceType)
}

func TestClient_ListReferenceValues(t *testing.T) {
	desk := &deskServer{t: t, tokenValue: "tok-1"}
	client, _ := newTestClient(t, desk)

	names, err := client.ListReferenceValues(context.Background(), "group", 200)
	require.NoError(t, err)
	assert.Equal(t, []string{"IT", "Customer Support"}, names)
}

func TestClient_RetriesOnceOn401(t *testing.T) {
	desk := &deskServer{t: t, tokenValue: "tok-1", rejectFirstN: 1}
	client, _ := newTestClient(t, desk)

	// First protected call gets 401, the client clears the token,
	// re-authenticates, and retries once.
	_, err := client.GetRecord(context.Background(), "incident", "42")
	require.NoError(t, err)
	assert.Equal(t, int32(2), desk.logins.Load())
	assert.Equal(t, int32(2), desk.protectedCalls.Load())
}

func TestClient_SecondUnauthorizedPropagates(t *testing.T) {
	desk := &deskServer{t: t, tokenValue: "tok-1", rejectFirstN: 10}
	client, _ := newTestClient(t, desk)

	_, err := client.GetRecord(context.Background(), "incident", "42")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(2), desk.protectedCalls.Load(), "exactly one retry, then give up")
}

func TestClient_InvalidCredentials(t *testing.T) {
	desk := &deskServer{t: t, rejectLogin: true}
	client, _ := newTestClient(t, desk)

	_, err := client.GetRecord(context.Background(), "incident", "42")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestClient_UpstreamRejection_CarriesContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid filter expression"})
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		Username: "u",
		Password: "p",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	_, err = client.ListRecords(context.Background(), "incident", "$support_group$ = 'X'", 10, 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsClientError())
	assert.Equal(t, "invalid filter expression", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "GET")
	assert.Contains(t, apiErr.Error(), "/incident/list")
}

func TestClient_NetworkError(t *testing.T) {
	client, err := NewClient(ClientConfig{
		BaseURL:  "http://127.0.0.1:1", // nothing listens here
		Username: "u",
		Password: "p",
		Timeout:  time.Second,
	})
	require.NoError(t, err)

	_, err = client.GetRecord(context.Background(), "incident", "42")
	require.Error(t, err)
	// The failure happens during login, so it surfaces as an
	// authentication failure wrapping the transport cause.
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestClient_TransferCallsGetLongerDeadline(t *testing.T) {
	// Every protected endpoint responds slower than the base timeout
	// but faster than base * multiple.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
			return
		}
		time.Sleep(300 * time.Millisecond)
		if r.URL.Path == "/incident/list" {
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "1"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "42"})
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{
		BaseURL:                 srv.URL,
		Username:                "u",
		Password:                "p",
		Timeout:                 100 * time.Millisecond,
		TransferTimeoutMultiple: 10,
	})
	require.NoError(t, err)

	records, err := client.ListRecords(context.Background(), "incident", "", 10, 0)
	require.NoError(t, err, "list transfers run under the scaled deadline")
	assert.Len(t, records, 1)

	_, err = client.GetRecord(context.Background(), "incident", "42")
	require.Error(t, err, "single-record reads keep the base deadline")

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout)
}

func TestClient_LoginTokenFromHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			w.Header().Set("Authorization", "Bearer header-token")
			w.WriteHeader(http.StatusOK)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer header-token" {
			t.Errorf("unexpected Authorization header: %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "42"})
	}))
	defer srv.Close()

	client, err := NewClient(ClientConfig{
		BaseURL:  srv.URL,
		Username: "u",
		Password: "p",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	_, err = client.GetRecord(context.Background(), "incident", "42")
	require.NoError(t, err)
}
