// ABOUTME: REST client for the service-desk record store API.
// ABOUTME: Handles bearer injection, per-call timeouts, typed errors, and a single 401 retry.

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2389/helpdesk-gateway/internal/cache"
)

// Record is one service-desk record as a loose field map. The concrete
// schema belongs to the upstream system; this client does not interpret
// it beyond the id field.
type Record map[string]any

// ID returns the record's id field, if present.
func (r Record) ID() string {
	if id, ok := r["id"].(string); ok {
		return id
	}
	return ""
}

// FieldSchema describes one attribute of an entity template.
type FieldSchema struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	ReferenceType string `json:"reference_type,omitempty"`
}

// IsReference reports whether the field's legal values are display names
// of another entity type.
func (f *FieldSchema) IsReference() bool {
	return f.Type == "reference" && f.ReferenceType != ""
}

// Template is the schema of one entity type.
type Template struct {
	EntityType string        `json:"entity_type"`
	Fields     []FieldSchema `json:"fields"`
}

// Field looks up a field schema by name.
func (t *Template) Field(name string) (*FieldSchema, bool) {
	for i := range t.Fields {
		if t.Fields[i].Name == name {
			return &t.Fields[i], true
		}
	}
	return nil, false
}

// referenceItem is one entry of a reference-value listing.
type referenceItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// loginResponse is the body of a successful credential exchange.
type loginResponse struct {
	Token string `json:"token"`
}

// apiErrorBody is the error envelope the upstream returns on rejections.
type apiErrorBody struct {
	Message string `json:"message"`
}

// ClientConfig wraps Client constructor inputs.
type ClientConfig struct {
	BaseURL  string
	Username string
	Password string

	// Timeout is the base per-call timeout; transfers use
	// Timeout * TransferTimeoutMultiple.
	Timeout                 time.Duration
	TransferTimeoutMultiple int

	TokenTTL         time.Duration
	RefreshThreshold time.Duration

	CacheRegistry *cache.Registry
	Logger        *slog.Logger
	HTTPClient    *http.Client
}

// Client is the service-desk API client. All calls carry their own
// timeout and inject the managed bearer token; a 401 from a protected
// endpoint triggers exactly one re-authentication and retry.
type Client struct {
	baseURL         string
	username        string
	password        string
	httpClient      *http.Client
	timeout         time.Duration
	transferTimeout time.Duration
	tokens          *TokenManager
	logger          *slog.Logger
}

// NewClient creates a service-desk API client and its token manager.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("credentials are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	multiple := cfg.TransferTimeoutMultiple
	if multiple < 1 {
		multiple = 1
	}

	c := &Client{
		baseURL:         strings.TrimRight(cfg.BaseURL, "/"),
		username:        cfg.Username,
		password:        cfg.Password,
		httpClient:      httpClient,
		timeout:         timeout,
		transferTimeout: timeout * time.Duration(multiple),
		logger:          logger.With("component", "upstream"),
	}
	c.tokens = NewTokenManager(TokenManagerConfig{
		Login:            c.login,
		Cache:            cache.New[string](cfg.CacheRegistry, "tokens"),
		TokenTTL:         cfg.TokenTTL,
		RefreshThreshold: cfg.RefreshThreshold,
		Logger:           logger,
	})
	return c, nil
}

// Tokens exposes the client's token manager.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// login performs the credential exchange against the upstream login
// endpoint. The token is taken from the response body, falling back to
// the Authorization response header. Credential values are never logged.
func (c *Client) login(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encoding login request: %v", ErrAuthenticationFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return "", ErrInvalidCredentials
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: login returned %d", ErrAuthenticationFailed, resp.StatusCode)
	}

	var body loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Token != "" {
		return body.Token, nil
	}
	if header := resp.Header.Get("Authorization"); header != "" {
		return header, nil
	}
	return "", fmt.Errorf("%w: login response contained no token", ErrAuthenticationFailed)
}

// GetTemplate fetches the schema of one entity type.
func (c *Client) GetTemplate(ctx context.Context, entityType string) (*Template, error) {
	var tmpl Template
	path := "/templates/" + url.PathEscape(entityType)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &tmpl, false); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// ListRecords runs a filtered list query. Pass an empty filter to list
// without one.
func (c *Client) ListRecords(ctx context.Context, entityType, filter string, limit, offset int) ([]Record, error) {
	query := url.Values{}
	if filter != "" {
		query.Set("filter", filter)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}

	var records []Record
	path := "/" + url.PathEscape(entityType) + "/list"
	if err := c.do(ctx, http.MethodGet, path, query, nil, &records, true); err != nil {
		return nil, err
	}
	return records, nil
}

// GetRecord fetches one record by id.
func (c *Client) GetRecord(ctx context.Context, entityType, id string) (Record, error) {
	var record Record
	path := "/" + url.PathEscape(entityType) + "/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &record, false); err != nil {
		return nil, err
	}
	return record, nil
}

// CreateRecord creates a record and returns the stored result.
func (c *Client) CreateRecord(ctx context.Context, entityType string, fields Record) (Record, error) {
	var record Record
	path := "/" + url.PathEscape(entityType)
	if err := c.do(ctx, http.MethodPost, path, nil, fields, &record, true); err != nil {
		return nil, err
	}
	return record, nil
}

// UpdateRecord applies a partial update to a record.
func (c *Client) UpdateRecord(ctx context.Context, entityType, id string, fields Record) (Record, error) {
	var record Record
	path := "/" + url.PathEscape(entityType) + "/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPut, path, nil, fields, &record, true); err != nil {
		return nil, err
	}
	return record, nil
}

// DeleteRecord deletes a record by id.
func (c *Client) DeleteRecord(ctx context.Context, entityType, id string) error {
	path := "/" + url.PathEscape(entityType) + "/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil, false)
}

// ListReferenceValues returns up to limit display names of entities of
// the given referenced type, in upstream order.
func (c *Client) ListReferenceValues(ctx context.Context, referenceType string, limit int) ([]string, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var items []referenceItem
	path := "/list/" + url.PathEscape(referenceType)
	if err := c.do(ctx, http.MethodGet, path, query, nil, &items, true); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, item.Name)
	}
	return names, nil
}

// do issues one authenticated request. On a 401 it clears the cached
// token and retries exactly once with a fresh one; a second failure
// propagates without further retries. Calls that move record payloads
// or listings set transfer to get the longer deadline.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, transfer bool) error {
	err := c.doOnce(ctx, method, path, query, in, out, transfer)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.logger.Info("token rejected by upstream, re-authenticating once",
			"method", method,
			"path", path)
		c.tokens.ClearToken()
		return c.doOnce(ctx, method, path, query, in, out, transfer)
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, in, out any, transfer bool) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	timeout := c.timeout
	if transfer {
		timeout = c.transferTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encoding request: %w", method, path, err)
		}
		body = bytes.NewReader(payload)
	}

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{
			Op:      method + " " + path,
			Err:     err,
			Timeout: isTimeout(err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope apiErrorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Message == "" {
			envelope.Message = strings.TrimSpace(string(raw))
		}
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Message:    envelope.Message,
		}
		c.logger.Warn("upstream rejected request",
			"method", method,
			"path", path,
			"status", resp.StatusCode)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

// isTimeout distinguishes deadline expiry from connection failures.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
