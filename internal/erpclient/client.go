// Package erpclient is the HTTP client for the remote ERP REST API. It
// classifies failures into the two classes the sync engine cares about:
// transport failures (retryable) and explicit server rejections (not
// retryable).
package erpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mercatus/mercsync/internal/entity"
)

// Sentinel errors for the failure classes the engine branches on.
var (
	// ErrNetwork marks transport-level failures: connection refused, DNS,
	// timeouts. Mutations stay queued and are retried.
	ErrNetwork = errors.New("network unavailable")
	// ErrUnauthorized marks 401 responses.
	ErrUnauthorized = errors.New("unauthorized")
)

// RejectedError is a non-2xx response carrying the server's JSON detail.
// Rejected mutations are dead-lettered, never retried indefinitely.
type RejectedError struct {
	StatusCode int
	Detail     string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("server rejected (HTTP %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("server rejected (HTTP %d)", e.StatusCode)
}

// Client talks to the ERP backend.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client with a sane default timeout.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks server reachability. Any response, even an error status,
// counts as reachable; only transport failures do not.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/api/health/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp.Body.Close()
	return nil
}

// FetchCollection retrieves the full collection for an entity. The response
// may be a bare array or an {"items": [...]} envelope.
func (c *Client) FetchCollection(ctx context.Context, collection string) ([]entity.Record, error) {
	endpoint, err := entity.Endpoint(collection)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	recs, err := entity.DecodeCollection(body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	return recs, nil
}

// Apply replays one queued mutation: create->POST, update->PUT,
// delete->DELETE against the mutation's endpoint. The response body is
// returned so callers can reconcile optimistic records with server-assigned
// fields.
func (c *Client) Apply(ctx context.Context, m MutationRequest) (json.RawMessage, error) {
	method := m.Action.Method()
	if method == "" {
		return nil, fmt.Errorf("apply: invalid action %q", m.Action)
	}
	var payload io.Reader
	if m.Action != entity.ActionDelete && len(m.Payload) > 0 {
		payload = bytes.NewReader(m.Payload)
	}
	body, err := c.doBody(ctx, method, m.Endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("apply %s %s: %w", m.Action, m.Endpoint, err)
	}
	return body, nil
}

// MutationRequest is the wire form of a queued mutation.
type MutationRequest struct {
	Action   entity.Action
	Endpoint string
	Payload  json.RawMessage
}

// do issues a request with an optional JSON body value.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	return c.doBody(ctx, method, path, reader)
}

func (c *Client) doBody(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, detailFrom(respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Detail: detailFrom(respBody)}
	}
	return respBody, nil
}

// detailFrom extracts the server's human-readable error message. Mutation
// failures return a JSON body with a "detail" field.
func detailFrom(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return strings.TrimSpace(string(body))
}

// Retryable reports whether a mutation failure should keep the mutation
// queued (network-class) rather than dead-letter it (server rejection).
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
