package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/marcus/tether/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// deviceHeader names the sending device in server access logs.
const deviceHeader = "X-Tether-Device"

// DefaultTimeout bounds every request to the sync server.
const DefaultTimeout = 30 * time.Second

// Client is an HTTP client for the tether-sync server.
type Client struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	HTTP     *http.Client

	breaker *gobreaker.CircuitBreaker
}

// New creates a new sync client.
func New(baseURL, apiKey, deviceID string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		APIKey:   apiKey,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: DefaultTimeout},
		breaker:  newBreaker(baseURL),
	}
}

// newBreaker trips after repeated transport or 5xx failures so an unreachable
// server fails fast instead of waiting out the timeout for every change.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sync:" + name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var he *HTTPError
			if errors.As(err, &he) {
				return he.Status < 500
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("sync: circuit breaker", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

// --- Sync types (mirrors internal/api/sync.go, independently defined) ---

// PushRequest is the body for POST /v1/sync/push.
type PushRequest struct {
	DeviceID string        `json:"deviceId"`
	Changes  []ChangeInput `json:"changes"`
}

// ChangeInput is a single change in a push request.
type ChangeInput struct {
	EntityType string          `json:"entityType"`
	Operation  string          `json:"operation"`
	LocalID    string          `json:"localId"`
	EntityID   string          `json:"entityId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// PushResponse is the response from a push request.
type PushResponse struct {
	Results  []ChangeResult `json:"results"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
}

// ChangeResult is the outcome of a single pushed change.
type ChangeResult struct {
	LocalID  string    `json:"localId"`
	Success  bool      `json:"success"`
	EntityID string    `json:"entityId,omitempty"`
	Error    *APIError `json:"error,omitempty"`
}

// Err returns the per-change failure as a *ChangeError, or nil on success.
func (r ChangeResult) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return &ChangeError{Code: "unknown", Message: "change rejected without reason"}
	}
	return &ChangeError{Code: r.Error.Code, Message: r.Error.Message}
}

// PullRequest is the body for POST /v1/sync/pull.
type PullRequest struct {
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	FullSync     bool       `json:"fullSync"`
	DeviceID     string     `json:"deviceId,omitempty"`
}

// EntityBatch groups pulled records of one entity type.
type EntityBatch struct {
	EntityType string                `json:"entityType"`
	Records    []models.RemoteRecord `json:"records"`
}

// PullResponse is the response from a pull request.
type PullResponse struct {
	Entities     []EntityBatch `json:"entities"`
	LastSyncedAt time.Time     `json:"lastSyncedAt"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// --- Errors ---

// HTTPError is a non-2xx response from the server.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("HTTP %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// StatusCode returns the HTTP status.
func (e *HTTPError) StatusCode() int { return e.Status }

// ErrorCode returns the structured API error code, if any.
func (e *HTTPError) ErrorCode() string { return e.Code }

// Is maps auth and not-found statuses onto the package sentinels.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrForbidden:
		return e.Status == http.StatusForbidden
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// ChangeError is a per-change rejection inside a successful push response.
type ChangeError struct {
	Code    string
	Message string
}

func (e *ChangeError) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

// ErrorCode returns the rejection code.
func (e *ChangeError) ErrorCode() string { return e.Code }

// --- Sync methods ---

// HealthCheck hits the /healthz endpoint to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Push sends local changes to the server.
func (c *Client) Push(ctx context.Context, req *PushRequest) (*PushResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.DeviceID
	}
	var resp PushResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches remote records changed since req.LastSyncedAt.
func (c *Client) Pull(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	if req.DeviceID == "" {
		req.DeviceID = c.DeviceID
	}
	var resp PullResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- HTTP helpers ---

// APIError is the standard error body returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorEnvelope is the {"error": {...}} wrapper used for request-level errors.
type errorEnvelope struct {
	Error APIError `json:"error"`
}

// do executes an authenticated HTTP request.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	return c.doRequest(ctx, method, path, body, result, true)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any, auth bool) error {
	if c.breaker == nil {
		return c.roundTrip(ctx, method, path, body, result, auth)
	}
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, body, result, auth)
	})
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	if c.DeviceID != "" {
		req.Header.Set(deviceHeader, c.DeviceID)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		he := &HTTPError{Status: resp.StatusCode}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Code != "" {
			he.Code = env.Error.Code
			he.Message = env.Error.Message
		} else {
			he.Message = strings.TrimSpace(string(respBody))
		}
		return he
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
