package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestPushSendsAuthAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/sync/push" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-1" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get(deviceHeader); got != "dev-1" {
			t.Errorf("%s = %q", deviceHeader, got)
		}
		var req PushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.DeviceID != "dev-1" {
			t.Errorf("device id = %q, want dev-1", req.DeviceID)
		}
		if len(req.Changes) != 1 || req.Changes[0].LocalID != "p1" {
			t.Errorf("unexpected changes: %+v", req.Changes)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[{"localId":"p1","success":true,"entityId":"e-1"}],"accepted":1,"rejected":0}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key-1", "dev-1")
	resp, err := c.Push(context.Background(), &PushRequest{Changes: []ChangeInput{{
		EntityType: "project", Operation: "create", LocalID: "p1", Payload: json.RawMessage(`{}`),
	}}})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if resp.Accepted != 1 || len(resp.Results) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Results[0].EntityID != "e-1" || resp.Results[0].Err() != nil {
		t.Fatalf("unexpected result: %+v", resp.Results[0])
	}
}

func TestChangeResultErr(t *testing.T) {
	r := ChangeResult{Success: false, Error: &APIError{Code: "validation", Message: "bad payload"}}
	err := r.Err()
	var ce *ChangeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ChangeError, got %T", err)
	}
	if ce.ErrorCode() != "validation" {
		t.Fatalf("code = %q", ce.ErrorCode())
	}
	if (ChangeResult{Success: false}).Err() == nil {
		t.Fatal("rejection without reason must still be an error")
	}
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		sentinel error
		code     string
	}{
		{http.StatusUnauthorized, `{"error":{"code":"unauthorized","message":"invalid api key"}}`, ErrUnauthorized, "unauthorized"},
		{http.StatusForbidden, `{"error":{"code":"forbidden","message":"nope"}}`, ErrForbidden, "forbidden"},
		{http.StatusNotFound, `not here`, ErrNotFound, ""},
		{http.StatusTooManyRequests, `{"error":{"code":"rate_limited","message":"slow down"}}`, nil, "rate_limited"},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(tt.body))
		}))

		c := New(srv.URL, "k", "d")
		_, err := c.Pull(context.Background(), &PullRequest{FullSync: true})
		srv.Close()

		var he *HTTPError
		if !errors.As(err, &he) {
			t.Fatalf("status %d: expected *HTTPError, got %v", tt.status, err)
		}
		if he.StatusCode() != tt.status {
			t.Errorf("status = %d, want %d", he.StatusCode(), tt.status)
		}
		if he.ErrorCode() != tt.code {
			t.Errorf("code = %q, want %q", he.ErrorCode(), tt.code)
		}
		if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
			t.Errorf("status %d: errors.Is(%v) = false", tt.status, tt.sentinel)
		}
	}
}

func TestPullDecodesEntities(t *testing.T) {
	since := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.FullSync || req.LastSyncedAt == nil || !req.LastSyncedAt.Equal(since) {
			t.Errorf("unexpected pull request: %+v", req)
		}
		w.Write([]byte(`{"entities":[{"entityType":"message","records":[{"entityType":"message","entityId":"e1","localId":"m1","data":{"t":1},"createdAt":"2025-04-01T00:00:00Z","updatedAt":"2025-04-02T00:00:00Z"}]}],"lastSyncedAt":"2025-04-03T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "d")
	resp, err := c.Pull(context.Background(), &PullRequest{LastSyncedAt: &since})
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(resp.Entities) != 1 || len(resp.Entities[0].Records) != 1 {
		t.Fatalf("unexpected entities: %+v", resp.Entities)
	}
	rec := resp.Entities[0].Records[0]
	if rec.LocalID != "m1" || rec.EntityID != "e1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestBreakerOpensAfterServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "d")
	for i := 0; i < 5; i++ {
		c.HealthCheck(context.Background())
	}
	_, err := c.HealthCheck(context.Background())
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls != 5 {
		t.Fatalf("server saw %d calls, want 5", calls)
	}
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "d")
	for i := 0; i < 10; i++ {
		_, err := c.HealthCheck(context.Background())
		if errors.Is(err, gobreaker.ErrOpenState) {
			t.Fatalf("breaker opened on 4xx after %d calls", i)
		}
	}
}
