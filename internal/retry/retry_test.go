package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("HTTP %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

type codeErr string

func (e codeErr) Error() string     { return string(e) }
func (e codeErr) ErrorCode() string { return string(e) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
		auth bool
	}{
		{"500", statusErr(500), Retryable, false},
		{"503 wrapped", fmt.Errorf("push: %w", statusErr(503)), Retryable, false},
		{"429", statusErr(429), Retryable, false},
		{"400", statusErr(400), Fatal, false},
		{"404", statusErr(404), Fatal, false},
		{"422", statusErr(422), Fatal, false},
		{"401", statusErr(401), Fatal, true},
		{"403", statusErr(403), Fatal, true},
		{"code validation", codeErr(CodeValidation), Fatal, false},
		{"code not_found", codeErr(CodeNotFound), Fatal, false},
		{"code unauthorized", codeErr(CodeUnauthorized), Fatal, true},
		{"code internal", codeErr("internal"), Retryable, false},
		{"deadline", context.DeadlineExceeded, Retryable, false},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, Retryable, false},
		{"breaker open", gobreaker.ErrOpenState, Retryable, false},
		{"unknown", errors.New("something odd"), Retryable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.auth, IsAuth(tt.err))
		})
	}
}

func TestIsAuthNil(t *testing.T) {
	assert.False(t, IsAuth(nil))
	assert.False(t, IsTransient(nil))
}

func TestBackoffBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := Backoff(5)
		assert.GreaterOrEqual(t, d, 27*time.Second)
		assert.LessOrEqual(t, d, 33*time.Second)
	}
}

func TestBackoffGrowth(t *testing.T) {
	tests := []struct {
		attempt int
		center  time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{10, 30 * time.Second},
		{-3, time.Second},
	}
	for _, tt := range tests {
		lo := time.Duration(float64(tt.center) * 0.9)
		hi := time.Duration(float64(tt.center) * 1.1)
		for i := 0; i < 50; i++ {
			d := Backoff(tt.attempt)
			if d < lo || d > hi {
				t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", tt.attempt, d, lo, hi)
			}
		}
	}
}

func TestPolicyWithoutJitterIsExact(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Factor: 3, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 300*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 900*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(3))
}
