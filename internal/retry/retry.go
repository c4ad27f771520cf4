// Package retry classifies push failures and computes reconnect backoff.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// Class is the retry classification of a failure.
type Class int

const (
	// Retryable failures leave the change queued for a later cycle.
	Retryable Class = iota
	// Fatal failures are not retried for that change.
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// statusCoder is implemented by errors carrying an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// errorCoder is implemented by errors carrying an API error code.
type errorCoder interface {
	ErrorCode() string
}

// Error codes returned by the remote store, per change or per request.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
)

// Classify reports whether err is worth retrying. Unknown errors are
// retryable so user data is never dropped on an unclassified failure.
func Classify(err error) Class {
	if err == nil {
		return Retryable
	}
	if IsAuth(err) {
		return Fatal
	}
	if IsTransient(err) {
		return Retryable
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		switch {
		case code == http.StatusTooManyRequests, code >= 500:
			return Retryable
		case code >= 400:
			return Fatal
		}
	}

	var ec errorCoder
	if errors.As(err, &ec) {
		switch ec.ErrorCode() {
		case CodeValidation, CodeNotFound, CodeBadRequest:
			return Fatal
		}
		return Retryable
	}

	return Retryable
}

// IsAuth reports whether err is an authorization failure, which aborts the
// rest of a push batch.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if c := sc.StatusCode(); c == http.StatusUnauthorized || c == http.StatusForbidden {
			return true
		}
	}
	var ec errorCoder
	if errors.As(err, &ec) {
		if c := ec.ErrorCode(); c == CodeUnauthorized || c == CodeForbidden {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is a transport level failure: timeouts,
// refused connections, truncated bodies or an open circuit breaker.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Policy configures exponential backoff.
type Policy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter float64
}

// DefaultPolicy is 1s doubling to a 30s cap with ±10% jitter.
var DefaultPolicy = Policy{
	Base:   time.Second,
	Factor: 2,
	Max:    30 * time.Second,
	Jitter: 0.1,
}

// Backoff returns the delay before retry number attempt (0-based) under the
// default policy.
func Backoff(attempt int) time.Duration {
	return DefaultPolicy.Backoff(attempt)
}

// Backoff returns min(Base*Factor^attempt, Max) with ±Jitter applied after
// the cap.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Max
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
