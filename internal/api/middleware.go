package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Headers the server reads or echoes.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderDevice    = "X-Tether-Device"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	loggerKey
)

// AuthPrincipal is the caller identified by the request's API key.
type AuthPrincipal struct {
	PrincipalID string
	KeyID       string
}

func principalFrom(ctx context.Context) *AuthPrincipal {
	p, _ := ctx.Value(principalKey).(*AuthPrincipal)
	return p
}

// logFor returns the request-scoped logger, or the default one outside a request.
func logFor(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func withLogger(r *http.Request, l *slog.Logger) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), loggerKey, l))
}

// responseRecorder remembers what the handler wrote for the access log.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(b)
	rr.bytes += n
	return n, err
}

// requestContext tags every request with an id (the caller's when it sent
// one), scopes a logger to it and writes one access log line when the
// handler returns. Metrics are counted from the same recorder.
func requestContext(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			id := r.Header.Get(HeaderRequestID)
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, id)

			l := slog.Default().With("rid", id)
			if dev := r.Header.Get(HeaderDevice); dev != "" {
				l = l.With("device", dev)
			}
			rr := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			m.RecordRequest()
			next.ServeHTTP(rr, withLogger(r, l))

			level := slog.LevelInfo
			switch {
			case rr.status >= 500:
				m.RecordError()
				level = slog.LevelError
			case rr.status >= 400:
				m.RecordClientError()
				level = slog.LevelWarn
			}
			l.Log(r.Context(), level, "req",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rr.status,
				"bytes", rr.bytes,
				"dur", time.Since(start).String(),
			)
		})
	}
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logFor(r.Context()).Error("panic", "panic", rec, "path", r.URL.Path)
				writeError(w, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func limitBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// bearerToken extracts the key from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// requireAuth resolves the API key to a principal before calling handler.
func (s *Server) requireAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, ErrCodeUnauthorized, "missing bearer token")
			return
		}
		key, err := s.store.VerifyAPIKey(token)
		if err != nil {
			logFor(r.Context()).Error("verify api key", "err", err)
			writeError(w, ErrCodeInternal, "failed to verify key")
			return
		}
		if key == nil {
			writeError(w, ErrCodeUnauthorized, "invalid or expired api key")
			return
		}

		p := &AuthPrincipal{PrincipalID: key.PrincipalID, KeyID: key.ID}
		ctx := context.WithValue(r.Context(), principalKey, p)
		r = withLogger(r.WithContext(ctx), logFor(ctx).With("pid", p.PrincipalID))
		handler(w, r)
	}
}

// chain wraps h so the first middleware is outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
