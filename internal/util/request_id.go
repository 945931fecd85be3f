package util

import (
	"context"
	"net/http"
	"strings"
)

type requestIDContextKey struct{}

const (
	requestIDHeader    = "X-Request-Id"
	maxRequestIDLength = 128
)

// WithRequestID propagates an incoming request id or generates one when the
// header is absent or unusable. The id goes on the response header, in the
// context, and on a child logger available through LoggerFromContext.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = NewID()
		}
		w.Header().Set(requestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
		ctx = ContextWithLogger(ctx, LoggerFromContext(r.Context()).With("request_id", requestID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sanitizeRequestID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxRequestIDLength {
		return ""
	}
	for _, c := range raw {
		if c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return raw
}

// RequestIDFromContext returns request id from context.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// RequestIDFromRequest returns request id from request context.
func RequestIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	return RequestIDFromContext(r.Context())
}
