package http

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// traceIDContextKey is the type for the trace ID context key.
type traceIDContextKey struct{}

// TraceIDKey is the context key for the transport-level trace ID.
var TraceIDKey = traceIDContextKey{}

// TraceIDMiddleware extracts or generates a trace ID and echoes it back in
// the X-Request-ID response header for correlation.
func TraceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), TraceIDKey, traceID)
		w.Header().Set("X-Request-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TraceIDFromContext retrieves the trace ID from context, or "" if absent.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}
