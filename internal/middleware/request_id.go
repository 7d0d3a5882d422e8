package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/dukepan/matchmaker-core/internal/contextkey"
)

// RequestIDMiddleware generates a unique request ID and adds it to the context.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := uuid.New()
		ctx := context.WithValue(req.Context(), contextkey.ContextKeyRequestID, requestID)
		req = req.WithContext(ctx)
		w.Header().Set("X-Request-ID", requestID.String())
		next.ServeHTTP(w, req)
	})
}
