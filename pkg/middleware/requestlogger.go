package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/bridgeaid/client/pkg/logger"
)

// UserIDFunc reports the id of the signed-in user, or "" when nobody is.
type UserIDFunc func(ctx context.Context) string

// RequestLogger builds a request-scoped logger enriched with correlation_id,
// user_id, trace_id and span_id and stores it with logger.NewContext.
//
// Mount it after RequestLogging and Tracing. userID may be nil.
func RequestLogger(base *slog.Logger, userID UserIDFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if logger.UserIDFromContext(ctx) == "" && userID != nil {
				if id := userID(ctx); id != "" {
					ctx = logger.WithUserID(ctx, id)
				}
			}

			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
