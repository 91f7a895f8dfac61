package app

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vnoptic/vnoptic-erp/internal/platform/httpx"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

const idempotencyHeader = "Idempotency-Key"

// IdempotencyMiddleware deduplicates mutating requests that carry an
// Idempotency-Key header. A replayed key is rejected with 409; keys of
// requests that fail server-side are released so the caller may retry.
func IdempotencyMiddleware(store *shared.IdempotencyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(idempotencyHeader)
			if key == "" || store == nil || (r.Method != http.MethodPost && r.Method != http.MethodPut) {
				next.ServeHTTP(w, r)
				return
			}
			if err := store.CheckAndInsert(r.Context(), key, r.URL.Path); err != nil {
				if errors.Is(err, shared.ErrIdempotencyConflict) {
					httpx.Problem(w, http.StatusConflict, "Conflict", "request already processed")
					return
				}
				logger.Error("idempotency check", slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			recorder := &statusCapture{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			if recorder.status >= http.StatusInternalServerError {
				if err := store.Delete(r.Context(), key); err != nil {
					logger.Warn("release idempotency key", slog.Any("error", err))
				}
			}
		})
	}
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (r *statusCapture) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
