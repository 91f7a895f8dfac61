package auth

import (
	"net/http"
	"strings"

	"github.com/vnoptic/vnoptic-erp/internal/platform/httpx"
	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

// RequireAPIKey authenticates requests using a bearer API key and stores
// the key id as the acting principal in the request context.
func RequireAPIKey(service *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token")
				return
			}
			key, err := service.Authenticate(r.Context(), token)
			if err != nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid api key")
				return
			}
			ctx := shared.ContextWithActor(r.Context(), key.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
