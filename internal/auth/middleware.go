package auth

import (
	"net/http"
	"strings"

	"github.com/noah-isme/backend-stays/internal/common"
)

// RequireAuth rejects requests without a valid bearer token and stores the
// caller identity on the context.
func RequireAuth(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required", nil)
				return
			}
			claims, err := svc.ParseAccessToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(common.WithUserID(r.Context(), claims.UserID)))
		})
	}
}
