package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"authsvc/internal/http/response"
	"authsvc/internal/lib/identity"
	"authsvc/internal/lib/jwt"
	"authsvc/internal/lib/sl"
	"authsvc/internal/services/auth"
)

type AccessVerifier interface {
	VerifyAccess(accessToken string) (*jwt.Claims, error)
}

// Authenticate admits a request only with a valid access token, taken from
// the Authorization header or, failing that, from cookieName. The user id
// is stored in the request context. Refresh tokens are never consulted.
func Authenticate(log *slog.Logger, verifier AccessVerifier, cookieName string) func(http.Handler) http.Handler {
	log = log.With(slog.String("component", "middleware/authenticate"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := AccessToken(r, cookieName)
			if token == "" {
				response.Error(w, http.StatusUnauthorized, "no token provided", string(auth.CodeNoToken))
				return
			}

			claims, err := verifier.VerifyAccess(token)
			if err != nil {
				log.Debug("access token rejected",
					slog.String("reason", string(auth.CodeOf(err))),
					sl.Err(err),
				)
				response.Error(w, http.StatusForbidden, "invalid or expired token", string(auth.CodeInvalidToken))
				return
			}

			ctx := identity.WithUserID(r.Context(), claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessToken extracts the bearer token, falling back to the named cookie.
// An Authorization header with any other scheme is treated as absent, so it
// ends in NO_TOKEN rather than INVALID_TOKEN when no cookie is sent.
func AccessToken(r *http.Request, cookieName string) string {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}

	if cookieName == "" {
		return ""
	}
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}

	return cookie.Value
}

func bearerToken(value string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}

	return token, true
}
