package rest

import (
	"net/http"
	"strings"

	appCtx "github.com/Austin-rgb/messages/internal/pkg/context"
	"github.com/Austin-rgb/messages/internal/security"
	"github.com/Austin-rgb/messages/internal/transport/rest/response"
)

type AuthOptions struct {
	// If set (non-empty), enforce exact issuer match.
	ExpectedIssuer string
}

// AuthMiddleware verifies the bearer token and puts the principal on the
// request context. Identity is minted elsewhere; this service only checks.
func AuthMiddleware(verifier security.AccessTokenVerifier, opt AuthOptions) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("AuthMiddleware: nil verifier")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := strings.TrimSpace(r.Header.Get("Authorization"))
			if h == "" {
				unauthorized(w, r)
				return
			}

			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				unauthorized(w, r)
				return
			}

			raw := strings.TrimSpace(parts[1])
			if raw == "" {
				unauthorized(w, r)
				return
			}

			claims, err := verifier.VerifyAccessToken(raw)
			if err != nil {
				unauthorized(w, r)
				return
			}

			if opt.ExpectedIssuer != "" && claims.Issuer != opt.ExpectedIssuer {
				unauthorized(w, r)
				return
			}

			if strings.TrimSpace(claims.Principal) == "" {
				unauthorized(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), claims.Principal)))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request) {
	response.Fail(w, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", appCtx.GetRequestID(r.Context()))
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
		next.ServeHTTP(w, r)
	})
}
