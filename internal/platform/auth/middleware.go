package auth

import (
	"context"
	"net/http"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/quicrefill/api/internal/platform/httpx"
	"github.com/quicrefill/api/internal/platform/requestctx"
)

const (
	roleClaim    = "role"
	emailClaim   = "email"
	fallbackRole = RoleCustomer
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator constructs an Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// RequireFirebaseAuth verifies the bearer token and, when roles are given, requires one of them.
// Admins pass every role check.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			allowed[role] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				httpx.WriteError(ctx, w, httpx.NewError("UNAUTHORIZED", "authorization header missing or invalid", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				httpx.WriteError(ctx, w, httpx.NewError("UNAUTHORIZED", "authorization service unavailable", http.StatusUnauthorized))
				return
			}

			decoded, err := a.verifier.VerifyIDToken(ctx, token)
			if err != nil {
				message := "firebase id token invalid"
				if firebaseauth.IsIDTokenExpired(err) {
					message = "firebase id token expired"
				}
				httpx.WriteError(ctx, w, httpx.NewError("UNAUTHORIZED", message, http.StatusUnauthorized))
				return
			}

			identity := &Identity{
				UID:   decoded.UID,
				Email: claimAsString(decoded.Claims, emailClaim),
				Role:  normaliseRole(claimAsString(decoded.Claims, roleClaim)),
			}
			if identity.Role == "" {
				identity.Role = fallbackRole
			}
			if len(allowed) > 0 && !identity.IsAdmin() {
				if _, ok := allowed[identity.Role]; !ok {
					httpx.WriteError(ctx, w, httpx.NewError("FORBIDDEN", "identity does not have required role", http.StatusForbidden))
					return
				}
			}

			requestctx.SetActor(ctx, identity.UID, identity.Role)
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func claimAsString(claims map[string]any, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
