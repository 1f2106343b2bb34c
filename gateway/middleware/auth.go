package middleware

import (
	"context"
	"net/http"
	"strings"

	"proofwork/gateway/auth"
)

type principalKey struct{}

// PrincipalFrom returns the authenticated principal stored on the request
// context, or nil for anonymous requests.
func PrincipalFrom(ctx context.Context) *auth.Principal {
	principal, _ := ctx.Value(principalKey{}).(*auth.Principal)
	return principal
}

// WithPrincipal stores a principal on a context; exported for handler tests.
func WithPrincipal(ctx context.Context, principal *auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// BearerToken extracts the Authorization bearer value, if any.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

// Authenticate resolves credentials into a request principal. Bearer tokens
// win; a console session cookie is the fallback. Requests with no or bad
// credentials pass through anonymous; route guards decide what is required.
func Authenticate(authenticator *auth.Authenticator, sessions *auth.SessionManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token := BearerToken(r); token != "" {
				if principal, err := authenticator.Resolve(token); err == nil {
					next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if sessions != nil {
				if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
					principal, err := sessions.Validate(cookie.Value,
						r.Header.Get(auth.CSRFHeader), auth.UnsafeMethod(r.Method))
					if err == nil {
						next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
						return
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
