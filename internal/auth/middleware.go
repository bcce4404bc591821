package auth

import (
	"context"
	"net/http"
	"strings"
)

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

// Middleware rejects requests without a valid bearer token and stores the
// principal on the request context.
func (b *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tempora"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		p, err := b.Authenticate(r.Context(), token)
		if err != nil {
			b.logger.Debug().Err(err).Msg("bearer rejected")
			w.Header().Set("WWW-Authenticate", `Bearer realm="tempora"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
