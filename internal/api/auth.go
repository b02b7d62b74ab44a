package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/npezzotti/go-relay/internal/types"
)

const tokenQueryKey = "token"

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.UserIdentity) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func User(ctx context.Context) (types.UserIdentity, bool) {
	user, ok := ctx.Value(userKey).(types.UserIdentity)
	return user, ok
}

// bearerToken returns the token from the Authorization header, falling back
// to the token query parameter browsers use for websocket handshakes.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	return r.URL.Query().Get(tokenQueryKey)
}
