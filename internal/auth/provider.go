package auth

import (
	"context"
	"strings"

	"github.com/connecthub/connecthub/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	UserID   string // builtin user ID or external "sub" claim
	Username string
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// LoginProvider is implemented by providers that support username/password login.
type LoginProvider interface {
	Login(ctx context.Context, username, password string) (string, *store.User, error)
	Register(ctx context.Context, username, password, displayName string) (*store.User, error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
