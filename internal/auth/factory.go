package auth

import (
	"context"
	"fmt"

	"github.com/connecthub/connecthub/internal/config"
	"github.com/connecthub/connecthub/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(ctx context.Context, cfg config.AuthConfig, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(s, cfg), nil
	case "jwks":
		return NewJWKSProvider(ctx, cfg.Issuer, cfg.JWKSURL)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
