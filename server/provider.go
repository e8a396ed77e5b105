package server

import (
	"context"
	"fmt"
	"log/slog"

	"gatherer/callback"
)

// CodeRequest asks the backend to email a one-time code or magic link.
type CodeRequest struct {
	Email         string
	RedirectTo    string
	CodeChallenge string
	CreateUser    bool
}

// AuthProvider is the upstream auth backend. It holds no per-device state;
// deviceAuth binds it to a device's session.
type AuthProvider interface {
	SendCode(ctx context.Context, req CodeRequest) error
	ExchangeCode(ctx context.Context, code, verifier string) (*callback.Session, error)
	VerifyOTP(ctx context.Context, req callback.VerifyOTPRequest) (*callback.Session, error)
	Refresh(ctx context.Context, refreshToken string) (*callback.Session, error)
	User(ctx context.Context, accessToken string) (callback.User, error)
	SignOut(ctx context.Context, accessToken string) error
}

// Authorizer is implemented by providers that start sign-in with a browser
// redirect instead of an emailed code.
type Authorizer interface {
	AuthCodeURL(state, codeChallenge string) string
}

// BuildProvider prepares the configured upstream provider.
func BuildProvider(ctx context.Context, cfg Config, logger *slog.Logger) (AuthProvider, error) {
	switch cfg.Auth.Provider {
	case ProviderGoTrue:
		return NewGoTrueProvider(cfg.Auth, nil, logger), nil
	case ProviderOIDC:
		return NewOIDCProvider(ctx, cfg.Auth.OIDC, cfg.Auth.RedirectURL, logger)
	default:
		return nil, fmt.Errorf("auth provider %q not supported", cfg.Auth.Provider)
	}
}
