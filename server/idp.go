package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"gatherer/callback"
)

var errCodesUnsupported = &callback.AuthError{
	Status:  http.StatusNotImplemented,
	Code:    "otp_unsupported",
	Message: "One-time codes are not supported by this provider.",
}

// OIDCProvider signs users in against a generic OpenID Connect issuer using
// the authorization code flow with PKCE.
type OIDCProvider struct {
	provider    *oidc.Provider
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, upstream UpstreamProvider, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, errors.New("oidc issuer required")
	}

	op, err := oidc.NewProvider(ctx, upstream.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", upstream.Issuer, err)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &OIDCProvider{
		provider: op,
		oauthConfig: &oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			RedirectURL:  redirect,
			Endpoint:     endpoint,
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess},
		},
		verifier: op.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
		logger:   logger,
	}, nil
}

// AuthCodeURL constructs the authorization request for upstream.
func (p *OIDCProvider) AuthCodeURL(state, codeChallenge string) string {
	opts := []oauth2.AuthCodeOption{}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// SendCode is not available for OIDC issuers.
func (p *OIDCProvider) SendCode(ctx context.Context, req CodeRequest) error {
	return errCodesUnsupported
}

// VerifyOTP is not available for OIDC issuers.
func (p *OIDCProvider) VerifyOTP(ctx context.Context, req callback.VerifyOTPRequest) (*callback.Session, error) {
	return nil, errCodesUnsupported
}

// ExchangeCode completes the code exchange and returns a session for the
// verified id_token subject.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, code, verifier string) (*callback.Session, error) {
	opts := []oauth2.AuthCodeOption{}
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, asAuthError(err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, &callback.AuthError{Status: http.StatusBadGateway, Message: "id_token missing in response"}
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	return &callback.Session{
		Token: tok,
		User:  callback.User{ID: idToken.Subject, Email: claims.Email},
	}, nil
}

// Refresh trades a refresh token for a new access token.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*callback.Session, error) {
	src := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return nil, asAuthError(err)
	}
	user, err := p.User(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	return &callback.Session{Token: tok, User: user}, nil
}

// User resolves the access token through the userinfo endpoint.
func (p *OIDCProvider) User(ctx context.Context, accessToken string) (callback.User, error) {
	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	if err != nil {
		return callback.User{}, &callback.AuthError{Status: http.StatusUnauthorized, Message: "Access token was rejected."}
	}
	return callback.User{ID: info.Subject, Email: info.Email}, nil
}

// SignOut is local only; generic issuers expose no revocation contract.
func (p *OIDCProvider) SignOut(ctx context.Context, accessToken string) error {
	return nil
}

func asAuthError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		status := http.StatusBadGateway
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return &callback.AuthError{Status: status, Code: re.ErrorCode, Message: msg}
	}
	return err
}
