package callback

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoSession is returned by boundaries when no session is established.
var ErrNoSession = errors.New("no session")

// User is the identity attached to a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Session is a confirmed local sign-in.
type Session struct {
	Token *oauth2.Token
	User  User
}

// Expired reports whether the access token is past its expiry.
func (s *Session) Expired() bool {
	if s == nil || s.Token == nil {
		return true
	}
	return !s.Token.Valid()
}

// ExpiresAt returns the access token expiry, zero when unknown.
func (s *Session) ExpiresAt() time.Time {
	if s == nil || s.Token == nil {
		return time.Time{}
	}
	return s.Token.Expiry
}

// VerifyOTPRequest carries one of TokenHash or Token (paired with Email).
type VerifyOTPRequest struct {
	TokenHash string
	Token     string
	Email     string
	Type      OTPType
}

// Boundary is the remote auth capability the finalizer drives.
type Boundary interface {
	ExchangeCodeForSession(ctx context.Context, code string) (*Session, error)
	VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*Session, error)
	SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error)
	// GetSession returns the current session, or nil when signed out.
	GetSession(ctx context.Context) (*Session, error)
}

// Navigator moves the user to the home route after a successful sign-in.
type Navigator interface {
	NavigateHome()
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func()

// NavigateHome calls f.
func (f NavigatorFunc) NavigateHome() { f() }

// AuthError is a failure reported by the auth backend. Message is safe to
// show to the user.
type AuthError struct {
	Status  int
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// userMessage converts a boundary error into display text.
func userMessage(err error) string {
	var authErr *AuthError
	switch {
	case errors.As(err, &authErr) && authErr.Message != "":
		return authErr.Message
	case errors.Is(err, context.DeadlineExceeded):
		return MessageTimedOut
	case err.Error() == "":
		return MessageUnexpected
	default:
		return err.Error()
	}
}
