package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"gatherer/callback"
)

// deviceAuth is the callback.Boundary for one device: upstream calls go to
// the provider and the resulting session is kept on the device.
type deviceAuth struct {
	provider  AuthProvider
	inspector *TokenInspector
	device    *deviceState
	logger    *slog.Logger
}

func (d *deviceAuth) ExchangeCodeForSession(ctx context.Context, code string) (*callback.Session, error) {
	sess, err := d.provider.ExchangeCode(ctx, code, d.device.Verifier())
	if err != nil {
		return nil, err
	}
	d.device.consumeVerifier()
	d.device.SetSession(sess)
	return sess, nil
}

func (d *deviceAuth) VerifyOTP(ctx context.Context, req callback.VerifyOTPRequest) (*callback.Session, error) {
	sess, err := d.provider.VerifyOTP(ctx, req)
	if err != nil {
		return nil, err
	}
	d.device.SetSession(sess)
	return sess, nil
}

// SetSession installs tokens delivered directly in a redirect. An expired
// access token is refreshed; a live one is confirmed with the backend.
func (d *deviceAuth) SetSession(ctx context.Context, accessToken, refreshToken string) (*callback.Session, error) {
	claims, err := d.inspector.Inspect(ctx, accessToken)
	if err != nil {
		d.logger.Warn("access token rejected", "error", err)
		return nil, &callback.AuthError{Status: http.StatusUnauthorized, Code: "bad_jwt", Message: "Invalid access token in sign-in link."}
	}

	var sess *callback.Session
	if claims.Expired(time.Now()) {
		sess, err = d.provider.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
	} else {
		user, err := d.provider.User(ctx, accessToken)
		if err != nil {
			return nil, err
		}
		if user.Email == "" {
			user.Email = claims.Email
		}
		sess = &callback.Session{
			Token: &oauth2.Token{
				AccessToken:  accessToken,
				TokenType:    "bearer",
				RefreshToken: refreshToken,
				Expiry:       claims.ExpiresAt,
			},
			User: user,
		}
	}

	d.device.SetSession(sess)
	return sess, nil
}

// GetSession returns the device session, refreshing it when expired. A
// failed refresh signs the device out. Concurrent callers share one
// refresh.
func (d *deviceAuth) GetSession(ctx context.Context) (*callback.Session, error) {
	sess := d.device.Session()
	if sess == nil || !sess.Expired() {
		return sess, nil
	}

	v, err, _ := d.device.refresh.Do("session", func() (any, error) {
		return d.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	refreshed, _ := v.(*callback.Session)
	return refreshed, nil
}

func (d *deviceAuth) refresh(ctx context.Context) (*callback.Session, error) {
	// Re-read: an earlier flight may already have replaced the session.
	sess := d.device.Session()
	if sess == nil || !sess.Expired() {
		return sess, nil
	}
	if sess.Token == nil || sess.Token.RefreshToken == "" {
		d.device.SetSession(nil)
		return nil, nil
	}

	refreshed, err := d.provider.Refresh(ctx, sess.Token.RefreshToken)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		d.logger.Info("session refresh failed", "error", err)
		d.device.SetSession(nil)
		return nil, nil
	}
	d.device.SetSession(refreshed)
	return refreshed, nil
}
