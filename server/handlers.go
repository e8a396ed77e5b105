package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"gatherer/callback"
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	codePattern  = regexp.MustCompile(`^\d{6}$`)
)

const maxBodyBytes = 64 << 10

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Store     *InMemoryStore
	Devices   *DeviceManager
	Provider  AuthProvider
	Inspector *TokenInspector
}

// NewApp wires together the application state from configuration. A nil
// provider is built from cfg.Auth.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, provider AuthProvider) (*App, error) {
	if provider == nil {
		var err error
		provider, err = BuildProvider(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	store := NewInMemoryStore()
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Devices:  NewDeviceManager(cfg, store, logger),
		Provider: provider,
		Inspector: NewTokenInspector(InspectorConfig{
			JWTSecret: cfg.Auth.JWTSecret,
			JWKSURL:   cfg.Auth.JWKSURL,
		}),
	}, nil
}

// StartSweeper discards abandoned callback screens until stop is closed.
func (a *App) StartSweeper(stop <-chan struct{}) {
	a.Store.StartSweeper(stop, a.Config.Screens.TTL, a.Config.Screens.SweepInterval, a.Logger)
}

func (a *App) boundary(dev *deviceState) *deviceAuth {
	return &deviceAuth{
		provider:  a.Provider,
		inspector: a.Inspector,
		device:    dev,
		logger:    a.Logger,
	}
}

func (a *App) finalizer(ctx context.Context, dev *deviceState, nav callback.Navigator) *callback.Finalizer {
	return callback.NewFinalizer(a.boundary(dev), nav,
		callback.WithLogger(a.Logger.With("request_id", RequestIDFromContext(ctx))),
		callback.WithCallTimeout(a.Config.Auth.CallTimeout),
	)
}

func (a *App) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.Config.Auth.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.Config.Auth.CallTimeout)
}

// FinalizeLink finalizes a sign-in link on a fresh device and screen. It
// backs the command line check of links copied from an email.
func (a *App) FinalizeLink(ctx context.Context, rawURL string) FinalizeResponse {
	dev := a.Store.CreateDevice()
	defer a.Store.DeleteDevice(dev.ID)
	rec := a.Store.MountScreen(dev)

	nav := &homeNavigator{}
	out := a.finalizer(ctx, dev, nav).Run(ctx, rec.Screen, callback.Input{URL: rawURL})
	resp := FinalizeResponse{Status: out.Status.String(), Message: out.Message}
	if nav.navigated {
		resp.Redirect = a.Config.Server.HomePath
	}
	return resp
}

// homeNavigator records whether the finalizer asked to go home.
type homeNavigator struct {
	navigated bool
}

func (n *homeNavigator) NavigateHome() { n.navigated = true }

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleRequestCode emails a one-time code for the posted address and
// remembers the address as the device's pending email.
func (a *App) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	email := callback.NormalizeEmail(req.Email)
	if !emailPattern.MatchString(email) {
		writeError(w, http.StatusBadRequest, "invalid_email", "Enter a valid email address.")
		return
	}

	dev := a.Devices.Ensure(w, r)
	now := time.Now()
	wait, release := dev.reserveCode(now, a.Config.Auth.CodeCooldown)
	if wait > 0 {
		secs := int(math.Ceil(wait.Seconds()))
		w.Header().Set("Retry-After", fmt.Sprint(secs))
		writeError(w, http.StatusTooManyRequests, "cooldown", fmt.Sprintf("Try again in %ds", secs))
		return
	}

	verifier := oauth2.GenerateVerifier()
	ctx, cancel := a.bounded(r.Context())
	defer cancel()
	err := a.Provider.SendCode(ctx, CodeRequest{
		Email:         email,
		RedirectTo:    a.Config.Auth.RedirectURL,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		CreateUser:    true,
	})
	if err != nil {
		release()
		a.Logger.Warn("send code failed", "error", err)
		status, code, msg := errorResponse(err)
		if status == http.StatusTooManyRequests {
			msg = "Too many requests. Wait a minute and try again."
		}
		writeError(w, status, code, msg)
		return
	}

	dev.CodeSent(email, verifier, now)
	a.Logger.Info("code sent", "request_id", RequestIDFromContext(r.Context()))
	writeJSON(w, map[string]string{
		"message": fmt.Sprintf("Code sent to %s. Enter the 6-digit code below.", email),
	})
}

// handleVerifyCode signs in with a typed 6-digit code.
func (a *App) handleVerifyCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	code := strings.TrimSpace(req.Code)
	if !codePattern.MatchString(code) {
		writeError(w, http.StatusBadRequest, "invalid_code", "Enter the full code from your email.")
		return
	}

	dev := a.Devices.Ensure(w, r)
	email := callback.NormalizeEmail(req.Email)
	if email == "" {
		email = dev.Pending.Get()
	}
	if !emailPattern.MatchString(email) {
		writeError(w, http.StatusBadRequest, "invalid_email", "Request a code for a valid email address first.")
		return
	}

	ctx, cancel := a.bounded(r.Context())
	defer cancel()
	if _, err := a.boundary(dev).VerifyOTP(ctx, callback.VerifyOTPRequest{
		Email: email,
		Token: code,
		Type:  callback.OTPEmail,
	}); err != nil {
		a.Logger.Warn("verify code failed", "error", err)
		status, errCode, msg := errorResponse(err)
		writeError(w, status, errCode, msg)
		return
	}

	dev.Pending.ClearIf(email)
	writeJSON(w, FinalizeResponse{
		Status:   callback.StatusSignedIn.String(),
		Message:  callback.MessageSignedIn,
		Redirect: a.Config.Server.HomePath,
	})
}

// handleAuthorize starts a redirect-based sign-in for providers that
// support it, binding a PKCE verifier to the device.
func (a *App) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	authz, ok := a.Provider.(Authorizer)
	if !ok {
		http.Error(w, "redirect sign-in not available", http.StatusNotFound)
		return
	}
	dev := a.Devices.Ensure(w, r)
	verifier := oauth2.GenerateVerifier()
	dev.SetVerifier(verifier)
	http.Redirect(w, r, authz.AuthCodeURL(a.Store.NewID(), oauth2.S256ChallengeFromVerifier(verifier)), http.StatusFound)
}

// handleCallback finalizes a redirect that reached the server directly.
// Fragment-delivered tokens never reach this handler; clients post those
// to a mounted screen instead.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	dev := a.Devices.Ensure(w, r)
	screen := a.Store.CallbackScreen(dev).Screen
	nav := &homeNavigator{}

	out := a.finalizer(r.Context(), dev, nav).Run(r.Context(), screen, callback.Input{URL: requestURL(r, a.Config.Server.PublicURL)})
	if out.Status == callback.StatusIgnored {
		ctx, cancel := a.bounded(r.Context())
		defer cancel()
		if sess, err := a.boundary(dev).GetSession(ctx); err == nil && sess != nil {
			nav.NavigateHome()
		}
	}

	if nav.navigated {
		http.Redirect(w, r, a.Config.Server.HomePath, http.StatusSeeOther)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = fmt.Fprintln(w, screen.Message())
}

func (a *App) handleMountScreen(w http.ResponseWriter, r *http.Request) {
	dev := a.Devices.Ensure(w, r)
	rec := a.Store.MountScreen(dev)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(ScreenView{ID: rec.ID, Message: rec.Screen.Message()})
}

func (a *App) handleGetScreen(w http.ResponseWriter, r *http.Request) {
	rec, _, ok := a.lookupScreen(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "screen not found")
		return
	}
	writeJSON(w, ScreenView{ID: rec.ID, Message: rec.Screen.Message()})
}

func (a *App) handleFinalizeScreen(w http.ResponseWriter, r *http.Request) {
	rec, dev, ok := a.lookupScreen(r)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "screen not found")
		return
	}

	var req FinalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	nav := &homeNavigator{}
	out := a.finalizer(r.Context(), dev, nav).Run(r.Context(), rec.Screen, callback.Input{
		URL:        req.URL,
		InitialURL: req.InitialURL,
		Route:      req.RouteParams,
	})

	resp := FinalizeResponse{Status: out.Status.String(), Message: out.Message}
	if nav.navigated {
		resp.Redirect = a.Config.Server.HomePath
	}
	writeJSON(w, resp)
}

func (a *App) handleUnmountScreen(w http.ResponseWriter, r *http.Request) {
	dev := a.Devices.Fetch(r)
	if dev == nil || !a.Store.UnmountScreen(chi.URLParam(r, "id"), dev.ID) {
		writeError(w, http.StatusNotFound, "not_found", "screen not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	dev := a.Devices.Fetch(r)
	if dev == nil {
		writeJSON(w, SessionView{})
		return
	}

	ctx, cancel := a.bounded(r.Context())
	defer cancel()
	sess, err := a.boundary(dev).GetSession(ctx)
	if err != nil {
		a.Logger.Warn("session lookup failed", "error", err)
		status, code, msg := errorResponse(err)
		writeError(w, status, code, msg)
		return
	}
	if sess == nil {
		writeJSON(w, SessionView{})
		return
	}

	view := SessionView{SignedIn: true, UserID: sess.User.ID, Email: sess.User.Email}
	if exp := sess.ExpiresAt(); !exp.IsZero() {
		view.ExpiresAt = &exp
	}
	writeJSON(w, view)
}

func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	dev := a.Devices.Fetch(r)
	if dev == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if sess := dev.Session(); sess != nil && sess.Token != nil {
		ctx, cancel := a.bounded(r.Context())
		defer cancel()
		if err := a.Provider.SignOut(ctx, sess.Token.AccessToken); err != nil {
			a.Logger.Warn("upstream sign out failed", "error", err)
		}
	}
	a.Devices.Forget(w, dev)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) lookupScreen(r *http.Request) (screenRecord, *deviceState, bool) {
	dev := a.Devices.Fetch(r)
	if dev == nil {
		return screenRecord{}, nil, false
	}
	rec, ok := a.Store.GetScreen(chi.URLParam(r, "id"), dev.ID)
	return rec, dev, ok
}

// requestURL rebuilds the absolute URL the browser opened.
func requestURL(r *http.Request, publicURL string) string {
	return strings.TrimSuffix(publicURL, "/") + r.URL.RequestURI()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func errorResponse(err error) (int, string, string) {
	var authErr *callback.AuthError
	switch {
	case errors.As(err, &authErr):
		status := authErr.Status
		if status < 400 || status >= 600 {
			status = http.StatusBadGateway
		}
		code := authErr.Code
		if code == "" {
			code = "auth_error"
		}
		msg := authErr.Message
		if msg == "" {
			msg = callback.MessageUnexpected
		}
		return status, code, msg
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", callback.MessageTimedOut
	default:
		return http.StatusBadGateway, "upstream_error", callback.MessageUnexpected
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
