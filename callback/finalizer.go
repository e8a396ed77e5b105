package callback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Messages shown on the callback screen.
const (
	MessageFinalizing = "Finalizing your sign-in..."
	MessageSignedIn   = "Sign-in complete. Redirecting..."
	MessageNoSession  = "Sign-in link was opened, but no session was created. Request a new link."
	MessageTimedOut   = "Sign-in timed out. Request a new link."
	MessageUnexpected = "Unable to finish sign-in."
)

// DefaultCallTimeout bounds each boundary call.
const DefaultCallTimeout = 15 * time.Second

// Status describes how a finalization attempt ended.
type Status int

const (
	// StatusNotHandled means no recognised payload; try another source.
	StatusNotHandled Status = iota
	StatusSignedIn
	StatusFailed
	// StatusIgnored means the URL was already processed by this screen.
	StatusIgnored
)

func (s Status) String() string {
	switch s {
	case StatusSignedIn:
		return "signed_in"
	case StatusFailed:
		return "failed"
	case StatusIgnored:
		return "ignored"
	default:
		return "not_handled"
	}
}

// Outcome is the result of a finalization attempt.
type Outcome struct {
	Status  Status
	Message string
}

// Handled reports whether the attempt consumed its input.
func (o Outcome) Handled() bool {
	return o.Status == StatusSignedIn || o.Status == StatusFailed
}

func failed(msg string) Outcome {
	return Outcome{Status: StatusFailed, Message: msg}
}

// Finalizer reconciles a pending external sign-in into a local session.
type Finalizer struct {
	auth        Boundary
	nav         Navigator
	logger      *slog.Logger
	callTimeout time.Duration
}

// Option customises a Finalizer.
type Option func(*Finalizer)

// WithLogger sets the logger used for flow events.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Finalizer) { f.logger = logger }
}

// WithCallTimeout bounds each boundary call. Zero or negative disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(f *Finalizer) { f.callTimeout = d }
}

// NewFinalizer builds a Finalizer over the given boundaries.
func NewFinalizer(auth Boundary, nav Navigator, opts ...Option) *Finalizer {
	f := &Finalizer{
		auth:        auth,
		nav:         nav,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Finalize runs the decision procedure for a single parameter set. The
// first matching rule wins: upstream error, code exchange, OTP verification,
// direct token install. Anything else is StatusNotHandled.
func (f *Finalizer) Finalize(ctx context.Context, p Params, pending *PendingEmail) Outcome {
	if p.HasError() {
		f.logger.Info("auth.finalize", "path", "upstream_error", "error_code", p.ErrorCode)
		return failed(p.ErrorMessage())
	}

	// Snapshot so a code requested mid-flight is not cleared below.
	pendingEmail := ""
	if pending != nil {
		pendingEmail = pending.Get()
	}

	switch {
	case p.Code != "":
		f.logger.Info("auth.finalize", "path", "code")
		if _, err := f.exchange(ctx, p.Code); err != nil {
			f.logger.Warn("auth.finalize.failed", "path", "code", "error", err)
			return failed(userMessage(err))
		}
	case p.Type != "" && (p.TokenHash != "" || p.Token != ""):
		f.logger.Info("auth.finalize", "path", "otp", "type", p.Type, "token_hash", p.TokenHash != "")
		if err := f.verify(ctx, p, pendingEmail); err != nil {
			f.logger.Warn("auth.finalize.failed", "path", "otp", "error", err)
			return failed(userMessage(err))
		}
	case p.AccessToken != "" && p.RefreshToken != "":
		f.logger.Info("auth.finalize", "path", "set_session")
		if _, err := f.setSession(ctx, p.AccessToken, p.RefreshToken); err != nil {
			f.logger.Warn("auth.finalize.failed", "path", "set_session", "error", err)
			return failed(userMessage(err))
		}
	default:
		return Outcome{Status: StatusNotHandled}
	}

	session, err := f.getSession(ctx)
	if err != nil {
		return failed(userMessage(err))
	}
	if session == nil {
		return failed(MessageNoSession)
	}

	if pending != nil {
		pending.ClearIf(pendingEmail)
	}
	f.nav.NavigateHome()
	f.logger.Info("auth.finalize.signed_in", "user_id", session.User.ID)
	return Outcome{Status: StatusSignedIn, Message: MessageSignedIn}
}

// verify checks the token hash (or the token used as a hash) and falls back
// to pairing a bare token with the pending email exactly once.
func (f *Finalizer) verify(ctx context.Context, p Params, pendingEmail string) error {
	otpType := OTPType(p.Type)
	hash := p.TokenHash
	if hash == "" {
		hash = p.Token
	}

	_, err := f.verifyOTP(ctx, VerifyOTPRequest{TokenHash: hash, Type: otpType})
	if err == nil || p.Token == "" || pendingEmail == "" {
		return err
	}

	f.logger.Info("auth.finalize.retry", "path", "otp_email")
	_, err = f.verifyOTP(ctx, VerifyOTPRequest{Token: p.Token, Email: pendingEmail, Type: otpType})
	return err
}

func (f *Finalizer) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.callTimeout)
}

func (f *Finalizer) exchange(ctx context.Context, code string) (*Session, error) {
	ctx, cancel := f.bounded(ctx)
	defer cancel()
	return f.auth.ExchangeCodeForSession(ctx, code)
}

func (f *Finalizer) verifyOTP(ctx context.Context, req VerifyOTPRequest) (*Session, error) {
	ctx, cancel := f.bounded(ctx)
	defer cancel()
	return f.auth.VerifyOTP(ctx, req)
}

func (f *Finalizer) setSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	ctx, cancel := f.bounded(ctx)
	defer cancel()
	return f.auth.SetSession(ctx, accessToken, refreshToken)
}

func (f *Finalizer) getSession(ctx context.Context) (*Session, error) {
	ctx, cancel := f.bounded(ctx)
	defer cancel()
	return f.auth.GetSession(ctx)
}

// Input lists the parameter sources a callback screen received.
type Input struct {
	URL        string
	InitialURL string
	Route      map[string][]string
}

// Run finalizes a screen's input. Sources are tried in order: the current
// URL, the initial URL, then route parameters. A URL already processed by
// the screen is never processed again; if it is the current URL the whole
// call is a no-op.
func (f *Finalizer) Run(ctx context.Context, s *Screen, in Input) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.URL != "" && s.processed.Has(in.URL) {
		return Outcome{Status: StatusIgnored, Message: s.message}
	}

	out := f.run(ctx, s, in)
	if out.Message != "" {
		s.message = out.Message
	}
	return out
}

func (f *Finalizer) run(ctx context.Context, s *Screen, in Input) Outcome {
	for _, raw := range []string{in.URL, in.InitialURL} {
		if raw == "" || !s.processed.Add(raw) {
			continue
		}
		if out := f.Finalize(ctx, Extract(raw), s.pending); out.Handled() {
			return out
		}
	}

	if len(in.Route) > 0 {
		if out := f.Finalize(ctx, FromRoute(in.Route), s.pending); out.Handled() {
			return out
		}
	}

	session, err := f.getSession(ctx)
	if err != nil {
		return failed(userMessage(err))
	}
	if session != nil {
		f.nav.NavigateHome()
		return Outcome{Status: StatusSignedIn, Message: MessageSignedIn}
	}

	f.logger.Warn("auth.finalize.no_payload", "url", Redact(in.URL), "initial_url", Redact(in.InitialURL))
	return failed(fmt.Sprintf("No auth data found in the link. URL: %s | Initial URL: %s",
		redactOrNone(in.URL), redactOrNone(in.InitialURL)))
}

func redactOrNone(raw string) string {
	if raw == "" {
		return "none"
	}
	return Redact(raw)
}
