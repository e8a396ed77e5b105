package callback

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

type fakeBoundary struct {
	exchangeCodes []string
	verifyReqs    []VerifyOTPRequest
	setSessions   [][2]string
	getCalls      int

	exchangeErr error
	verifyErr   func(VerifyOTPRequest) error
	setErr      error
	noSession   bool
	block       bool

	session *Session
}

func (f *fakeBoundary) establish() (*Session, error) {
	if f.noSession {
		return nil, nil
	}
	f.session = &Session{
		Token: &oauth2.Token{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)},
		User:  User{ID: "user-1", Email: "a@b.com"},
	}
	return f.session, nil
}

func (f *fakeBoundary) ExchangeCodeForSession(ctx context.Context, code string) (*Session, error) {
	f.exchangeCodes = append(f.exchangeCodes, code)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.establish()
}

func (f *fakeBoundary) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*Session, error) {
	f.verifyReqs = append(f.verifyReqs, req)
	if f.verifyErr != nil {
		if err := f.verifyErr(req); err != nil {
			return nil, err
		}
	}
	return f.establish()
}

func (f *fakeBoundary) SetSession(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	f.setSessions = append(f.setSessions, [2]string{accessToken, refreshToken})
	if f.setErr != nil {
		return nil, f.setErr
	}
	return f.establish()
}

func (f *fakeBoundary) GetSession(ctx context.Context) (*Session, error) {
	f.getCalls++
	return f.session, nil
}

func (f *fakeBoundary) interactions() int {
	return len(f.exchangeCodes) + len(f.verifyReqs) + len(f.setSessions) + f.getCalls
}

type countingNav struct{ calls int }

func (n *countingNav) NavigateHome() { n.calls++ }

func newTestFinalizer(b Boundary, nav Navigator) *Finalizer {
	return NewFinalizer(b, nav, WithCallTimeout(time.Second))
}

func TestFinalizeUpstreamErrorNeverCallsBoundary(t *testing.T) {
	b := &fakeBoundary{}
	nav := &countingNav{}
	f := newTestFinalizer(b, nav)

	out := f.Finalize(context.Background(), Extract("https://app/cb?error=access_denied#error_description=Expired"), nil)
	if out.Status != StatusFailed || out.Message != "Expired" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if b.interactions() != 0 {
		t.Fatalf("boundary must not be called, got %d interactions", b.interactions())
	}
	if nav.calls != 0 {
		t.Fatalf("navigation must not happen on failure")
	}
}

func TestFinalizeCodeExchange(t *testing.T) {
	b := &fakeBoundary{}
	nav := &countingNav{}
	pending := &PendingEmail{}
	pending.Set("a@b.com")
	f := newTestFinalizer(b, nav)

	out := f.Finalize(context.Background(), Extract("gatherer://auth/callback?code=X"), pending)
	if out.Status != StatusSignedIn {
		t.Fatalf("expected signed in, got %+v", out)
	}
	if len(b.exchangeCodes) != 1 || b.exchangeCodes[0] != "X" {
		t.Fatalf("exchange calls mismatch: %v", b.exchangeCodes)
	}
	if b.getCalls != 1 {
		t.Fatalf("expected session re-fetch, got %d", b.getCalls)
	}
	if nav.calls != 1 {
		t.Fatalf("expected one navigation, got %d", nav.calls)
	}
	if pending.Get() != "" {
		t.Fatalf("pending email should be cleared on success")
	}
}

func TestFinalizeCodeExchangeFailure(t *testing.T) {
	b := &fakeBoundary{exchangeErr: &AuthError{Status: 400, Code: "bad_code_verifier", Message: "code verifier mismatch"}}
	nav := &countingNav{}
	f := newTestFinalizer(b, nav)

	out := f.Finalize(context.Background(), Params{Code: "X"}, nil)
	if out.Status != StatusFailed || out.Message != "code verifier mismatch" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if b.getCalls != 0 || nav.calls != 0 {
		t.Fatalf("no follow-up calls expected after failure")
	}
}

func TestFinalizeSetSessionFromFragment(t *testing.T) {
	b := &fakeBoundary{}
	f := newTestFinalizer(b, &countingNav{})

	out := f.Finalize(context.Background(), Extract("https://app/cb#access_token=A&refresh_token=B"), nil)
	if out.Status != StatusSignedIn {
		t.Fatalf("expected signed in, got %+v", out)
	}
	if len(b.setSessions) != 1 || b.setSessions[0] != [2]string{"A", "B"} {
		t.Fatalf("set session calls mismatch: %v", b.setSessions)
	}
}

func TestFinalizeAccessTokenAloneNotHandled(t *testing.T) {
	b := &fakeBoundary{}
	f := newTestFinalizer(b, &countingNav{})

	out := f.Finalize(context.Background(), Params{AccessToken: "A"}, nil)
	if out.Status != StatusNotHandled || out.Handled() {
		t.Fatalf("expected not handled, got %+v", out)
	}
	if b.interactions() != 0 {
		t.Fatalf("unexpected boundary calls")
	}
}

func TestFinalizeTokenHashPreferred(t *testing.T) {
	b := &fakeBoundary{}
	f := newTestFinalizer(b, &countingNav{})

	out := f.Finalize(context.Background(), Params{TokenHash: "hash", Token: "123456", Type: "magiclink"}, nil)
	if out.Status != StatusSignedIn {
		t.Fatalf("expected signed in, got %+v", out)
	}
	if len(b.verifyReqs) != 1 {
		t.Fatalf("expected one verify call, got %d", len(b.verifyReqs))
	}
	req := b.verifyReqs[0]
	if req.TokenHash != "hash" || req.Token != "" || req.Type != OTPMagicLink {
		t.Fatalf("verify request mismatch: %+v", req)
	}
}

func TestFinalizeBareTokenRetriesWithPendingEmail(t *testing.T) {
	b := &fakeBoundary{verifyErr: func(req VerifyOTPRequest) error {
		if req.Email == "" {
			return &AuthError{Status: 403, Message: "Token has expired or is invalid"}
		}
		return nil
	}}
	nav := &countingNav{}
	pending := &PendingEmail{}
	pending.Set("a@b.com")
	f := newTestFinalizer(b, nav)

	out := f.Finalize(context.Background(), Params{Token: "123456", Type: "email"}, pending)
	if out.Status != StatusSignedIn {
		t.Fatalf("expected signed in, got %+v", out)
	}
	if len(b.verifyReqs) != 2 {
		t.Fatalf("expected exactly one retry, got %d verify calls", len(b.verifyReqs))
	}
	if b.verifyReqs[0].TokenHash != "123456" {
		t.Fatalf("first attempt should use token as hash: %+v", b.verifyReqs[0])
	}
	retry := b.verifyReqs[1]
	if retry.Email != "a@b.com" || retry.Token != "123456" || retry.TokenHash != "" {
		t.Fatalf("retry request mismatch: %+v", retry)
	}
	if pending.Get() != "" {
		t.Fatalf("pending email should be cleared after success")
	}
}

func TestFinalizeRetryFailureKeepsPendingEmail(t *testing.T) {
	b := &fakeBoundary{verifyErr: func(VerifyOTPRequest) error {
		return &AuthError{Status: 403, Message: "Token has expired or is invalid"}
	}}
	pending := &PendingEmail{}
	pending.Set("a@b.com")
	f := newTestFinalizer(b, &countingNav{})

	out := f.Finalize(context.Background(), Params{Token: "123456", Type: "email"}, pending)
	if out.Status != StatusFailed || out.Message != "Token has expired or is invalid" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(b.verifyReqs) != 2 {
		t.Fatalf("expected one retry, got %d calls", len(b.verifyReqs))
	}
	if pending.Get() != "a@b.com" {
		t.Fatalf("pending email must survive failure")
	}
}

func TestFinalizeNoRetryWithoutPendingEmail(t *testing.T) {
	b := &fakeBoundary{verifyErr: func(VerifyOTPRequest) error {
		return errors.New("invalid token")
	}}
	f := newTestFinalizer(b, &countingNav{})

	out := f.Finalize(context.Background(), Params{Token: "123456", Type: "email"}, &PendingEmail{})
	if out.Status != StatusFailed || out.Message != "invalid token" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(b.verifyReqs) != 1 {
		t.Fatalf("expected no retry, got %d calls", len(b.verifyReqs))
	}
}

func TestFinalizeNoSessionAfterSuccess(t *testing.T) {
	b := &fakeBoundary{noSession: true}
	nav := &countingNav{}
	f := newTestFinalizer(b, nav)

	out := f.Finalize(context.Background(), Params{Code: "X"}, nil)
	if out.Status != StatusFailed || out.Message != MessageNoSession {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if nav.calls != 0 {
		t.Fatalf("must not navigate without a session")
	}
}

func TestFinalizeBoundaryTimeout(t *testing.T) {
	b := &fakeBoundary{block: true}
	f := NewFinalizer(b, &countingNav{}, WithCallTimeout(10*time.Millisecond))

	out := f.Finalize(context.Background(), Params{Code: "X"}, nil)
	if out.Status != StatusFailed || out.Message != MessageTimedOut {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunIdempotentPerScreen(t *testing.T) {
	b := &fakeBoundary{}
	nav := &countingNav{}
	f := newTestFinalizer(b, nav)
	screen := NewScreen(nil)

	in := Input{URL: "gatherer://auth/callback?code=X"}
	first := f.Run(context.Background(), screen, in)
	if first.Status != StatusSignedIn {
		t.Fatalf("expected signed in, got %+v", first)
	}
	before := b.interactions()

	second := f.Run(context.Background(), screen, in)
	if second.Status != StatusIgnored {
		t.Fatalf("expected ignored, got %+v", second)
	}
	if b.interactions() != before {
		t.Fatalf("second arrival must not touch the boundary")
	}
	if len(b.exchangeCodes) != 1 {
		t.Fatalf("expected one exchange, got %d", len(b.exchangeCodes))
	}
	if nav.calls != 1 {
		t.Fatalf("expected one navigation, got %d", nav.calls)
	}
}

func TestRunFallsBackToInitialURLThenRoute(t *testing.T) {
	b := &fakeBoundary{}
	f := newTestFinalizer(b, &countingNav{})
	screen := NewScreen(nil)

	out := f.Run(context.Background(), screen, Input{
		URL:        "gatherer://auth/callback",
		InitialURL: "gatherer://auth/callback?state=1",
		Route:      map[string][]string{"token_hash": {"h"}, "type": {"signup"}},
	})
	if out.Status != StatusSignedIn {
		t.Fatalf("expected route params to finalize, got %+v", out)
	}
	if len(b.verifyReqs) != 1 || b.verifyReqs[0].TokenHash != "h" {
		t.Fatalf("verify mismatch: %+v", b.verifyReqs)
	}
	if !screen.Processed("gatherer://auth/callback") || !screen.Processed("gatherer://auth/callback?state=1") {
		t.Fatalf("both urls should be marked processed")
	}
}

func TestRunExistingSessionNavigatesHome(t *testing.T) {
	b := &fakeBoundary{}
	b.establish()
	nav := &countingNav{}
	f := newTestFinalizer(b, nav)

	out := f.Run(context.Background(), NewScreen(nil), Input{URL: "gatherer://auth/callback"})
	if out.Status != StatusSignedIn || nav.calls != 1 {
		t.Fatalf("expected navigation with live session, got %+v (nav %d)", out, nav.calls)
	}
}

func TestRunNoPayloadReportsRedactedDiagnostic(t *testing.T) {
	b := &fakeBoundary{}
	f := newTestFinalizer(b, &countingNav{})
	screen := NewScreen(nil)

	out := f.Run(context.Background(), screen, Input{
		URL: "https://app/cb?type=magiclink&access_token=SECRET123",
	})
	if out.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", out)
	}
	if !strings.HasPrefix(out.Message, "No auth data found in the link.") {
		t.Fatalf("unexpected message: %q", out.Message)
	}
	if strings.Contains(out.Message, "SECRET123") {
		t.Fatalf("secret leaked: %q", out.Message)
	}
	if !strings.Contains(out.Message, "access_token=[redacted]") || !strings.Contains(out.Message, "Initial URL: none") {
		t.Fatalf("diagnostic mismatch: %q", out.Message)
	}
	if screen.Message() != out.Message {
		t.Fatalf("screen should display the outcome message")
	}
}

func TestNewScreenStartsFinalizing(t *testing.T) {
	if got := NewScreen(nil).Message(); got != MessageFinalizing {
		t.Fatalf("initial message mismatch: %q", got)
	}
}
