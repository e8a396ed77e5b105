package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"gatherer/callback"
)

// GoTrueProvider talks to a GoTrue-compatible auth REST API, as hosted by
// Supabase under <project>/auth/v1.
type GoTrueProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewGoTrueProvider constructs the provider. A nil client uses a default
// client with a conservative timeout.
func NewGoTrueProvider(cfg AuthConfig, client *http.Client, logger *slog.Logger) *GoTrueProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimSuffix(cfg.URL, "/")
	if !strings.HasSuffix(base, "/auth/v1") {
		base += "/auth/v1"
	}
	return &GoTrueProvider{
		baseURL: base,
		apiKey:  cfg.AnonKey,
		client:  client,
		logger:  logger,
	}
}

type goTrueUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type goTrueSession struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	RefreshToken string     `json:"refresh_token"`
	User         goTrueUser `json:"user"`
}

type goTrueError struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// SendCode requests an emailed one-time code (and link) for req.Email.
func (p *GoTrueProvider) SendCode(ctx context.Context, req CodeRequest) error {
	body := map[string]any{
		"email":       req.Email,
		"create_user": req.CreateUser,
	}
	if req.CodeChallenge != "" {
		body["code_challenge"] = req.CodeChallenge
		body["code_challenge_method"] = "s256"
	}
	query := url.Values{}
	if req.RedirectTo != "" {
		query.Set("redirect_to", req.RedirectTo)
	}
	return p.do(ctx, http.MethodPost, "/otp", query, "", body, nil)
}

// ExchangeCode completes a PKCE flow.
func (p *GoTrueProvider) ExchangeCode(ctx context.Context, code, verifier string) (*callback.Session, error) {
	query := url.Values{"grant_type": {"pkce"}}
	body := map[string]string{"auth_code": code, "code_verifier": verifier}
	return p.session(ctx, "/token", query, body)
}

// VerifyOTP verifies a token hash, or an emailed token paired with its address.
func (p *GoTrueProvider) VerifyOTP(ctx context.Context, req callback.VerifyOTPRequest) (*callback.Session, error) {
	body := map[string]string{"type": string(req.Type)}
	if req.TokenHash != "" {
		body["token_hash"] = req.TokenHash
	} else {
		body["token"] = req.Token
		body["email"] = req.Email
	}
	return p.session(ctx, "/verify", nil, body)
}

// Refresh trades a refresh token for a new session.
func (p *GoTrueProvider) Refresh(ctx context.Context, refreshToken string) (*callback.Session, error) {
	query := url.Values{"grant_type": {"refresh_token"}}
	return p.session(ctx, "/token", query, map[string]string{"refresh_token": refreshToken})
}

// User returns the identity an access token belongs to.
func (p *GoTrueProvider) User(ctx context.Context, accessToken string) (callback.User, error) {
	var u goTrueUser
	if err := p.do(ctx, http.MethodGet, "/user", nil, accessToken, nil, &u); err != nil {
		return callback.User{}, err
	}
	return callback.User{ID: u.ID, Email: u.Email}, nil
}

// SignOut revokes the session behind accessToken.
func (p *GoTrueProvider) SignOut(ctx context.Context, accessToken string) error {
	return p.do(ctx, http.MethodPost, "/logout", nil, accessToken, nil, nil)
}

func (p *GoTrueProvider) session(ctx context.Context, path string, query url.Values, body any) (*callback.Session, error) {
	var s goTrueSession
	if err := p.do(ctx, http.MethodPost, path, query, "", body, &s); err != nil {
		return nil, err
	}
	if s.AccessToken == "" {
		return nil, &callback.AuthError{Status: http.StatusBadGateway, Message: "Auth server returned no session."}
	}
	return s.toSession(time.Now()), nil
}

func (s goTrueSession) toSession(now time.Time) *callback.Session {
	tok := &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    s.TokenType,
		RefreshToken: s.RefreshToken,
	}
	switch {
	case s.ExpiresAt > 0:
		tok.Expiry = time.Unix(s.ExpiresAt, 0)
	case s.ExpiresIn > 0:
		tok.Expiry = now.Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return &callback.Session{
		Token: tok,
		User:  callback.User{ID: s.User.ID, Email: s.User.Email},
	}
}

func (p *GoTrueProvider) do(ctx context.Context, method, path string, query url.Values, bearer string, in, out any) error {
	endpoint := p.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", p.apiKey)
	if bearer == "" {
		bearer = p.apiKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("call auth server %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		authErr := decodeGoTrueError(resp)
		p.logger.Warn("auth server rejected request", "path", path, "status", resp.StatusCode, "error_code", authErr.Code)
		return authErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeGoTrueError(resp *http.Response) *callback.AuthError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	authErr := &callback.AuthError{Status: resp.StatusCode}

	var body goTrueError
	if err := json.Unmarshal(raw, &body); err != nil {
		authErr.Message = strings.TrimSpace(string(raw))
		if authErr.Message == "" {
			authErr.Message = http.StatusText(resp.StatusCode)
		}
		return authErr
	}

	authErr.Code = firstNonEmpty(body.ErrorCode, body.Error)
	if s, ok := body.Code.(string); ok && authErr.Code == "" {
		authErr.Code = s
	}
	authErr.Message = firstNonEmpty(body.Msg, body.Message, body.ErrorDescription, body.Error, http.StatusText(resp.StatusCode))
	return authErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
