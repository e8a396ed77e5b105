package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// InspectorConfig configures access token inspection.
type InspectorConfig struct {
	JWTSecret  string
	JWKSURL    string
	CacheTTL   time.Duration
	HTTPClient *http.Client
}

// TokenInspector reads claims from backend-issued access tokens. With a
// shared secret or JWKS URL the signature is verified; otherwise the
// claims are only decoded. Expiry is reported, never enforced.
type TokenInspector struct {
	cfg    InspectorConfig
	client *http.Client
	mu     sync.RWMutex
	cache  jwksCache
}

type jwksCache struct {
	set     jose.JSONWebKeySet
	fetched time.Time
	expires time.Time
	etag    string
}

// TokenClaims is the subset of access token claims the service uses.
type TokenClaims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
	Verified  bool
}

// Expired reports whether the token is past its expiry at now.
func (c *TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// NewTokenInspector creates an inspector with sane defaults.
func NewTokenInspector(cfg InspectorConfig) *TokenInspector {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &TokenInspector{cfg: cfg, client: client}
}

// Inspect parses rawToken and returns its claims.
func (ti *TokenInspector) Inspect(ctx context.Context, rawToken string) (*TokenClaims, error) {
	if rawToken == "" {
		return nil, errors.New("token required")
	}

	claims := jwt.MapClaims{}
	verified := true

	switch {
	case ti.cfg.JWTSecret != "":
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		)
		if _, err := parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
			return []byte(ti.cfg.JWTSecret), nil
		}); err != nil {
			return nil, fmt.Errorf("verify access token: %w", err)
		}
	case ti.cfg.JWKSURL != "":
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodES256.Alg()}),
			jwt.WithoutClaimsValidation(),
		)
		if _, err := parser.ParseWithClaims(rawToken, claims, ti.keyFunc(ctx)); err != nil {
			return nil, fmt.Errorf("verify access token: %w", err)
		}
	default:
		verified = false
		if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
			return nil, fmt.Errorf("decode access token: %w", err)
		}
	}

	out := &TokenClaims{Verified: verified}
	out.Subject, _ = claims.GetSubject()
	out.Email, _ = claims["email"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if out.Subject == "" {
		return nil, errors.New("sub missing")
	}
	return out, nil
}

func (ti *TokenInspector) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		set, err := ti.ensureJWKS(ctx, "")
		if err != nil {
			return nil, err
		}
		kid, _ := token.Header["kid"].(string)
		key := findKey(set, kid)
		if key == nil {
			// Force refresh on kid miss
			if set, err = ti.ensureJWKS(ctx, kid); err == nil {
				key = findKey(set, kid)
			}
		}
		if key == nil {
			return nil, fmt.Errorf("signing key not found")
		}
		return key.Key, nil
	}
}

func (ti *TokenInspector) ensureJWKS(ctx context.Context, kid string) (jose.JSONWebKeySet, error) {
	ti.mu.RLock()
	cache := ti.cache
	ti.mu.RUnlock()

	if cache.set.Keys != nil && time.Now().Before(cache.expires) && kid == "" {
		return cache.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ti.cfg.JWKSURL, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	if cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := ti.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		cache.expires = time.Now().Add(ti.cfg.CacheTTL)
		ti.mu.Lock()
		ti.cache = cache
		ti.mu.Unlock()
		return cache.set, nil
	}
	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return jose.JSONWebKeySet{}, err
	}

	cache = jwksCache{set: set, fetched: time.Now(), etag: resp.Header.Get("ETag")}
	cache.expires = cache.fetched.Add(maxCacheDuration(resp.Header.Get("Cache-Control"), ti.cfg.CacheTTL))

	ti.mu.Lock()
	ti.cache = cache
	ti.mu.Unlock()

	return set, nil
}

func findKey(set jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	for _, k := range set.Keys {
		if kid == "" || k.KeyID == kid {
			key := k
			return &key
		}
	}
	return nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = 5 * time.Minute
	}
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
