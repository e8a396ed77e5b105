package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestInspectVerifiesSharedSecret(t *testing.T) {
	ti := NewTokenInspector(InspectorConfig{JWTSecret: "secret"})
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	raw := signHS256(t, "secret", jwt.MapClaims{"sub": "user-1", "email": "a@b.co", "exp": exp.Unix()})

	claims, err := ti.Inspect(context.Background(), raw)
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if !claims.Verified || claims.Subject != "user-1" || claims.Email != "a@b.co" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %s, got %s", exp, claims.ExpiresAt)
	}
	if claims.Expired(time.Now()) {
		t.Fatal("token should not be expired")
	}
}

func TestInspectReportsExpiryWithoutRejecting(t *testing.T) {
	ti := NewTokenInspector(InspectorConfig{JWTSecret: "secret"})
	raw := signHS256(t, "secret", jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(-time.Minute).Unix()})

	claims, err := ti.Inspect(context.Background(), raw)
	if err != nil {
		t.Fatalf("expired tokens should still inspect: %v", err)
	}
	if !claims.Expired(time.Now()) {
		t.Fatal("expected token to be reported expired")
	}
}

func TestInspectRejectsWrongSecret(t *testing.T) {
	ti := NewTokenInspector(InspectorConfig{JWTSecret: "secret"})
	raw := signHS256(t, "other", jwt.MapClaims{"sub": "user-1"})
	if _, err := ti.Inspect(context.Background(), raw); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestInspectUnverifiedDecode(t *testing.T) {
	ti := NewTokenInspector(InspectorConfig{})
	raw := signHS256(t, "whatever", jwt.MapClaims{"sub": "user-1"})

	claims, err := ti.Inspect(context.Background(), raw)
	if err != nil {
		t.Fatalf("Inspect returned error: %v", err)
	}
	if claims.Verified {
		t.Fatal("claims should be marked unverified")
	}
	if !claims.ExpiresAt.IsZero() || claims.Expired(time.Now()) {
		t.Fatal("token without exp never expires")
	}

	if _, err := ti.Inspect(context.Background(), "not-a-jwt"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := ti.Inspect(context.Background(), signHS256(t, "x", jwt.MapClaims{"email": "a@b.co"})); err == nil {
		t.Fatal("expected error for missing sub")
	}
}

func TestInspectUsesCachedJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Cache-Control", "max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     "k1",
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}})
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user-1"})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	ti := NewTokenInspector(InspectorConfig{JWKSURL: srv.URL, HTTPClient: srv.Client()})
	for i := 0; i < 2; i++ {
		claims, err := ti.Inspect(context.Background(), raw)
		if err != nil {
			t.Fatalf("Inspect returned error: %v", err)
		}
		if !claims.Verified {
			t.Fatal("expected verified claims")
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected one JWKS fetch, got %d", got)
	}
}

func TestMaxCacheDuration(t *testing.T) {
	if got := maxCacheDuration("public, max-age=120", time.Minute); got != 2*time.Minute {
		t.Fatalf("expected 2m, got %s", got)
	}
	if got := maxCacheDuration("no-cache", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %s", got)
	}
}
