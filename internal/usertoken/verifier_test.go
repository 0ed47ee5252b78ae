package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func newJWKSServer(t *testing.T, active *atomic.Value, keys map[string]*rsa.PrivateKey) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		kid := active.Load().(string)
		w.Header().Set("Cache-Control", "public, max-age=300")
		resp := map[string]any{"keys": []map[string]string{toJWK(kid, keys[kid].PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims idClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func baseClaims(sub string) idClaims {
	return idClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "https://id.example.test",
			Audience:  jwt.ClaimStrings{"styleai-app"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestNewVerifierRequiresConfig(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
	if _, err := NewVerifier(context.Background(), Config{JWKSURL: "http://x", Issuer: "i"}); err == nil {
		t.Fatalf("expected missing audience to fail")
	}
}

func TestVerifyIdentityAndRefreshOnUnknownKid(t *testing.T) {
	keys := map[string]*rsa.PrivateKey{"kid-1": generateKey(t), "kid-2": generateKey(t)}
	var active atomic.Value
	active.Store("kid-1")
	srv := newJWKSServer(t, &active, keys)

	ctx := context.Background()
	v, err := NewVerifier(ctx, Config{JWKSURL: srv.URL, Issuer: "https://id.example.test", Audience: "styleai-app"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	claims := baseClaims("user-a")
	claims.Email = "a@example.test"
	claims.EmailVerified = true
	id, err := v.Verify(ctx, signToken(t, keys["kid-1"], "kid-1", claims))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user-a" || id.Email != "a@example.test" || !id.EmailVerified {
		t.Fatalf("unexpected identity %+v", id)
	}

	// Rotation: an unknown kid triggers a JWKS refresh.
	active.Store("kid-2")
	id, err = v.Verify(ctx, signToken(t, keys["kid-2"], "kid-2", baseClaims("user-b")))
	if err != nil || id.UserID != "user-b" {
		t.Fatalf("verify after rotation: %+v %v", id, err)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	keys := map[string]*rsa.PrivateKey{"kid-1": generateKey(t)}
	var active atomic.Value
	active.Store("kid-1")
	srv := newJWKSServer(t, &active, keys)
	ctx := context.Background()
	v, err := NewVerifier(ctx, Config{JWKSURL: srv.URL, Issuer: "https://id.example.test", Audience: "styleai-app", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	future := baseClaims("user-1")
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))
	wrongAud := baseClaims("user-1")
	wrongAud.Audience = jwt.ClaimStrings{"someone-else"}
	noSubject := baseClaims("")
	noExpiry := baseClaims("user-1")
	noExpiry.ExpiresAt = nil

	for name, claims := range map[string]idClaims{
		"future iat":     future,
		"wrong audience": wrongAud,
		"no subject":     noSubject,
		"no expiry":      noExpiry,
	} {
		if _, err := v.Verify(ctx, signToken(t, keys["kid-1"], "kid-1", claims)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
	if _, err := v.Verify(ctx, "  "); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token to fail")
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	if got := parseCacheMaxAge("public, max-age=60"); got != time.Minute {
		t.Fatalf("max-age = %v", got)
	}
	if got := parseCacheMaxAge("no-store"); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
