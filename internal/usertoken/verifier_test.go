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

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyReturnsClaimsAndRefreshesOnRotation(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)

	var active atomic.Value
	active.Store("kid-1")
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		kid := active.Load().(string)
		pub := key1.PublicKey
		if kid == "kid-2" {
			pub = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, pub)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwks.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.minRefresh = 0

	claims, err := v.Verify(context.Background(), sign(t, key1, "kid-1", validClaims("user-a")))
	if err != nil {
		t.Fatalf("verify token1: %v", err)
	}
	if claims.Subject != "user-a" || claims.Email != "user-a@example.org" {
		t.Fatalf("unexpected claims %+v", claims)
	}

	active.Store("kid-2")
	sub, err := v.VerifySubject(context.Background(), sign(t, key2, "kid-2", validClaims("user-b")))
	if err != nil || sub != "user-b" {
		t.Fatalf("verify rotated token: sub=%s err=%v", sub, err)
	}
}

func TestVerifyThrottlesRefreshForUnknownKid(t *testing.T) {
	key := generateKey(t)
	var fetches atomic.Int32
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: jwks.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), sign(t, key, "kid-unknown", validClaims("user-a")))
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected invalid token, got %v", err)
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected a single jwks fetch, got %d", got)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	key := generateKey(t)
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwks.Close()

	v, err := NewVerifier(context.Background(), Config{
		JWKSURL:  jwks.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	futureIAT := validClaims("user-1")
	futureIAT.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))

	wrongAudience := validClaims("user-1")
	wrongAudience.Audience = jwt.ClaimStrings{"other-api"}

	noSubject := validClaims("")

	noExpiry := validClaims("user-1")
	noExpiry.ExpiresAt = nil

	for name, claims := range map[string]Claims{
		"future iat":     futureIAT,
		"wrong audience": wrongAudience,
		"no subject":     noSubject,
		"no expiry":      noExpiry,
	} {
		if _, err := v.Verify(context.Background(), sign(t, key, "kid-1", claims)); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: expected invalid token, got %v", name, err)
		}
	}
}

func TestCacheMaxAge(t *testing.T) {
	if got := cacheMaxAge("public, max-age=120"); got != 2*time.Minute {
		t.Fatalf("cacheMaxAge = %v", got)
	}
	if got := cacheMaxAge("no-store"); got != 0 {
		t.Fatalf("cacheMaxAge without max-age = %v", got)
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

func validClaims(subject string) Claims {
	now := time.Now()
	email := ""
	if subject != "" {
		email = subject + "@example.org"
	}
	return Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		},
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
