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
	"motochat/pkg/domain"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestJWKSVerifyPrincipalAndRefreshOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	active := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=600")
		resp := map[string]any{"keys": []map[string]string{toJWK(active, publicKeyByKid(active, key1.PublicKey, key2.PublicKey))}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed1 := signUserToken(t, key1, "kid-1", testClaims("user-a", " Staff ", ""))
	p, err := v.VerifyPrincipal(context.Background(), signed1)
	if err != nil || p.UserID != "user-a" || p.Role != domain.RoleStaff {
		t.Fatalf("verify token1 failed: principal=%+v err=%v", p, err)
	}

	// Rotate to kid-2 once the refresh gap has passed; the unknown kid triggers a fetch.
	active = "kid-2"
	v.keys.now = func() time.Time { return time.Now().Add(time.Minute) }
	signed2 := signUserToken(t, key2, "kid-2", testClaims("user-b", "customer", ""))
	p, err = v.VerifyPrincipal(context.Background(), signed2)
	if err != nil || p.UserID != "user-b" || p.Role != domain.RoleCustomer {
		t.Fatalf("verify token2 failed: principal=%+v err=%v", p, err)
	}
}

func TestJWKSRejectsFutureIssuedAt(t *testing.T) {
	key, v := newTestVerifier(t, nil)

	claims := testClaims("user-1", "admin", "")
	claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))
	signed := signUserToken(t, key, "kid-1", claims)
	if _, err := v.VerifyPrincipal(context.Background(), signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestVerifyPrincipalRejectsUnknownRole(t *testing.T) {
	key, v := newTestVerifier(t, nil)

	for _, role := range []string{"", "mechanic"} {
		signed := signUserToken(t, key, "kid-1", testClaims("user-1", role, ""))
		if _, err := v.VerifyPrincipal(context.Background(), signed); !errors.Is(err, ErrInvalidRole) {
			t.Fatalf("role %q: expected ErrInvalidRole, got %v", role, err)
		}
	}
}

func TestVerifyPrincipalRejectsMissingSubject(t *testing.T) {
	key, v := newTestVerifier(t, nil)

	signed := signUserToken(t, key, "kid-1", testClaims("  ", "admin", ""))
	if _, err := v.VerifyPrincipal(context.Background(), signed); err == nil {
		t.Fatalf("expected missing subject to fail")
	}
}

func TestVerifyPrincipalHonoursRevocation(t *testing.T) {
	revoker := NewMemoryRevoker()
	key, v := newTestVerifier(t, revoker)
	ctx := context.Background()

	signed := signUserToken(t, key, "kid-1", testClaims("user-1", "staff", "jti-1"))
	if _, err := v.VerifyPrincipal(ctx, signed); err != nil {
		t.Fatalf("verify before revoke: %v", err)
	}
	if err := revoker.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := v.VerifyPrincipal(ctx, signed); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected ErrRevoked, got %v", err)
	}
}

func TestUnknownKidRefreshIsThrottled(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var fetches atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		resp := map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a", RefreshInterval: time.Minute})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	forged := signUserToken(t, key, "kid-forged", testClaims("user-1", "admin", ""))
	for i := 0; i < 3; i++ {
		if _, err := v.VerifyPrincipal(context.Background(), forged); err == nil {
			t.Fatalf("expected unknown kid to fail")
		}
	}
	if got := fetches.Load(); got != 1 {
		t.Fatalf("expected only the initial fetch, got %d", got)
	}

	v.keys.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := v.VerifyPrincipal(context.Background(), forged); err == nil {
		t.Fatalf("expected unknown kid to fail after refresh")
	}
	if got := fetches.Load(); got != 2 {
		t.Fatalf("expected one refresh after the gap, got %d", got)
	}
}

func TestMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=30": 30 * time.Second,
		"MAX-AGE=5":          5 * time.Second,
		"no-store":           0,
		"max-age=abc":        0,
		"":                   0,
	}
	for header, want := range cases {
		if got := maxAge(header); got != want {
			t.Fatalf("maxAge(%q) = %s, want %s", header, got, want)
		}
	}
}

func newTestVerifier(t *testing.T, revoker Revoker) (*rsa.PrivateKey, *Verifier) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(jwksServer.Close)

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   5 * time.Second,
		Revoker:  revoker,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return key, v
}

func testClaims(subject, role, jti string) Claims {
	now := time.Now()
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ID:        jti,
		},
	}
}

func signUserToken(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
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
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(bigIntFromInt(key.E).Bytes()),
	}
}

func publicKeyByKid(kid string, key1, key2 rsa.PublicKey) rsa.PublicKey {
	if kid == "kid-2" {
		return key2
	}
	return key1
}

func bigIntFromInt(v int) *big.Int {
	return big.NewInt(int64(v))
}
