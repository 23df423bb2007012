package servicetoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

func TestSignerVerifierFromPEMFiles(t *testing.T) {
	privatePath, publicPath := writeRSAKeyPairFiles(t, "svc")
	signer, err := NewSigner(SignerOptions{
		PrivateKeyPath: privatePath,
		Issuer:         "booking-service",
		TTL:            2 * time.Second,
	})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		PublicKeyPath:  publicPath,
		Audience:       "messaging",
		AllowedIssuers: []string{"booking-service"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Sign("messaging", ScopeConversationWrite)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "booking-service" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if !claims.HasScope(ScopeConversationWrite) || claims.HasScope(ScopeUsersRead) {
		t.Fatalf("unexpected scopes: %v", claims.Scope)
	}
}

func TestSignerRequiresKey(t *testing.T) {
	if _, err := NewSigner(SignerOptions{Issuer: "messaging"}); err == nil {
		t.Fatalf("expected missing key to fail")
	}
}

func TestVerifierRejectsWrongAudience(t *testing.T) {
	signer, verifier := newInMemoryPair(t, "internal-active", "internal-active", "user-service")
	token, _ := signer.Sign("booking-service")
	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected audience mismatch")
	}
}

func TestVerifierRejectsUnknownKid(t *testing.T) {
	signer, verifier := newInMemoryPair(t, "kid-1", "kid-2", "booking-service")
	token, _ := signer.Sign("booking-service")
	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func TestVerifierRejectsUnlistedIssuer(t *testing.T) {
	key := mustRSAKey(t)
	signer, _ := NewSigner(SignerOptions{Key: key, Issuer: "stranger"})
	verifier, err := NewVerifier(VerifierOptions{
		Keys:           map[string]*rsa.PublicKey{DefaultKeyID: &key.PublicKey},
		Audience:       "messaging",
		AllowedIssuers: []string{"booking-service"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, _ := signer.Sign("messaging")
	if _, err := verifier.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected issuer allowlist to reject token")
	}
}

func TestVerifierRejectsFutureIssuedAt(t *testing.T) {
	key := mustRSAKey(t)
	verifier, err := NewVerifier(VerifierOptions{
		Keys:           map[string]*rsa.PublicKey{DefaultKeyID: &key.PublicKey},
		Audience:       "messaging",
		AllowedIssuers: []string{"booking-service"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "booking-service",
		Subject:   "booking-service",
		Audience:  jwt.ClaimStrings{"messaging"},
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
		NotBefore: jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Minute)),
		ID:        "jti-1",
	})
	token.Header["kid"] = DefaultKeyID
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestVerifierRequiresKidHeader(t *testing.T) {
	key := mustRSAKey(t)
	verifier, err := NewVerifier(VerifierOptions{
		Keys:           map[string]*rsa.PublicKey{DefaultKeyID: &key.PublicKey},
		Audience:       "messaging",
		AllowedIssuers: []string{"booking-service"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    "booking-service",
		Subject:   "booking-service",
		Audience:  jwt.ClaimStrings{"messaging"},
		IssuedAt:  jwt.NewNumericDate(time.Now().UTC()),
		ExpiresAt: jwt.NewNumericDate(time.Now().UTC().Add(5 * time.Minute)),
		ID:        "jti-missing-kid",
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), signed); err == nil {
		t.Fatalf("expected missing kid token to fail")
	}
}

func TestAuthorizeSetsBearerHeader(t *testing.T) {
	signer, verifier := newInMemoryPair(t, "k", "k", "booking-service")
	req := httptest.NewRequest("GET", "/", nil)
	if err := signer.Authorize(req, "booking-service", ScopeBookingsRead); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	token, ok := BearerToken(req)
	if !ok {
		t.Fatalf("expected bearer token on request")
	}
	claims, err := verifier.Verify(context.Background(), token)
	if err != nil || !claims.HasScope(ScopeBookingsRead) {
		t.Fatalf("verify authorized request: claims=%+v err=%v", claims, err)
	}
}

func TestVerifierRejectsReplayedToken(t *testing.T) {
	key := mustRSAKey(t)
	signer, err := NewSigner(SignerOptions{Key: key, Issuer: "booking-service"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		Keys:           map[string]*rsa.PublicKey{DefaultKeyID: &key.PublicKey},
		Audience:       "messaging",
		AllowedIssuers: []string{"booking-service"},
		Replay:         NewMemoryReplayGuard(),
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Sign("messaging", ScopeConversationWrite)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), token); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), token); !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	fresh, _ := signer.Sign("messaging", ScopeConversationWrite)
	if _, err := verifier.Verify(context.Background(), fresh); err != nil {
		t.Fatalf("fresh token: %v", err)
	}
}

func TestRedisReplayGuardConsumesOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	guard := NewRedisReplayGuard(client, "test:jti")
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	first, err := guard.Consume(ctx, "svc|jti-1", exp)
	if err != nil || !first {
		t.Fatalf("first consume: first=%v err=%v", first, err)
	}
	again, err := guard.Consume(ctx, "svc|jti-1", exp)
	if err != nil || again {
		t.Fatalf("second consume should report seen: first=%v err=%v", again, err)
	}
	mr.FastForward(2 * time.Minute)
	after, err := guard.Consume(ctx, "svc|jti-1", exp)
	if err != nil || !after {
		t.Fatalf("expired id should be accepted again: first=%v err=%v", after, err)
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	parsed, err := ParseVerifyPublicKeys("k1=/a.pem,k2=/b.pem")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != 2 || parsed["k2"] != "/b.pem" {
		t.Fatalf("unexpected parsed map: %v", parsed)
	}
	if _, err := ParseVerifyPublicKeys("k1"); err == nil {
		t.Fatalf("expected malformed entry to fail")
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	token, ok := BearerToken(req)
	if !ok || token != "abc" {
		t.Fatalf("expected bearer token")
	}
	req.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerToken(req); ok {
		t.Fatalf("expected non-bearer scheme to be ignored")
	}
}

func newInMemoryPair(t *testing.T, signKid, verifyKid, audience string) (*Signer, *Verifier) {
	t.Helper()
	key := mustRSAKey(t)
	signer, err := NewSigner(SignerOptions{Key: key, KeyID: signKid, Issuer: "messaging", TTL: time.Minute})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(VerifierOptions{
		Keys:           map[string]*rsa.PublicKey{verifyKid: &key.PublicKey},
		Audience:       audience,
		AllowedIssuers: []string{"messaging"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return signer, verifier
}

func mustRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key := mustRSAKey(t)
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
