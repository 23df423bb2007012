package servicetoken

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrReplayed is returned when a token id has already been presented.
var ErrReplayed = errors.New("service token replayed")

// Verifier validates service JWTs against an audience and issuer allowlist.
type Verifier struct {
	issuers map[string]bool
	keys    map[string]*rsa.PublicKey
	parser  *jwt.Parser
	replay  ReplayGuard
}

// VerifierOptions configures service token verification. Keys are merged
// with the PEM files named by PublicKeyPath and VerifyPublicKeyMap.
type VerifierOptions struct {
	PublicKeyPath      string
	VerifyPublicKeyMap map[string]string
	Keys               map[string]*rsa.PublicKey
	DefaultKeyID       string
	Audience           string
	AllowedIssuers     []string
	Leeway             time.Duration
	// Replay, when set, rejects a second use of the same jti.
	Replay ReplayGuard
}

// NewVerifier creates a verifier using RSA public keys.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	v := &Verifier{
		issuers: make(map[string]bool),
		keys:    make(map[string]*rsa.PublicKey),
		replay:  opts.Replay,
	}
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers[issuer] = true
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	if err := v.loadKeys(opts); err != nil {
		return nil, err
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)
	return v, nil
}

func (v *Verifier) loadKeys(opts VerifierOptions) error {
	for kid, pub := range opts.Keys {
		if kid = strings.TrimSpace(kid); kid != "" && pub != nil {
			v.keys[kid] = pub
		}
	}
	files := make(map[string]string, len(opts.VerifyPublicKeyMap)+1)
	if path := strings.TrimSpace(opts.PublicKeyPath); path != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		files[kid] = path
	}
	for kid, path := range opts.VerifyPublicKeyMap {
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if kid != "" && path != "" {
			files[kid] = path
		}
	}
	for kid, path := range files {
		pub, err := loadPublicKey(path)
		if err != nil {
			return fmt.Errorf("load service verify key %q: %w", kid, err)
		}
		v.keys[kid] = pub
	}
	if len(v.keys) == 0 {
		return errors.New("service token verifier requires rsa public key")
	}
	return nil
}

// Verify validates signature, expiry, audience and issuer, then consumes the
// token id when a replay guard is configured.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := v.keys[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	})
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	switch {
	case !v.issuers[claims.Issuer]:
		return claims, errors.New("issuer not allowed")
	case claims.ID == "":
		return claims, errors.New("jti required")
	case strings.TrimSpace(claims.Subject) == "":
		return claims, errors.New("subject required")
	}
	if v.replay != nil {
		first, err := v.replay.Consume(ctx, claims.Issuer+"|"+claims.ID, claims.ExpiresAt.Time)
		if err != nil {
			return claims, fmt.Errorf("replay check: %w", err)
		}
		if !first {
			return claims, ErrReplayed
		}
	}
	return claims, nil
}
