// Package servicetoken issues and verifies the short-lived RS256 JWTs that
// services present to each other on internal endpoints.
package servicetoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL is the default lifetime for service-to-service tokens.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is clock skew tolerance for token validation.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID is the default key id used for service RS256 JWTs.
	DefaultKeyID = "internal-active"
)

// Scopes carried by service tokens.
const (
	ScopeBookingsRead      = "bookings:read"
	ScopeUsersRead         = "users:read"
	ScopeConversationWrite = "conversations:write"
)

// Claims are the claims carried by service tokens.
type Claims struct {
	Scope []string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the token grants scope.
func (c Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scope, scope)
}

// Signer issues short-lived service JWTs. The issuer doubles as the subject.
type Signer struct {
	service string
	ttl     time.Duration
	key     *rsa.PrivateKey
	kid     string
}

// SignerOptions configures service token signing. Key takes precedence
// over PrivateKeyPath.
type SignerOptions struct {
	PrivateKeyPath string
	Key            *rsa.PrivateKey
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// NewSigner creates an RS256 signer.
func NewSigner(opts SignerOptions) (*Signer, error) {
	service := strings.TrimSpace(opts.Issuer)
	if service == "" {
		return nil, errors.New("service token issuer is required")
	}
	s := &Signer{service: service, ttl: opts.TTL, key: opts.Key, kid: strings.TrimSpace(opts.KeyID)}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	if s.kid == "" {
		s.kid = DefaultKeyID
	}
	if s.key == nil {
		path := strings.TrimSpace(opts.PrivateKeyPath)
		if path == "" {
			return nil, errors.New("service token private key is required")
		}
		key, err := loadPrivateKey(path)
		if err != nil {
			return nil, fmt.Errorf("load service jwt private key: %w", err)
		}
		s.key = key
	}
	return s, nil
}

// Sign issues a single-use token for audience carrying the given scopes.
func (s *Signer) Sign(audience string, scopes ...string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := time.Now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Scope: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.service,
			Subject:   s.service,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	})
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Authorize sets a freshly signed bearer token on an outbound request.
func (s *Signer) Authorize(req *http.Request, audience string, scopes ...string) error {
	token, err := s.Sign(audience, scopes...)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
	if !ok {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
