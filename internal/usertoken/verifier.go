package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"motochat/pkg/domain"
)

const (
	defaultIssuer   = "motochat-identity"
	defaultAudience = "motochat-api"
	defaultLeeway   = 30 * time.Second
)

var (
	// ErrRevoked is returned for tokens present in the revocation list.
	ErrRevoked = errors.New("token revoked")
	// ErrInvalidRole is returned when the role claim is missing or unknown.
	ErrInvalidRole = errors.New("token role invalid")
)

// Config configures user access-token verification.
type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
	// RefreshInterval is the minimum gap between key fetches triggered by
	// unknown kids. Zero uses 30s; negative disables the limit.
	RefreshInterval time.Duration
	HTTPClient      *http.Client
	Revoker         Revoker
}

// Claims are the access-token claims issued by the identity provider.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates RS256 user access tokens against the identity
// provider's JWKS and resolves the caller.
type Verifier struct {
	keys    *keySet
	revoker Revoker
	parser  *jwt.Parser
}

// NewVerifier creates a token verifier and loads the initial key set.
func NewVerifier(cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	gap := cfg.RefreshInterval
	if gap == 0 {
		gap = defaultRefreshInterval
	}

	v := &Verifier{
		keys:    newKeySet(jwksURL, cfg.HTTPClient, gap),
		revoker: cfg.Revoker,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := v.keys.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifyPrincipal validates the token and returns the caller with its
// normalized role. This is the single point where the role claim is read.
func (v *Verifier) VerifyPrincipal(ctx context.Context, token string) (domain.Principal, error) {
	claims, err := v.verify(ctx, token)
	if err != nil {
		return domain.Principal{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Principal{}, errors.New("token subject missing")
	}
	role, err := domain.ParseRole(claims.Role)
	if err != nil {
		return domain.Principal{}, ErrInvalidRole
	}
	if v.revoker != nil && claims.ID != "" {
		revoked, err := v.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return domain.Principal{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return domain.Principal{}, ErrRevoked
		}
	}
	return domain.Principal{UserID: subject, Role: role}, nil
}

func (v *Verifier) verify(ctx context.Context, token string) (Claims, error) {
	// Expired keys are refreshed up front; a failed refresh keeps the cached set.
	if v.keys.stale() {
		_ = v.keys.refresh(ctx)
	}
	claims, err := v.parse(token)
	if !errors.Is(err, errUnknownKey) || v.keys.throttled() {
		return claims, err
	}
	if err := v.keys.refresh(ctx); err != nil {
		return claims, err
	}
	return v.parse(token)
}

func (v *Verifier) parse(token string) (Claims, error) {
	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := v.keys.key(strings.TrimSpace(kid))
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	})
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	return claims, nil
}
