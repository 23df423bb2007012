package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	defaultJWKSCacheTTL    = 5 * time.Minute
	defaultRefreshInterval = 30 * time.Second
)

var errUnknownKey = errors.New("unknown token key")

// keySet caches the identity provider's RSA signing keys by kid.
//
// Concurrent refreshes share one fetch, and fetches caused by unknown kids are
// spaced at least minGap apart so forged kids cannot hammer the provider.
type keySet struct {
	url    string
	client *http.Client
	minGap time.Duration
	now    func() time.Time
	group  singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expires   time.Time
	fetchedAt time.Time
}

func newKeySet(url string, client *http.Client, minGap time.Duration) *keySet {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &keySet{url: url, client: client, minGap: minGap, now: time.Now}
}

func (s *keySet) key(kid string) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[kid]
	return key, ok
}

func (s *keySet) stale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().After(s.expires)
}

// throttled reports whether the last fetch is too recent for another one.
func (s *keySet) throttled() bool {
	if s.minGap <= 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Sub(s.fetchedAt) < s.minGap
}

func (s *keySet) refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("jwks", func() (any, error) {
		return nil, s.fetch(ctx)
	})
	return err
}

func (s *keySet) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if kid == "" || !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
			continue
		}
		pub, err := k.publicKey()
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	now := s.now()
	s.mu.Lock()
	s.keys = keys
	s.expires = now.Add(ttl)
	s.fetchedAt = now
	s.mu.Unlock()
	return nil
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.N))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(k.E))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// maxAge extracts max-age from a Cache-Control header; zero when absent.
func maxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		raw, ok := strings.CutPrefix(part, "max-age=")
		if !ok {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
