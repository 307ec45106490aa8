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

var errUnknownKey = errors.New("unknown signing key")

// keySet caches the identity provider's RSA signing keys by kid. Lookups of
// an unknown kid trigger at most one refresh per minRefresh so that forged
// kids cannot hammer the IdP.
type keySet struct {
	url        string
	hc         *http.Client
	defaultTTL time.Duration
	minRefresh time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expires   time.Time
	fetchedAt time.Time
}

func newKeySet(url string, hc *http.Client) *keySet {
	return &keySet{
		url:        url,
		hc:         hc,
		defaultTTL: 5 * time.Minute,
		minRefresh: 10 * time.Second,
	}
}

func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	k, ok := s.keys[kid]
	stale := time.Now().After(s.expires)
	recent := time.Since(s.fetchedAt) < s.minRefresh
	s.mu.RUnlock()

	if ok && !stale {
		return k, nil
	}
	if !ok && !stale && recent {
		return nil, errUnknownKey
	}
	if err := s.refresh(ctx); err != nil {
		if ok {
			// Serve the stale key rather than locking everyone out during an IdP blip.
			return k, nil
		}
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.keys[kid]; ok {
		return k, nil
	}
	return nil, errUnknownKey
}

func (s *keySet) refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("jwks", func() (any, error) {
		return nil, s.fetch(ctx)
	})
	return err
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (s *keySet) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.hc.Do(req)
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
		if !strings.EqualFold(k.Kty, "RSA") || k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks has no usable RSA signing keys")
	}

	now := time.Now()
	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	s.keys = keys
	s.fetchedAt = now
	s.expires = now.Add(ttl)
	s.mu.Unlock()
	return nil
}

func (k jwk) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	if len(n) == 0 || len(e) == 0 || len(e) > 4 {
		return nil, errors.New("malformed rsa key")
	}
	exp := int(new(big.Int).SetBytes(e).Int64())
	if exp < 3 {
		return nil, errors.New("malformed rsa exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: exp}, nil
}

// maxAge returns the Cache-Control max-age directive, or 0.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.Trim(value, `" `))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
