package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ErrRevoked is returned for tokens whose ID was revoked at logout.
var ErrRevoked = errors.New("token revoked")

// Claims are the identity provider claims the API consumes.
type Claims struct {
	jwt.RegisteredClaims
	Email      string `json:"email,omitempty"`
	GivenName  string `json:"given_name,omitempty"`
	FamilyName string `json:"family_name,omitempty"`
	Picture    string `json:"picture,omitempty"`
}

type Config struct {
	JWKSURL  string
	Issuer   string
	Audience string
	// Leeway absorbs clock skew on exp, nbf and iat. Defaults to 30s.
	Leeway     time.Duration
	HTTPClient *http.Client
	// Revoker is optional; without it logout cannot invalidate tokens.
	Revoker Revoker
}

// Verifier validates RS256 access tokens issued by the external identity provider.
type Verifier struct {
	keys    *keySet
	parser  *jwt.Parser
	revoker Revoker
}

// NewVerifier fetches the JWKS once so that a misconfigured URL fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "lexcomply-idp"
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = "lexcomply-api"
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}

	v := &Verifier{
		keys: newKeySet(url, hc),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithAudience(audience),
			jwt.WithIssuedAt(),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
		revoker: cfg.Revoker,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := v.keys.refresh(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify checks signature, registered claims and revocation.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errUnknownKey
		}
		return v.keys.key(ctx, kid)
	})
	if err != nil {
		return Claims{}, err
	}
	claims.Subject = strings.TrimSpace(claims.Subject)
	if claims.Subject == "" {
		return Claims{}, errors.New("token subject missing")
	}
	if v.revoker != nil && claims.ID != "" {
		revoked, err := v.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Claims{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Claims{}, ErrRevoked
		}
	}
	return claims, nil
}

// Revoke denies the token's jti until the token would have expired anyway.
func (v *Verifier) Revoke(ctx context.Context, claims Claims) error {
	if v.revoker == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	return v.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}
