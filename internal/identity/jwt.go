package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stratabase/strata/internal/domain"
)

const (
	accessTokenTTL  = 15 * time.Minute
	refreshTokenTTL = 30 * 24 * time.Hour

	kindAccess  = "access"
	kindRefresh = "refresh"
)

// TokenPair is one login's credentials: a short-lived access token and the
// refresh token that renews it.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type claims struct {
	jwt.RegisteredClaims
	Kind  string `json:"kind"`
	Epoch int64  `json:"epoch"`
	Admin bool   `json:"admin"`
}

// TokenIssuer signs and parses the HS256 session tokens. The epoch claim
// binds a token to the user's revocation generation.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

func (ti *TokenIssuer) Issue(u *domain.User) (*TokenPair, error) {
	access, err := ti.sign(u, kindAccess, accessTokenTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := ti.sign(u, kindRefresh, refreshTokenTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(accessTokenTTL.Seconds()),
	}, nil
}

func (ti *TokenIssuer) sign(u *domain.User, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    "strata",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind:  kind,
		Epoch: u.TokenEpoch,
		Admin: u.IsAdmin,
	})
	signed, err := tok.SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

func (ti *TokenIssuer) parse(tokenStr, wantKind string) (*claims, error) {
	tok, err := jwt.ParseWithClaims(tokenStr, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return ti.secret, nil
	}, jwt.WithIssuer("strata"), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", domain.ErrUnauthorized)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, fmt.Errorf("invalid token claims: %w", domain.ErrUnauthorized)
	}
	if c.Kind != wantKind {
		return nil, fmt.Errorf("%s token used as %s: %w", c.Kind, wantKind, domain.ErrUnauthorized)
	}
	return c, nil
}
