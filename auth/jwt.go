package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	rterr "github.com/infigaming-com/go-realtime/errors"
)

type claims struct {
	jwt.RegisteredClaims
	Kind       Kind     `json:"kind"`
	WebsiteIDs []string `json:"website_ids"`
}

// JWTAuthenticator validates HMAC-signed bearer tokens carrying sub, kind and
// website_ids claims.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type JWTOption func(*JWTAuthenticator)

func WithIssuer(issuer string) JWTOption {
	return func(a *JWTAuthenticator) {
		a.issuer = issuer
	}
}

func WithClock(now func() time.Time) JWTOption {
	return func(a *JWTAuthenticator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewJWTAuthenticator(secret []byte, opts ...JWTOption) (*JWTAuthenticator, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: jwt secret required")
	}
	a := &JWTAuthenticator{secret: secret, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, creds Credentials) (Principal, error) {
	token := strings.TrimSpace(creds.Token)
	if token == "" {
		return Principal{}, rterr.ErrUnauthenticated.Wrap(errors.New("token required"))
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	var parsed claims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, parserOpts...)
	if err != nil {
		return Principal{}, rterr.ErrUnauthenticated.Wrap(err)
	}
	if parsed.Subject == "" {
		return Principal{}, rterr.ErrUnauthenticated.Wrap(errors.New("sub claim required"))
	}
	if !parsed.Kind.Valid() {
		return Principal{}, rterr.ErrUnauthenticated.Wrap(fmt.Errorf("unknown principal kind %q", parsed.Kind))
	}
	return Principal{
		ID:         parsed.Subject,
		Kind:       parsed.Kind,
		WebsiteIDs: parsed.WebsiteIDs,
		ExpiresAt:  parsed.ExpiresAt.Time,
	}, nil
}

// Issue signs a token for p valid for ttl. Used by tooling and tests; real
// tokens come from the identity service.
func (a *JWTAuthenticator) Issue(p Principal, ttl time.Duration) (string, error) {
	now := a.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind:       p.Kind,
		WebsiteIDs: p.WebsiteIDs,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
}
