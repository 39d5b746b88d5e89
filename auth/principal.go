package auth

import (
	"context"
	"slices"
	"time"
)

type Kind string

const (
	KindVisitor  Kind = "visitor"
	KindOperator Kind = "operator"
)

func (k Kind) Valid() bool {
	return k == KindVisitor || k == KindOperator
}

// Principal is the identity behind a connection. WebsiteIDs is the tenant
// scope the principal may observe.
type Principal struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	WebsiteIDs []string  `json:"websiteIds"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func (p Principal) IsOperator() bool { return p.Kind == KindOperator }

func (p Principal) CanAccessWebsite(websiteID string) bool {
	return websiteID != "" && slices.Contains(p.WebsiteIDs, websiteID)
}

// PrimaryWebsite is the first website in scope, which for visitors is the
// site they are chatting on.
func (p Principal) PrimaryWebsite() string {
	if len(p.WebsiteIDs) == 0 {
		return ""
	}
	return p.WebsiteIDs[0]
}

type Credentials struct {
	Token string
}

type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Principal, error)
}

type AuthenticatorFunc func(ctx context.Context, creds Credentials) (Principal, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	return f(ctx, creds)
}
