package gateway

import (
	"fmt"

	"github.com/infigaming-com/go-realtime/auth"
	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
)

// Authorizer decides whether p may subscribe to ch.
type Authorizer interface {
	Authorize(p auth.Principal, ch event.Channel) error
}

type AuthorizerFunc func(p auth.Principal, ch event.Channel) error

func (f AuthorizerFunc) Authorize(p auth.Principal, ch event.Channel) error {
	return f(p, ch)
}

// DefaultAuthorizer lets operators observe websites in their scope and lets
// anyone follow a conversation. Conversation ownership is enforced by the
// persistence layer, not here.
func DefaultAuthorizer() Authorizer {
	return AuthorizerFunc(func(p auth.Principal, ch event.Channel) error {
		switch ch.Scope() {
		case event.ScopeWebsite:
			if !p.IsOperator() {
				return rterr.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s: operators only", ch))
			}
			if !p.CanAccessWebsite(ch.Target()) {
				return rterr.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s: website not in scope", ch))
			}
			return nil
		case event.ScopeConversation:
			return nil
		default:
			return rterr.ErrAuthorizationDenied.Wrap(fmt.Errorf("%s: not subscribable", ch))
		}
	})
}
