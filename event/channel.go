package event

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidChannel = errors.New("event: invalid channel")

type Scope string

const (
	ScopeConversation Scope = "conversation"
	ScopeWebsite      Scope = "website"
	ScopeConnection   Scope = "connection"
)

// Channel names a broker topic. The scope is encoded only by the prefix, so a
// channel string always maps back to exactly one (scope, target) pair.
type Channel string

func ConversationChannel(conversationID string) Channel {
	return newChannel(ScopeConversation, conversationID)
}

func WebsiteChannel(websiteID string) Channel {
	return newChannel(ScopeWebsite, websiteID)
}

func ConnectionChannel(connectionID string) Channel {
	return newChannel(ScopeConnection, connectionID)
}

func newChannel(scope Scope, id string) Channel {
	return Channel(string(scope) + ":" + id)
}

func ParseChannel(s string) (Channel, error) {
	scope, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, s)
	}
	switch Scope(scope) {
	case ScopeConversation, ScopeWebsite, ScopeConnection:
		return Channel(s), nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", ErrInvalidChannel, scope)
	}
}

func (c Channel) Scope() Scope {
	scope, _, _ := strings.Cut(string(c), ":")
	return Scope(scope)
}

func (c Channel) Target() string {
	_, id, _ := strings.Cut(string(c), ":")
	return id
}

func (c Channel) String() string { return string(c) }
