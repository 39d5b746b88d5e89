// Package protocol defines the JSON text messages exchanged between a
// connection holder and the gateway. Relayed broker events travel as plain
// event.Envelope objects alongside the control messages below.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
)

var ErrUnknownMessageType = errors.New("protocol: unknown message type")

type Kind string

// Client to server.
const (
	KindPing                    Kind = "ping"
	KindSubscribeConversation   Kind = "subscribe_conversation"
	KindSubscribeWebsite        Kind = "subscribe_website"
	KindUnsubscribeConversation Kind = "unsubscribe_conversation"
	KindUnsubscribeWebsite      Kind = "unsubscribe_website"
	KindTypingStart             Kind = "typing_start"
	KindTypingStop              Kind = "typing_stop"
	KindTypingProgress          Kind = "typing_progress"
)

// Server to client.
const (
	KindPong                  Kind = "pong"
	KindSubscriptionConfirmed Kind = "subscription_confirmed"
	KindSubscriptionError     Kind = "subscription_error"
	KindConnectionEstablished Kind = "connection_established"
)

type ClientMessage struct {
	Type           Kind   `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	WebsiteID      string `json:"websiteId,omitempty"`
	Content        string `json:"content,omitempty"`
}

// ParseClientMessage decodes and validates one client frame. Every error
// matches errors.ErrInvalidMessage; unknown kinds also match
// ErrUnknownMessageType.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, rterr.ErrInvalidMessage.Wrap(fmt.Errorf("decode: %w", err))
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

func (m ClientMessage) Validate() error {
	switch m.Type {
	case KindPing:
		return nil
	case KindSubscribeConversation, KindUnsubscribeConversation, KindTypingStart, KindTypingStop, KindTypingProgress:
		if m.ConversationID == "" {
			return rterr.ErrInvalidMessage.Wrap(fmt.Errorf("%s: conversationId required", m.Type))
		}
		return nil
	case KindSubscribeWebsite, KindUnsubscribeWebsite:
		if m.WebsiteID == "" {
			return rterr.ErrInvalidMessage.Wrap(fmt.Errorf("%s: websiteId required", m.Type))
		}
		return nil
	case "":
		return rterr.ErrInvalidMessage.Wrap(errors.New("type required"))
	default:
		return rterr.ErrInvalidMessage.Wrap(fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type))
	}
}

// Channel is the channel a subscribe or unsubscribe message refers to.
func (m ClientMessage) Channel() (event.Channel, bool) {
	switch m.Type {
	case KindSubscribeConversation, KindUnsubscribeConversation:
		return event.ConversationChannel(m.ConversationID), true
	case KindSubscribeWebsite, KindUnsubscribeWebsite:
		return event.WebsiteChannel(m.WebsiteID), true
	default:
		return "", false
	}
}

func Ping() ClientMessage { return ClientMessage{Type: KindPing} }

func SubscribeConversation(id string) ClientMessage {
	return ClientMessage{Type: KindSubscribeConversation, ConversationID: id}
}

func SubscribeWebsite(id string) ClientMessage {
	return ClientMessage{Type: KindSubscribeWebsite, WebsiteID: id}
}

func UnsubscribeConversation(id string) ClientMessage {
	return ClientMessage{Type: KindUnsubscribeConversation, ConversationID: id}
}

func UnsubscribeWebsite(id string) ClientMessage {
	return ClientMessage{Type: KindUnsubscribeWebsite, WebsiteID: id}
}

func TypingStart(conversationID string) ClientMessage {
	return ClientMessage{Type: KindTypingStart, ConversationID: conversationID}
}

func TypingStop(conversationID string) ClientMessage {
	return ClientMessage{Type: KindTypingStop, ConversationID: conversationID}
}

func TypingProgress(conversationID, content string) ClientMessage {
	return ClientMessage{Type: KindTypingProgress, ConversationID: conversationID, Content: content}
}

// SubscribeFor builds the subscribe message for a conversation or website
// channel.
func SubscribeFor(ch event.Channel) (ClientMessage, bool) {
	switch ch.Scope() {
	case event.ScopeConversation:
		return SubscribeConversation(ch.Target()), true
	case event.ScopeWebsite:
		return SubscribeWebsite(ch.Target()), true
	default:
		return ClientMessage{}, false
	}
}

// ServerMessage is any frame the gateway sends. Control frames use the
// control fields; relayed envelopes use Data and Timestamp.
type ServerMessage struct {
	Type         string          `json:"type"`
	Channel      string          `json:"channel,omitempty"`
	Error        string          `json:"error,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	ServerTime   int64           `json:"serverTime,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, rterr.ErrInvalidMessage.Wrap(fmt.Errorf("decode: %w", err))
	}
	if msg.Type == "" {
		return ServerMessage{}, rterr.ErrInvalidMessage.Wrap(errors.New("type required"))
	}
	return msg, nil
}

func (m ServerMessage) Kind() Kind { return Kind(m.Type) }

// Envelope reports whether m is a relayed event and returns it.
func (m ServerMessage) Envelope() (event.Envelope, bool) {
	t := event.Type(m.Type)
	if !t.Valid() {
		return event.Envelope{}, false
	}
	return event.Envelope{Type: t, Data: m.Data, Timestamp: m.Timestamp}, true
}

func Pong() ServerMessage { return ServerMessage{Type: string(KindPong)} }

func SubscriptionConfirmed(ch event.Channel) ServerMessage {
	return ServerMessage{Type: string(KindSubscriptionConfirmed), Channel: ch.String()}
}

func SubscriptionError(reason string, ch event.Channel) ServerMessage {
	return ServerMessage{Type: string(KindSubscriptionError), Error: reason, Channel: ch.String()}
}

func ConnectionEstablished(connectionID string, now time.Time) ServerMessage {
	return ServerMessage{Type: string(KindConnectionEstablished), ConnectionID: connectionID, ServerTime: now.UnixMilli()}
}
