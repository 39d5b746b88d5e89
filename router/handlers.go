package router

import (
	"context"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/event"
)

// Context carries who originated an event and where it is headed.
type Context struct {
	ConnectionID  string
	PrincipalID   string
	PrincipalKind auth.Kind
	WebsiteID     string
	// Channel is the channel the event arrived on or targets, if known.
	Channel string
}

type Handler[T any] func(ctx context.Context, rc Context, data T) error

// Handlers has one field per event.Type. A nil field means events of that
// type are logged and dropped.
type Handlers struct {
	UserConnected             Handler[event.ConnectionData]
	UserDisconnected          Handler[event.ConnectionData]
	VisitorConnected          Handler[event.ConnectionData]
	VisitorDisconnected       Handler[event.ConnectionData]
	UserPresenceUpdate        Handler[event.UserPresenceData]
	NewMessage                Handler[event.NewMessageData]
	NewConversation           Handler[event.NewConversationData]
	ConversationSeen          Handler[event.ConversationSeenData]
	ConversationTyping        Handler[event.ConversationTypingData]
	ConversationStatusUpdated Handler[event.ConversationStatusData]
}

type dispatchFunc func(ctx context.Context, env event.Envelope, rc Context) error

// table must list every event.Type; router_test enforces it.
func (h Handlers) table() map[event.Type]dispatchFunc {
	return map[event.Type]dispatchFunc{
		event.TypeUserConnected:             bind(h.UserConnected),
		event.TypeUserDisconnected:          bind(h.UserDisconnected),
		event.TypeVisitorConnected:          bind(h.VisitorConnected),
		event.TypeVisitorDisconnected:       bind(h.VisitorDisconnected),
		event.TypeUserPresenceUpdate:        bind(h.UserPresenceUpdate),
		event.TypeNewMessage:                bind(h.NewMessage),
		event.TypeNewConversation:           bind(h.NewConversation),
		event.TypeConversationSeen:          bind(h.ConversationSeen),
		event.TypeConversationTyping:        bind(h.ConversationTyping),
		event.TypeConversationStatusUpdated: bind(h.ConversationStatusUpdated),
	}
}

func bind[T any](h Handler[T]) dispatchFunc {
	if h == nil {
		return nil
	}
	return func(ctx context.Context, env event.Envelope, rc Context) error {
		data, err := event.DecodeData[T](env)
		if err != nil {
			return err
		}
		return h(ctx, rc, data)
	}
}
