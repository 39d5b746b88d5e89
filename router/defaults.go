package router

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/event"
)

// Publisher is satisfied by *broker.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, env event.Envelope) (int64, error)
}

// Presence is satisfied by *presence.Tracker.
type Presence interface {
	Track(ctx context.Context, websiteID, principalID string, kind auth.Kind, connectionID string) error
	Untrack(ctx context.Context, connectionID string) error
}

// DefaultHandlers re-broadcasts locally originated events: connection and
// presence changes go to the website channel so operators see them, and
// conversation activity goes to the conversation channel plus the website
// channel. pres may be nil.
func DefaultHandlers(pub Publisher, pres Presence, lg *zap.Logger) Handlers {
	if lg == nil {
		lg = zap.NewNop()
	}
	r := relay{pub: pub, pres: pres, lg: lg}
	return Handlers{
		UserConnected:       r.connected(event.TypeUserConnected),
		UserDisconnected:    r.disconnected(event.TypeUserDisconnected),
		VisitorConnected:    r.connected(event.TypeVisitorConnected),
		VisitorDisconnected: r.disconnected(event.TypeVisitorDisconnected),
		UserPresenceUpdate: func(ctx context.Context, _ Context, d event.UserPresenceData) error {
			return r.publish(ctx, event.TypeUserPresenceUpdate, d, event.WebsiteChannel(d.WebsiteID))
		},
		NewMessage: func(ctx context.Context, _ Context, d event.NewMessageData) error {
			return r.publish(ctx, event.TypeNewMessage, d, event.ConversationChannel(d.ConversationID), event.WebsiteChannel(d.WebsiteID))
		},
		NewConversation: func(ctx context.Context, _ Context, d event.NewConversationData) error {
			return r.publish(ctx, event.TypeNewConversation, d, event.WebsiteChannel(d.WebsiteID))
		},
		ConversationSeen: func(ctx context.Context, _ Context, d event.ConversationSeenData) error {
			return r.publish(ctx, event.TypeConversationSeen, d, event.ConversationChannel(d.ConversationID), event.WebsiteChannel(d.WebsiteID))
		},
		ConversationTyping: func(ctx context.Context, _ Context, d event.ConversationTypingData) error {
			return r.publish(ctx, event.TypeConversationTyping, d, event.ConversationChannel(d.ConversationID), event.WebsiteChannel(d.WebsiteID))
		},
		ConversationStatusUpdated: func(ctx context.Context, _ Context, d event.ConversationStatusData) error {
			return r.publish(ctx, event.TypeConversationStatusUpdated, d, event.ConversationChannel(d.ConversationID), event.WebsiteChannel(d.WebsiteID))
		},
	}
}

type relay struct {
	pub  Publisher
	pres Presence
	lg   *zap.Logger
}

func (r relay) connected(t event.Type) Handler[event.ConnectionData] {
	return func(ctx context.Context, rc Context, d event.ConnectionData) error {
		var errs []error
		if r.pres != nil {
			if err := r.pres.Track(ctx, d.WebsiteID, d.PrincipalID, rc.PrincipalKind, d.ConnectionID); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, r.publish(ctx, t, d, event.WebsiteChannel(d.WebsiteID)))
		return errors.Join(errs...)
	}
}

func (r relay) disconnected(t event.Type) Handler[event.ConnectionData] {
	return func(ctx context.Context, _ Context, d event.ConnectionData) error {
		var errs []error
		if r.pres != nil {
			if err := r.pres.Untrack(ctx, d.ConnectionID); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, r.publish(ctx, t, d, event.WebsiteChannel(d.WebsiteID)))
		return errors.Join(errs...)
	}
}

func (r relay) publish(ctx context.Context, t event.Type, data any, channels ...event.Channel) error {
	env, err := event.New(t, data)
	if err != nil {
		return err
	}
	var errs []error
	for _, ch := range channels {
		if ch.Target() == "" {
			continue
		}
		n, err := r.pub.Publish(ctx, ch.String(), env)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s to %s: %w", t, ch, err))
			continue
		}
		r.lg.Debug("router relayed event", zap.String("type", t.String()), zap.String("channel", ch.String()), zap.Int64("delivered", n))
	}
	return errors.Join(errs...)
}
