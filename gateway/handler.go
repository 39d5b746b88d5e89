package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/auth"
	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/protocol"
	"github.com/infigaming-com/go-realtime/registry"
	"github.com/infigaming-com/go-realtime/router"
	"github.com/infigaming-com/go-realtime/util"
)

// Dispatcher is satisfied by *router.Router.
type Dispatcher interface {
	Go(ctx context.Context, env event.Envelope, rc router.Context) error
	TryGo(ctx context.Context, env event.Envelope, rc router.Context) error
	Pending() int
}

// Handler upgrades authenticated requests to websocket connections and runs
// the connection protocol on them.
type Handler struct {
	authn    auth.Authenticator
	registry *registry.Registry
	dispatch Dispatcher
	upgrader websocket.Upgrader
	cfg      *handlerOptions
}

func NewHandler(authn auth.Authenticator, reg *registry.Registry, dispatch Dispatcher, opts ...HandlerOption) (*Handler, error) {
	if authn == nil || reg == nil || dispatch == nil {
		return nil, errors.New("gateway: authenticator, registry and dispatcher are required")
	}
	cfg := defaultHandlerOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	h := &Handler{authn: authn, registry: reg, dispatch: dispatch, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h, nil
}

func (h *Handler) Registry() *registry.Registry { return h.registry }

func (h *Handler) Dispatcher() Dispatcher { return h.dispatch }

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.allowedOrigins) == 0 {
		return true
	}
	return lo.Contains(h.cfg.allowedOrigins, origin)
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		if token, ok := strings.CutPrefix(v, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

func statusOf(err error) int {
	var e *rterr.Error
	if errors.As(err, &e) && e.GetStatusCode() != 0 {
		return e.GetStatusCode()
	}
	return http.StatusUnauthorized
}

// ServeWS authenticates once, upgrades, and blocks until the connection is
// gone.
func (h *Handler) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	lg := h.cfg.lg

	token := bearerToken(c.Request)
	if token == "" {
		err := rterr.ErrUnauthenticated.Wrap(errors.New("missing token"))
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	principal, err := h.authn.Authenticate(ctx, auth.Credentials{Token: token})
	if err != nil {
		lg.Info("websocket authentication failed", zap.Error(err))
		c.AbortWithStatusJSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the response
		lg.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	id := util.NewConnectionID()
	ctx = util.ConnectionIdToCtx(ctx, id)
	cn := newConn(id, principal, ws, h.cfg)
	if err := h.registry.Register(&registry.Connection{ID: id, Principal: principal, OpenedAt: h.cfg.now(), Transport: cn}); err != nil {
		lg.Error("register connection", zap.String("connection_id", id), zap.Error(err))
		_ = ws.Close()
		return
	}
	go cn.writeLoop()

	self := event.ConnectionChannel(id)
	if err := h.registry.Subscribe(ctx, id, self.String()); err != nil {
		cn.lg.Warn("connection channel unavailable", zap.Error(err))
		_ = cn.reply(protocol.SubscriptionError(err.Error(), self))
	}
	_ = cn.reply(protocol.ConnectionEstablished(id, h.cfg.now()))
	h.announce(ctx, cn, true)

	h.readLoop(ctx, cn)

	h.registry.Unregister(id)
	h.announce(ctx, cn, false)
}

func (h *Handler) readLoop(ctx context.Context, cn *conn) {
	ws := cn.ws
	ws.SetReadLimit(h.cfg.maxMessage)
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(h.cfg.pongTimeout)) }
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				cn.lg.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		extend()
		h.handleMessage(ctx, cn, data)
	}
}

func (h *Handler) handleMessage(ctx context.Context, cn *conn, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		ch, _ := msg.Channel()
		cn.lg.Debug("rejected client message", zap.Error(err))
		h.replyOrLog(cn, protocol.SubscriptionError(err.Error(), ch))
		return
	}

	switch msg.Type {
	case protocol.KindPing:
		h.replyOrLog(cn, protocol.Pong())

	case protocol.KindSubscribeConversation, protocol.KindSubscribeWebsite:
		ch, _ := msg.Channel()
		if err := h.cfg.authorizer.Authorize(cn.principal, ch); err != nil {
			h.replyOrLog(cn, protocol.SubscriptionError(err.Error(), ch))
			return
		}
		if err := h.registry.Subscribe(ctx, cn.id, ch.String()); err != nil {
			cn.lg.Warn("subscribe failed", zap.String("channel", ch.String()), zap.Error(err))
			h.replyOrLog(cn, protocol.SubscriptionError(err.Error(), ch))
			return
		}
		h.replyOrLog(cn, protocol.SubscriptionConfirmed(ch))

	case protocol.KindUnsubscribeConversation, protocol.KindUnsubscribeWebsite:
		ch, _ := msg.Channel()
		h.registry.Unsubscribe(cn.id, ch.String())

	case protocol.KindTypingStart, protocol.KindTypingStop, protocol.KindTypingProgress:
		websiteID := msg.WebsiteID
		if !cn.principal.CanAccessWebsite(websiteID) {
			websiteID = cn.principal.PrimaryWebsite()
		}
		typing := event.ConversationTypingData{
			WebsiteID:      websiteID,
			ConversationID: msg.ConversationID,
			PrincipalID:    cn.principal.ID,
			PrincipalKind:  string(cn.principal.Kind),
			IsTyping:       msg.Type != protocol.KindTypingStop,
			Preview:        msg.Content,
		}
		h.route(ctx, cn, event.TypeConversationTyping, typing, websiteID, event.ConversationChannel(msg.ConversationID).String(), true)
	}
}

func (h *Handler) replyOrLog(cn *conn, msg protocol.ServerMessage) {
	if err := cn.reply(msg); err != nil {
		cn.lg.Debug("drop reply", zap.String("type", msg.Type), zap.Error(err))
	}
}

// announce emits one connect or disconnect event per website in the
// principal's scope.
func (h *Handler) announce(ctx context.Context, cn *conn, connected bool) {
	t := event.TypeVisitorConnected
	switch {
	case cn.principal.IsOperator() && connected:
		t = event.TypeUserConnected
	case cn.principal.IsOperator():
		t = event.TypeUserDisconnected
	case !connected:
		t = event.TypeVisitorDisconnected
	}
	// the request context ends with the connection
	ctx = context.WithoutCancel(ctx)
	at := h.cfg.now().UnixMilli()
	for _, websiteID := range cn.principal.WebsiteIDs {
		data := event.ConnectionData{ConnectionID: cn.id, PrincipalID: cn.principal.ID, WebsiteID: websiteID, At: at}
		h.route(ctx, cn, t, data, websiteID, event.WebsiteChannel(websiteID).String(), false)
	}
}

// route dispatches asynchronously. Ephemeral events are dropped rather than
// stalling the read loop when the router is saturated.
func (h *Handler) route(ctx context.Context, cn *conn, t event.Type, data any, websiteID, channel string, ephemeral bool) {
	env, err := event.New(t, data)
	if err != nil {
		cn.lg.Error("build event", zap.String("type", t.String()), zap.Error(err))
		return
	}
	rc := router.Context{
		ConnectionID:  cn.id,
		PrincipalID:   cn.principal.ID,
		PrincipalKind: cn.principal.Kind,
		WebsiteID:     websiteID,
		Channel:       channel,
	}
	dispatch := h.dispatch.Go
	if ephemeral {
		dispatch = h.dispatch.TryGo
	}
	if err := dispatch(ctx, env, rc); err != nil {
		cn.lg.Warn("dispatch event", zap.String("type", t.String()), zap.Error(err))
	}
}
