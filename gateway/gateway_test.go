package gateway_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/bridge"
	"github.com/infigaming-com/go-realtime/broker"
	"github.com/infigaming-com/go-realtime/broker/driver/inmem"
	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/gateway"
	"github.com/infigaming-com/go-realtime/protocol"
	"github.com/infigaming-com/go-realtime/registry"
	"github.com/infigaming-com/go-realtime/router"
)

var secret = []byte("gateway-test-secret")

type fixture struct {
	tr       *inmem.Transport
	broker   *broker.Client
	bridge   *bridge.Manager
	registry *registry.Registry
	jwt      *auth.JWTAuthenticator
	server   *gateway.Server
	ts       *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tr := inmem.New()
	bc, err := broker.New(tr, broker.WithRetryPolicy(broker.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}))
	require.NoError(t, err)
	bm, err := bridge.New(bc, bridge.WithReconnectPolicy(bridge.ReconnectPolicy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bm.Shutdown(context.Background()) })

	reg := registry.New(bm)
	rt := router.New(router.DefaultHandlers(bc, nil, nil), router.WithWorkers(1, 64))
	t.Cleanup(rt.Close)

	jwtAuth, err := auth.NewJWTAuthenticator(secret)
	require.NoError(t, err)

	h, err := gateway.NewHandler(jwtAuth, reg, rt, gateway.WithPongTimeout(5*time.Second))
	require.NoError(t, err)
	srv := gateway.NewServer(h, gateway.WithMode(gin.TestMode))
	ts := httptest.NewServer(srv.Engine())
	t.Cleanup(ts.Close)
	t.Cleanup(reg.CloseAll)

	return &fixture{tr: tr, broker: bc, bridge: bm, registry: reg, jwt: jwtAuth, server: srv, ts: ts}
}

func (f *fixture) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := f.jwt.Issue(p, time.Hour)
	require.NoError(t, err)
	return tok
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
	id string
}

func (f *fixture) dial(t *testing.T, p auth.Principal) *client {
	t.Helper()
	header := http.Header{"Authorization": []string{"Bearer " + f.token(t, p)}}
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: t, ws: ws}
	msg := c.expect(protocol.KindConnectionEstablished)
	require.NotEmpty(t, msg.ConnectionID)
	c.id = msg.ConnectionID
	return c
}

func (c *client) send(msg protocol.ClientMessage) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(msg))
}

func (c *client) sendRaw(s string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(s)))
}

func (c *client) next() protocol.ServerMessage {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	msg, err := protocol.ParseServerMessage(data)
	require.NoError(c.t, err)
	return msg
}

// expect skips frames of other kinds, such as presence events relayed to
// operators, until one of kind arrives.
func (c *client) expect(kind protocol.Kind) protocol.ServerMessage {
	c.t.Helper()
	for {
		msg := c.next()
		if msg.Kind() == kind {
			return msg
		}
	}
}

func (c *client) expectEvent(t event.Type) event.Envelope {
	c.t.Helper()
	msg := c.expect(protocol.Kind(t))
	env, ok := msg.Envelope()
	require.True(c.t, ok)
	return env
}

var (
	visitor  = auth.Principal{ID: "v1", Kind: auth.KindVisitor, WebsiteIDs: []string{"W1"}}
	operator = auth.Principal{ID: "op1", Kind: auth.KindOperator, WebsiteIDs: []string{"W1"}}
)

func (f *fixture) publish(t *testing.T, channel string, typ event.Type, data any) event.Envelope {
	t.Helper()
	env, err := event.New(typ, data)
	require.NoError(t, err)
	_, err = f.broker.Publish(context.Background(), channel, env)
	require.NoError(t, err)
	return env
}

func TestUpgradeRequiresValidToken(t *testing.T) {
	f := newFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(f.ts.URL)+"?token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	assert.Zero(t, f.registry.Len())
}

func TestTokenFromQueryParameter(t *testing.T) {
	f := newFixture(t)
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(f.ts.URL)+"?token="+f.token(t, visitor), nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer ws.Close()

	c := &client{t: t, ws: ws}
	c.expect(protocol.KindConnectionEstablished)
}

func TestConnectionEstablishedAndSelfChannel(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, visitor)

	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{event.ConnectionChannel(c.id).String()}, f.registry.Channels(c.id))

	sent := f.publish(t, event.ConnectionChannel(c.id).String(), event.TypeConversationStatusUpdated,
		event.ConversationStatusData{WebsiteID: "W1", ConversationID: "C1", Status: "closed"})
	got := c.expectEvent(event.TypeConversationStatusUpdated)
	assert.JSONEq(t, string(sent.Data), string(got.Data))
	assert.Equal(t, sent.Timestamp, got.Timestamp)
}

func TestWebsiteSubscriptionIsOperatorOnly(t *testing.T) {
	f := newFixture(t)

	v := f.dial(t, visitor)
	v.send(protocol.SubscribeWebsite("W1"))
	msg := v.expect(protocol.KindSubscriptionError)
	assert.Equal(t, "website:W1", msg.Channel)
	assert.Contains(t, msg.Error, "authorization denied")

	op := f.dial(t, operator)
	op.send(protocol.SubscribeWebsite("W1"))
	msg = op.expect(protocol.KindSubscriptionConfirmed)
	assert.Equal(t, "website:W1", msg.Channel)

	op.send(protocol.SubscribeWebsite("W2"))
	msg = op.expect(protocol.KindSubscriptionError)
	assert.Equal(t, "website:W2", msg.Channel)

	assert.Equal(t, []string{op.id}, f.registry.MembersOf("website:W1"))
	assert.Empty(t, f.registry.MembersOf("website:W2"))
}

func TestEveryConversationMemberReceives(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t, visitor)
	b := f.dial(t, operator)
	for _, c := range []*client{a, b} {
		c.send(protocol.SubscribeConversation("C1"))
		c.expect(protocol.KindSubscriptionConfirmed)
	}

	info, ok := f.bridge.Snapshot("conversation:C1")
	require.True(t, ok)
	assert.Equal(t, 2, info.Refcount)
	assert.Equal(t, 1, f.tr.Opened("conversation:C1"))

	sent := f.publish(t, "conversation:C1", event.TypeNewMessage, event.NewMessageData{
		WebsiteID: "W1", ConversationID: "C1", Message: event.Message{ID: "M1", Body: "hello"},
	})
	for _, c := range []*client{a, b} {
		got := c.expectEvent(event.TypeNewMessage)
		data, err := event.DecodeData[event.NewMessageData](got)
		require.NoError(t, err)
		assert.Equal(t, "hello", data.Message.Body)
		assert.Equal(t, sent.Timestamp, got.Timestamp)
	}
}

func TestInvalidMessagesKeepConnectionOpen(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, visitor)

	c.sendRaw("not json")
	msg := c.expect(protocol.KindSubscriptionError)
	assert.Contains(t, msg.Error, "invalid message")

	c.sendRaw(`{"type":"launch_rockets"}`)
	msg = c.expect(protocol.KindSubscriptionError)
	assert.Contains(t, msg.Error, "unknown message type")

	c.sendRaw(`{"type":"subscribe_conversation"}`)
	c.expect(protocol.KindSubscriptionError)

	c.send(protocol.Ping())
	c.expect(protocol.KindPong)
	assert.Equal(t, 1, f.registry.Len())
}

func TestUnsubscribeReleasesBridge(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, visitor)
	c.send(protocol.SubscribeConversation("C1"))
	c.expect(protocol.KindSubscriptionConfirmed)

	c.send(protocol.UnsubscribeConversation("C1"))
	// ping round-trips after the unsubscribe has been handled
	c.send(protocol.Ping())
	c.expect(protocol.KindPong)

	_, ok := f.bridge.Snapshot("conversation:C1")
	assert.False(t, ok)
	assert.Empty(t, f.registry.MembersOf("conversation:C1"))
}

func TestDisconnectCleansUp(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, visitor)
	c.send(protocol.SubscribeConversation("C1"))
	c.expect(protocol.KindSubscriptionConfirmed)
	require.Equal(t, 2, f.bridge.Len())

	require.NoError(t, c.ws.Close())

	require.Eventually(t, func() bool {
		return f.registry.Len() == 0 && f.bridge.Len() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, f.tr.Streams("conversation:C1"))
}

func TestExhaustedSubscriptionNotifiesClient(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, visitor)
	c.send(protocol.SubscribeConversation("C1"))
	c.expect(protocol.KindSubscriptionConfirmed)

	f.tr.FailSubscribe(100)
	f.tr.Drop("conversation:C1", nil)

	msg := c.expect(protocol.KindSubscriptionError)
	assert.Equal(t, "conversation:C1", msg.Channel)
	assert.Contains(t, msg.Error, "exhausted")

	c.send(protocol.Ping())
	c.expect(protocol.KindPong)

	// Subscribing again once the broker is back resumes delivery.
	f.tr.FailSubscribe(0)
	c.send(protocol.SubscribeConversation("C1"))
	c.expect(protocol.KindSubscriptionConfirmed)
	assert.Equal(t, 1, f.tr.Streams("conversation:C1"))

	f.publish(t, "conversation:C1", event.TypeNewMessage, event.NewMessageData{WebsiteID: "W1", ConversationID: "C1", Message: event.Message{ID: "M2", Body: "back"}})
	env := c.expectEvent(event.TypeNewMessage)
	data, err := event.DecodeData[event.NewMessageData](env)
	require.NoError(t, err)
	assert.Equal(t, "M2", data.Message.ID)
}

func TestTypingIsRelayedToObservers(t *testing.T) {
	f := newFixture(t)
	op := f.dial(t, operator)
	op.send(protocol.SubscribeWebsite("W1"))
	op.expect(protocol.KindSubscriptionConfirmed)

	v := f.dial(t, visitor)
	v.send(protocol.TypingProgress("C1", "hel"))

	env := op.expectEvent(event.TypeConversationTyping)
	data, err := event.DecodeData[event.ConversationTypingData](env)
	require.NoError(t, err)
	assert.Equal(t, event.ConversationTypingData{
		WebsiteID:      "W1",
		ConversationID: "C1",
		PrincipalID:    "v1",
		PrincipalKind:  "visitor",
		IsTyping:       true,
		Preview:        "hel",
	}, data)

	v.send(protocol.TypingStop("C1"))
	env = op.expectEvent(event.TypeConversationTyping)
	data, err = event.DecodeData[event.ConversationTypingData](env)
	require.NoError(t, err)
	assert.False(t, data.IsTyping)
}

func TestVisitorConnectionIsAnnounced(t *testing.T) {
	f := newFixture(t)
	op := f.dial(t, operator)
	op.send(protocol.SubscribeWebsite("W1"))
	op.expect(protocol.KindSubscriptionConfirmed)

	v := f.dial(t, visitor)
	env := op.expectEvent(event.TypeVisitorConnected)
	data, err := event.DecodeData[event.ConnectionData](env)
	require.NoError(t, err)
	assert.Equal(t, v.id, data.ConnectionID)
	assert.Equal(t, "W1", data.WebsiteID)

	require.NoError(t, v.ws.Close())
	env = op.expectEvent(event.TypeVisitorDisconnected)
	data, err = event.DecodeData[event.ConnectionData](env)
	require.NoError(t, err)
	assert.Equal(t, v.id, data.ConnectionID)
}

func TestHealthcheck(t *testing.T) {
	f := newFixture(t)
	f.dial(t, visitor)

	resp, err := http.Get(f.ts.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Channels    int    `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, 1, body.Channels)
}

func TestServeClosesConnectionsOnCancel(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	header := http.Header{"Authorization": []string{"Bearer " + f.token(t, visitor)}}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer ws.Close()
	c := &client{t: t, ws: ws}
	c.expect(protocol.KindConnectionEstablished)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return")
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, 5*time.Millisecond)
}
