package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/protocol"
	"github.com/infigaming-com/go-realtime/registry"
)

var (
	ErrSendBufferFull   = errors.New("gateway: send buffer full")
	ErrConnectionClosed = errors.New("gateway: connection closed")
)

// conn is the registry.Transport of one websocket. Only writeLoop writes to
// ws; everything else enqueues onto send.
type conn struct {
	id        string
	principal auth.Principal
	ws        *websocket.Conn
	lg        *zap.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ registry.Transport = (*conn)(nil)

func newConn(id string, p auth.Principal, ws *websocket.Conn, cfg *handlerOptions) *conn {
	return &conn{
		id:           id,
		principal:    p,
		ws:           ws,
		lg:           cfg.lg.With(zap.String("connection_id", id)),
		writeTimeout: cfg.writeTimeout,
		pingInterval: cfg.pingInterval(),
		send:         make(chan []byte, cfg.sendBuffer),
		done:         make(chan struct{}),
	}
}

func (c *conn) Send(env event.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *conn) Fail(channel string, err error) {
	if qerr := c.reply(protocol.SubscriptionError(err.Error(), event.Channel(channel))); qerr != nil {
		c.lg.Debug("drop subscription failure notice", zap.String("channel", channel), zap.Error(qerr))
	}
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *conn) reply(msg protocol.ServerMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(b)
}

func (c *conn) enqueue(b []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// writeLoop owns the socket's write side and closes the socket on exit,
// which in turn ends the read loop.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.lg.Debug("websocket write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.lg.Debug("websocket ping failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			return
		}
	}
}
