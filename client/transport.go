package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established transport. ReadMessage is called from a single
// goroutine; WriteMessage is serialized by Client.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

const defaultWriteTimeout = 10 * time.Second

// WebsocketDialer connects to the gateway's websocket endpoint, presenting
// Token as a bearer credential. Every write carries a deadline of
// WriteTimeout, 10s when zero.
type WebsocketDialer struct {
	URL          string
	Token        string
	Header       http.Header
	Dialer       *websocket.Dialer
	WriteTimeout time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	timeout := d.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	return &wsConn{ws: ws, writeTimeout: timeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex
	once         sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		err = c.ws.Close()
	})
	return err
}
