// Package client is the connection-holder side of the realtime protocol: a
// websocket client that reconnects with backoff, keeps a heartbeat, queues
// outbound messages while disconnected and re-subscribes after every
// reconnect.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/event"
	"github.com/infigaming-com/go-realtime/protocol"
)

var (
	ErrHeartbeatTimeout = errors.New("client: heartbeat timeout")
	ErrNilDialer        = errors.New("client: dialer is required")
)

// Client callbacks run on the client's goroutines and must not block for
// long.
type Client struct {
	dialer   Dialer
	opts     *options
	lg       *zap.Logger
	queue    *Queue[protocol.ClientMessage]
	throttle *Throttler

	mu       sync.Mutex
	machine  *Machine
	gen      uint64
	conn     Conn
	subs     map[event.Channel]struct{}
	lastPong time.Time
	retry    *time.Timer

	// wmu serializes writes. mu is never requested while wmu is held, and
	// only dial holds mu while taking wmu.
	wmu sync.Mutex
}

func New(d Dialer, opts ...Option) (*Client, error) {
	if d == nil {
		return nil, ErrNilDialer
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Client{
		dialer:   d,
		opts:     o,
		lg:       o.lg,
		queue:    NewQueue[protocol.ClientMessage](o.queueSize),
		throttle: NewThrottler(o.throttleWindow),
		machine:  NewMachine(o.reconnect),
		subs:     map[event.Channel]struct{}{},
	}, nil
}

// Connect starts connecting in the background. It is a no-op while a
// connection is open or being opened.
func (c *Client) Connect() {
	c.mu.Lock()
	if !c.machine.Connect() {
		c.mu.Unlock()
		return
	}
	c.stopRetryLocked()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.stateChanged(StateConnecting)
	go c.dial(gen)
}

// Disconnect closes the transport without reconnecting. Held subscriptions
// are kept and re-sent on the next Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.gen++
	c.stopRetryLocked()
	conn := c.conn
	c.conn = nil
	was := c.machine.State()
	c.machine.Disconnect()
	c.mu.Unlock()

	c.throttle.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	if was != StateClosed {
		c.stateChanged(StateClosed)
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

func (c *Client) IsConnected() bool { return c.State() == StateOpen }

func (c *Client) IsConnecting() bool {
	s := c.State()
	return s == StateConnecting || s == StateReconnecting
}

// Subscriptions lists the channels that will be re-subscribed on reconnect.
func (c *Client) Subscriptions() []event.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Client) subscriptionsLocked() []event.Channel {
	out := make([]event.Channel, 0, len(c.subs))
	for ch := range c.subs {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Send writes msg now if the connection is open and queues it otherwise.
// Only an invalid message is reported as an error.
func (c *Client) Send(msg protocol.ClientMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	c.deliver(msg, true)
	return nil
}

func (c *Client) SubscribeConversation(conversationID string) error {
	return c.subscribe(protocol.SubscribeConversation(conversationID))
}

func (c *Client) SubscribeWebsite(websiteID string) error {
	return c.subscribe(protocol.SubscribeWebsite(websiteID))
}

func (c *Client) UnsubscribeConversation(conversationID string) error {
	return c.unsubscribe(protocol.UnsubscribeConversation(conversationID))
}

func (c *Client) UnsubscribeWebsite(websiteID string) error {
	return c.unsubscribe(protocol.UnsubscribeWebsite(websiteID))
}

// subscribe records the channel; the request itself goes out now if open
// and otherwise on the next open, so it is never queued twice.
func (c *Client) subscribe(msg protocol.ClientMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	ch, _ := msg.Channel()
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	c.deliver(msg, false)
	return nil
}

func (c *Client) unsubscribe(msg protocol.ClientMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	ch, _ := msg.Channel()
	c.mu.Lock()
	delete(c.subs, ch)
	c.mu.Unlock()
	c.deliver(msg, false)
	return nil
}

func (c *Client) TypingStart(conversationID string) error {
	return c.Send(protocol.TypingStart(conversationID))
}

// TypingStop discards any pending progress update before sending.
func (c *Client) TypingStop(conversationID string) error {
	c.throttle.Cancel(typingKey(conversationID))
	return c.Send(protocol.TypingStop(conversationID))
}

// TypingProgress is coalesced per conversation: within one throttle window
// only the latest content is sent, and repeats of the last sent content are
// dropped.
func (c *Client) TypingProgress(conversationID, content string) error {
	if err := protocol.TypingProgress(conversationID, content).Validate(); err != nil {
		return err
	}
	c.throttle.Update(typingKey(conversationID), content, func(v string) {
		_ = c.Send(protocol.TypingProgress(conversationID, v))
	})
	return nil
}

func typingKey(conversationID string) string {
	return event.ConversationChannel(conversationID).String() + "/" + string(protocol.KindTypingProgress)
}

func (c *Client) deliver(msg protocol.ClientMessage, queue bool) {
	c.mu.Lock()
	if c.machine.State() != StateOpen || c.conn == nil {
		c.mu.Unlock()
		if queue && c.queue.Push(msg) {
			c.lg.Warn("realtime outbound queue full, dropped oldest message", zap.Int("size", c.opts.queueSize))
		}
		return
	}
	conn, gen := c.conn, c.gen
	c.mu.Unlock()

	c.wmu.Lock()
	err := write(conn, msg)
	c.wmu.Unlock()
	if err != nil {
		// back to the head so it still goes out before later sends
		if queue && c.queue.PushFront(msg) {
			c.lg.Warn("realtime outbound queue full, dropped failed message", zap.Int("size", c.opts.queueSize))
		}
		c.fail(gen, err)
	}
}

func write(conn Conn, msg protocol.ClientMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(b); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.dialTimeout)
	conn, err := c.dialer.Dial(ctx)
	cancel()
	if err != nil {
		c.fail(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.gen || c.machine.State() != StateConnecting {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.machine.Opened()
	c.conn = conn
	c.lastPong = time.Now()
	// holding wmu keeps live sends behind the drained backlog
	c.wmu.Lock()
	pending := c.queue.Drain()
	subs := c.subscriptionsLocked()
	c.mu.Unlock()

	var werr error
	for i, msg := range pending {
		if werr = write(conn, msg); werr != nil {
			for j := len(pending) - 1; j >= i; j-- {
				c.queue.PushFront(pending[j])
			}
			break
		}
	}
	if werr == nil {
		for _, ch := range subs {
			msg, ok := protocol.SubscribeFor(ch)
			if !ok {
				continue
			}
			if werr = write(conn, msg); werr != nil {
				break
			}
		}
	}
	c.wmu.Unlock()
	if werr != nil {
		c.fail(gen, werr)
		return
	}

	c.lg.Info("realtime connection open", zap.Int("flushed", len(pending)), zap.Int("resubscribed", len(subs)))
	c.stateChanged(StateOpen)
	go c.readLoop(gen, conn)
	go c.heartbeat(gen, conn)
}

func (c *Client) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.fail(gen, fmt.Errorf("read: %w", err))
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.lg.Debug("realtime dropped unreadable frame", zap.Error(err))
			c.emitError(err)
			continue
		}
		if msg.Kind() == protocol.KindPong {
			c.mu.Lock()
			if gen == c.gen {
				c.lastPong = time.Now()
			}
			c.mu.Unlock()
			continue
		}
		if cb := c.opts.callbacks.OnMessage; cb != nil {
			cb(msg)
		}
	}
}

// heartbeat pings every interval and forces a reconnect once no pong has
// been seen for two intervals. The pong check never waits on a write: while
// another write holds the connection the ping for that tick is skipped.
func (c *Client) heartbeat(gen uint64, conn Conn) {
	interval := c.opts.heartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		stale := time.Since(c.lastPong) >= 2*interval
		c.mu.Unlock()
		if stale {
			c.fail(gen, ErrHeartbeatTimeout)
			return
		}
		if !c.wmu.TryLock() {
			continue
		}
		go func() {
			err := write(conn, protocol.Ping())
			c.wmu.Unlock()
			if err != nil {
				c.fail(gen, err)
			}
		}()
	}
}

// fail handles the loss of the transport belonging to gen. Stale
// generations are ignored, so a read error after Disconnect does nothing.
func (c *Client) fail(gen uint64, cause error) {
	c.mu.Lock()
	st := c.machine.State()
	if gen != c.gen || (st != StateOpen && st != StateConnecting) {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.gen++
	step := c.machine.Dropped()
	attempts := c.machine.Attempts()
	if step.Reconnect {
		next := c.gen
		c.retry = time.AfterFunc(step.Delay, func() { c.redial(next) })
	}
	state := c.machine.State()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.lg.Warn("realtime transport lost",
		zap.Error(cause),
		zap.String("state", state.String()),
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", step.Delay),
	)
	c.emitError(cause)
	c.stateChanged(state)
	if step.Exhausted {
		if cb := c.opts.callbacks.OnReconnectFailed; cb != nil {
			cb(attempts)
		}
	}
}

func (c *Client) redial(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.machine.State() != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.machine.Connect()
	c.gen++
	next := c.gen
	c.mu.Unlock()

	c.stateChanged(StateConnecting)
	c.dial(next)
}

func (c *Client) stopRetryLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Client) emitError(err error) {
	if cb := c.opts.callbacks.OnError; cb != nil {
		cb(err)
	}
}

func (c *Client) stateChanged(s State) {
	if cb := c.opts.callbacks.OnStateChange; cb != nil {
		cb(s)
	}
}
