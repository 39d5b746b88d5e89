package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/bridge"
	rterr "github.com/infigaming-com/go-realtime/errors"
	"github.com/infigaming-com/go-realtime/event"
)

var (
	ErrUnknownConnection   = errors.New("registry: unknown connection")
	ErrDuplicateConnection = errors.New("registry: connection already registered")
	ErrInvalidConnection   = errors.New("registry: connection requires id and transport")
)

// Transport is the write side of one client connection.
type Transport interface {
	// Send enqueues env for delivery without blocking. An error means the
	// connection can no longer be written to.
	Send(env event.Envelope) error
	// Fail reports that channel will no longer deliver.
	Fail(channel string, err error)
	Close() error
}

type Connection struct {
	ID        string
	Principal auth.Principal
	OpenedAt  time.Time
	Transport Transport
}

// Acquirer is satisfied by *bridge.Manager.
type Acquirer interface {
	Acquire(ctx context.Context, channel string, onEvent bridge.EventFunc, onError bridge.ErrorFunc) (*bridge.Handle, error)
}

type Hooks struct {
	OnRegister    func(conn *Connection)
	OnUnregister  func(conn *Connection)
	OnDeliverFail func(conn *Connection, channel string, err error)
}

type Option func(*Registry)

func WithLogger(lg *zap.Logger) Option {
	return func(r *Registry) {
		if lg != nil {
			r.lg = lg
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(r *Registry) {
		r.hooks = h
	}
}

// Registry owns every live connection and its channel interest. One mutex
// guards both maps; bridge acquire and release run outside it.
type Registry struct {
	bridge Acquirer
	lg     *zap.Logger
	hooks  Hooks

	mu      sync.Mutex
	conns   map[string]*entry
	members map[string]map[string]struct{}
}

type entry struct {
	conn    *Connection
	subs    map[string]*slot
	removed bool
	failing atomic.Bool
}

// slot is a subscription held by a connection. handle is nil while the
// bridge acquire is still in flight.
type slot struct {
	handle *bridge.Handle
}

func New(acquirer Acquirer, opts ...Option) *Registry {
	r := &Registry{
		bridge:  acquirer,
		lg:      zap.NewNop(),
		conns:   map[string]*entry{},
		members: map[string]map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(conn *Connection) error {
	if conn == nil || conn.ID == "" || conn.Transport == nil {
		return ErrInvalidConnection
	}
	if conn.OpenedAt.IsZero() {
		conn.OpenedAt = time.Now()
	}
	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, conn.ID)
	}
	r.conns[conn.ID] = &entry{conn: conn, subs: map[string]*slot{}}
	r.mu.Unlock()

	r.lg.Debug("connection registered", zap.String("connection_id", conn.ID), zap.String("principal_id", conn.Principal.ID), zap.String("kind", string(conn.Principal.Kind)))
	if r.hooks.OnRegister != nil {
		r.hooks.OnRegister(conn)
	}
	return nil
}

// Unregister removes the connection, releases every bridge handle it held
// and closes its transport. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.conns[id]
	r.mu.Unlock()
	if ok {
		r.unregisterEntry(e)
	}
}

func (r *Registry) removeLocked(e *entry) []*bridge.Handle {
	e.removed = true
	delete(r.conns, e.conn.ID)
	var handles []*bridge.Handle
	for channel, s := range e.subs {
		r.dropMemberLocked(channel, e.conn.ID)
		if s.handle != nil {
			handles = append(handles, s.handle)
		}
	}
	e.subs = map[string]*slot{}
	return handles
}

func (r *Registry) finish(e *entry, handles []*bridge.Handle) {
	for _, h := range handles {
		h.Release()
	}
	if err := e.conn.Transport.Close(); err != nil {
		r.lg.Debug("connection transport close", zap.String("connection_id", e.conn.ID), zap.Error(err))
	}
	r.lg.Debug("connection unregistered", zap.String("connection_id", e.conn.ID), zap.Int("released", len(handles)))
	if r.hooks.OnUnregister != nil {
		r.hooks.OnUnregister(e.conn)
	}
}

// Subscribe adds channel to the connection's interest and acquires the
// bridge subscription. Repeating it for a held channel is a no-op unless the
// held subscription has exhausted its reconnects, in which case the dead
// handle is released and the channel acquired afresh.
func (r *Registry) Subscribe(ctx context.Context, id, channel string) error {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	var stale *bridge.Handle
	if held, ok := e.subs[channel]; ok {
		if held.handle == nil || !held.handle.Closed() {
			r.mu.Unlock()
			return nil
		}
		stale = held.handle
	}
	s := &slot{}
	e.subs[channel] = s
	r.addMemberLocked(channel, id)
	r.mu.Unlock()

	if stale != nil {
		stale.Release()
	}

	h, err := r.bridge.Acquire(ctx, channel, r.deliverTo(e, channel), r.failTo(e))

	r.mu.Lock()
	current := e.subs[channel] == s
	if err != nil {
		if current {
			delete(e.subs, channel)
			r.dropMemberLocked(channel, id)
		}
		r.mu.Unlock()
		return err
	}
	if e.removed || !current {
		// Unregistered or unsubscribed while the acquire was in flight.
		r.mu.Unlock()
		h.Release()
		if e.removed {
			return fmt.Errorf("%w: %s", ErrUnknownConnection, id)
		}
		return nil
	}
	s.handle = h
	r.mu.Unlock()
	return nil
}

func (r *Registry) Unsubscribe(id, channel string) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s, held := e.subs[channel]
	if !held {
		r.mu.Unlock()
		return
	}
	delete(e.subs, channel)
	r.dropMemberLocked(channel, id)
	r.mu.Unlock()
	if s.handle != nil {
		s.handle.Release()
	}
}

func (r *Registry) deliverTo(e *entry, channel string) bridge.EventFunc {
	return func(_ context.Context, env event.Envelope) error {
		err := e.conn.Transport.Send(env)
		if err == nil {
			return nil
		}
		err = rterr.ErrTransportError.Wrap(err)
		if r.hooks.OnDeliverFail != nil {
			r.hooks.OnDeliverFail(e.conn, channel, err)
		}
		if e.failing.CompareAndSwap(false, true) {
			r.lg.Warn("connection delivery failed, removing", zap.String("connection_id", e.conn.ID), zap.String("channel", channel), zap.Error(err))
			go r.unregisterEntry(e)
		}
		return err
	}
}

func (r *Registry) failTo(e *entry) bridge.ErrorFunc {
	return func(channel string, err error) {
		e.conn.Transport.Fail(channel, err)
	}
}

// unregisterEntry removes e only if it is still the registered entry for its
// id, so a reused id is never torn down by a stale failure.
func (r *Registry) unregisterEntry(e *entry) {
	r.mu.Lock()
	if r.conns[e.conn.ID] != e {
		r.mu.Unlock()
		return
	}
	handles := r.removeLocked(e)
	r.mu.Unlock()
	r.finish(e, handles)
}

func (r *Registry) addMemberLocked(channel, id string) {
	set, ok := r.members[channel]
	if !ok {
		set = map[string]struct{}{}
		r.members[channel] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) dropMemberLocked(channel, id string) {
	set, ok := r.members[channel]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(r.members, channel)
	}
}

// MembersOf lists the connections interested in channel, sorted.
func (r *Registry) MembersOf(channel string) []string {
	r.mu.Lock()
	ids := lo.Keys(r.members[channel])
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Channels lists the channels a connection holds, sorted.
func (r *Registry) Channels(id string) []string {
	r.mu.Lock()
	e, ok := r.conns[id]
	var channels []string
	if ok {
		channels = lo.Keys(e.subs)
	}
	r.mu.Unlock()
	sort.Strings(channels)
	return channels
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ChannelCount reports how many channels have at least one local member.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// CloseAll unregisters every connection.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := lo.Keys(r.conns)
	r.mu.Unlock()
	for _, id := range ids {
		r.Unregister(id)
	}
}
