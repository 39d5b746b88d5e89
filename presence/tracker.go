package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-realtime/auth"
	"github.com/infigaming-com/go-realtime/event"
)

// ChangeEvent reports a principal going online or offline on this node.
type ChangeEvent struct {
	WebsiteID   string
	PrincipalID string
	Kind        auth.Kind
	Status      event.PresenceStatus
	Timestamp   int64
}

// OnChangeFunc is called asynchronously when a change is detected.
type OnChangeFunc func(ev *ChangeEvent)

type Member struct {
	PrincipalID string
	Kind        auth.Kind
	LastSeen    time.Time
}

type localEntry struct {
	websiteID   string
	principalID string
	kind        auth.Kind
}

// Tracker records which principals are connected per website. Local
// connections are held in process (L1); the shared view is one Redis hash per
// website (L2) whose fields are re-stamped by a background loop.
type Tracker struct {
	redisClient *redis.Client
	onChange    OnChangeFunc
	lg          *zap.Logger

	mu     sync.Mutex
	conns  map[string]map[string]localEntry // connection id -> website id
	counts map[string]int        // website/field -> local connection count

	keyPrefix       string
	ttl             time.Duration
	refreshInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Tracker. The onChange callback is invoked in a separate
// goroutine whenever a principal's first connection opens or last one closes.
func New(redisClient *redis.Client, onChange OnChangeFunc, opts ...Option) *Tracker {
	t := &Tracker{
		redisClient:     redisClient,
		onChange:        onChange,
		lg:              zap.NewNop(),
		conns:           map[string]map[string]localEntry{},
		counts:          map[string]int{},
		keyPrefix:       "presence",
		ttl:             90 * time.Second,
		refreshInterval: 30 * time.Second,
		stopCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}

	t.wg.Add(1)
	go t.refreshLoop(t.refreshInterval)

	return t
}

// Track records connectionID as a live connection of principalID on
// websiteID. One connection may be tracked on several websites; repeating a
// (connection, website) pair is a no-op.
func (t *Tracker) Track(ctx context.Context, websiteID, principalID string, kind auth.Kind, connectionID string) error {
	if websiteID == "" || principalID == "" {
		return nil
	}
	entry := localEntry{websiteID: websiteID, principalID: principalID, kind: kind}
	t.mu.Lock()
	sites := t.conns[connectionID]
	if _, ok := sites[websiteID]; ok {
		t.mu.Unlock()
		return nil
	}
	if sites == nil {
		sites = map[string]localEntry{}
		t.conns[connectionID] = sites
	}
	sites[websiteID] = entry
	key := countKey(entry)
	t.counts[key]++
	first := t.counts[key] == 1
	t.mu.Unlock()

	now := time.Now()
	if err := t.stamp(ctx, []localEntry{entry}, now); err != nil {
		return err
	}
	if first {
		t.notify(entry, event.PresenceOnline, now)
	}
	return nil
}

// Untrack forgets connectionID on every website it was tracked for. Each
// website where it was the principal's last local connection drops the
// principal from its hash.
func (t *Tracker) Untrack(ctx context.Context, connectionID string) error {
	t.mu.Lock()
	sites, ok := t.conns[connectionID]
	if !ok {
		t.mu.Unlock()
		return nil
	}
	delete(t.conns, connectionID)
	var gone []localEntry
	for _, entry := range sites {
		key := countKey(entry)
		t.counts[key]--
		if t.counts[key] <= 0 {
			delete(t.counts, key)
			gone = append(gone, entry)
		}
	}
	t.mu.Unlock()

	if len(gone) == 0 {
		return nil
	}
	pipe := t.redisClient.Pipeline()
	for _, entry := range gone {
		pipe.HDel(ctx, t.redisKey(entry.websiteID), field(entry))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: untrack %s: %w", connectionID, err)
	}
	now := time.Now()
	for _, entry := range gone {
		t.notify(entry, event.PresenceOffline, now)
	}
	return nil
}

// Online lists principals seen on websiteID within the TTL, across all nodes.
func (t *Tracker) Online(ctx context.Context, websiteID string) ([]Member, error) {
	values, err := t.redisClient.HGetAll(ctx, t.redisKey(websiteID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: online %s: %w", websiteID, err)
	}
	cutoff := time.Now().Add(-t.ttl)
	members := make([]Member, 0, len(values))
	for f, v := range values {
		kind, principalID, ok := strings.Cut(f, ":")
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		seen := time.UnixMilli(ms)
		if seen.Before(cutoff) {
			continue
		}
		members = append(members, Member{PrincipalID: principalID, Kind: auth.Kind(kind), LastSeen: seen})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].PrincipalID < members[j].PrincipalID })
	return members, nil
}

// LocalConnections reports how many connections this node tracks.
func (t *Tracker) LocalConnections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Stop shuts down the background refresh goroutine.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *Tracker) refreshLoop(interval time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.refresh()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) refresh() {
	t.mu.Lock()
	entries := make([]localEntry, 0, len(t.counts))
	seen := map[string]struct{}{}
	for _, sites := range t.conns {
		for _, e := range sites {
			key := countKey(e)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			entries = append(entries, e)
		}
	}
	t.mu.Unlock()
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.refreshInterval)
	defer cancel()
	if err := t.stamp(ctx, entries, time.Now()); err != nil {
		t.lg.Warn("presence refresh failed", zap.Int("principals", len(entries)), zap.Error(err))
	}
}

func (t *Tracker) stamp(ctx context.Context, entries []localEntry, now time.Time) error {
	pipe := t.redisClient.Pipeline()
	keys := map[string]struct{}{}
	for _, e := range entries {
		key := t.redisKey(e.websiteID)
		pipe.HSet(ctx, key, field(e), now.UnixMilli())
		keys[key] = struct{}{}
	}
	for key := range keys {
		pipe.Expire(ctx, key, t.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: stamp: %w", err)
	}
	return nil
}

func (t *Tracker) notify(e localEntry, status event.PresenceStatus, at time.Time) {
	if t.onChange == nil {
		return
	}
	ev := &ChangeEvent{
		WebsiteID:   e.websiteID,
		PrincipalID: e.principalID,
		Kind:        e.kind,
		Status:      status,
		Timestamp:   at.UnixMilli(),
	}
	go t.onChange(ev)
}

func (t *Tracker) redisKey(websiteID string) string {
	return fmt.Sprintf("%s:%s", t.keyPrefix, websiteID)
}

func field(e localEntry) string {
	return string(e.kind) + ":" + e.principalID
}

func countKey(e localEntry) string {
	return e.websiteID + "/" + field(e)
}
