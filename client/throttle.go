package client

import (
	"sync"
	"time"
)

// Throttler coalesces updates per key. The first update opens a window;
// when it closes only the latest value is sent, and never one equal to the
// value last sent for that key.
type Throttler struct {
	window time.Duration

	mu    sync.Mutex
	slots map[string]*throttleSlot
}

type throttleSlot struct {
	sent    string
	hasSent bool
	pending string
	send    func(string)
	timer   *time.Timer
}

func NewThrottler(window time.Duration) *Throttler {
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	return &Throttler{window: window, slots: map[string]*throttleSlot{}}
}

func (t *Throttler) Update(key, value string, send func(string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key]
	if !ok {
		s = &throttleSlot{}
		t.slots[key] = s
	}
	s.pending = value
	s.send = send
	if s.timer != nil {
		return
	}
	if s.hasSent && s.sent == value {
		return
	}
	s.timer = time.AfterFunc(t.window, func() { t.flush(key, s) })
}

func (t *Throttler) flush(key string, s *throttleSlot) {
	t.mu.Lock()
	if t.slots[key] != s || s.timer == nil {
		t.mu.Unlock()
		return
	}
	s.timer = nil
	if s.hasSent && s.sent == s.pending {
		t.mu.Unlock()
		return
	}
	s.sent, s.hasSent = s.pending, true
	value, send := s.pending, s.send
	t.mu.Unlock()
	send(value)
}

// Cancel drops any pending value for key and forgets the last sent one.
func (t *Throttler) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[key]; ok {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.slots, key)
	}
}

func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, s := range t.slots {
		if s.timer != nil {
			s.timer.Stop()
		}
		delete(t.slots, key)
	}
}
