package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

func (c Config) normalized() Config {
	if c.Initial <= 0 {
		c.Initial = 200 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	return c
}

// Delay is the un-jittered wait before retry number attempt (1-based):
// min(Initial * Multiplier^(attempt-1), Max).
func (c Config) Delay(attempt int) time.Duration {
	c = c.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.Initial) * math.Pow(c.Multiplier, float64(attempt-1))
	if d >= float64(c.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return c.Max
	}
	return time.Duration(d)
}

type Exponential struct {
	mu      sync.Mutex
	current time.Duration
	config  Config
}

func New(cfg Config) *Exponential {
	return &Exponential{config: cfg.normalized()}
}

func (e *Exponential) Next() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current <= 0 {
		e.current = e.config.Initial
	} else {
		e.current = time.Duration(float64(e.current) * e.config.Multiplier)
		if e.current > e.config.Max {
			e.current = e.config.Max
		}
	}
	interval := e.current
	if e.config.Jitter > 0 {
		span := float64(interval) * e.config.Jitter
		interval = interval + time.Duration((rand.Float64()*2-1)*span)
		if interval < 0 {
			interval = e.config.Initial
		}
	}
	return interval
}

func (e *Exponential) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = 0
}
