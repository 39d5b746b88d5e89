package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"github.com/coocood/freecache"
	"go.uber.org/zap"
)

// CachingAuthenticator memoizes successful authentications in an in-process
// freecache keyed by the token hash. Entries never outlive the token.
type CachingAuthenticator struct {
	next  Authenticator
	cache *freecache.Cache
	ttl   time.Duration
	now   func() time.Time
	lg    *zap.Logger
}

// NewCachingAuthenticator wraps next. size is the cache size in bytes
// (freecache enforces a 512KB minimum).
func NewCachingAuthenticator(next Authenticator, size int, ttl time.Duration, lg *zap.Logger) *CachingAuthenticator {
	if lg == nil {
		lg = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachingAuthenticator{
		next:  next,
		cache: freecache.NewCache(size),
		ttl:   ttl,
		now:   time.Now,
		lg:    lg,
	}
}

func (c *CachingAuthenticator) Authenticate(ctx context.Context, creds Credentials) (Principal, error) {
	key := cacheKey(creds.Token)
	if data, err := c.cache.Get(key); err == nil {
		var p Principal
		if err := json.Unmarshal(data, &p); err == nil {
			return p, nil
		}
	} else if !errors.Is(err, freecache.ErrNotFound) {
		c.lg.Warn("auth cache get failed", zap.Error(err))
	}

	p, err := c.next.Authenticate(ctx, creds)
	if err != nil {
		return Principal{}, err
	}
	ttl := c.ttl
	if !p.ExpiresAt.IsZero() {
		if remaining := p.ExpiresAt.Sub(c.now()); remaining < ttl {
			ttl = remaining
		}
	}
	if seconds := int(ttl.Seconds()); seconds > 0 {
		data, err := json.Marshal(p)
		if err == nil {
			err = c.cache.Set(key, data, seconds)
		}
		if err != nil {
			c.lg.Warn("auth cache set failed", zap.Error(err))
		}
	}
	return p, nil
}

func (c *CachingAuthenticator) EntryCount() int64 {
	return c.cache.EntryCount()
}

func cacheKey(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
