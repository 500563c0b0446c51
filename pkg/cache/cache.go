// Package cache is the content-addressed response cache with per-key
// single-flight coalescing of model calls.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/tenantgate/pkg/metrics"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// Store is the persistence behind the cache. Get reports absent keys with
// ok == false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (entry models.CacheEntry, ok bool, err error)
	Put(ctx context.Context, e models.CacheEntry) error
	IncrHits(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteAll(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// Key derives the cache key for a normalized prompt. Each field is length
// prefixed so distinct field splits never collide.
func Key(namespace, model, normalizedPrompt string) string {
	h := sha256.New()
	var n [8]byte
	for _, f := range []string{namespace, model, normalizedPrompt} {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Cache serves entries from a Store and coalesces concurrent misses.
type Cache struct {
	store         Store
	ttl           time.Duration
	flightTimeout time.Duration
	now           func() time.Time
	log           *zap.Logger

	group     singleflight.Group
	hits      atomic.Int64
	misses    atomic.Int64
	coalesced atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.log = l } }

// WithFlightTimeout bounds a single flight, independent of its callers.
func WithFlightTimeout(d time.Duration) Option { return func(c *Cache) { c.flightTimeout = d } }

// New creates a Cache over s with the given entry TTL.
func New(s Store, ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		store:         s,
		ttl:           ttl,
		flightTimeout: 5 * time.Minute,
		now:           time.Now,
		log:           zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lookup returns the live entry for key. Expired entries are misses and
// are evicted. Store errors are logged and treated as misses.
func (c *Cache) Lookup(ctx context.Context, key string) (models.CacheEntry, bool) {
	e, ok := c.get(ctx, key)
	if !ok {
		c.misses.Add(1)
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return models.CacheEntry{}, false
	}
	c.hits.Add(1)
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return e, true
}

func (c *Cache) get(ctx context.Context, key string) (models.CacheEntry, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.log.Warn("cache get", zap.String("key", key), zap.Error(err))
		return models.CacheEntry{}, false
	}
	if !ok {
		return models.CacheEntry{}, false
	}
	if e.Expired(c.now()) {
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Debug("evict expired entry", zap.String("key", key), zap.Error(err))
		}
		return models.CacheEntry{}, false
	}
	if err := c.store.IncrHits(ctx, key); err != nil {
		c.log.Debug("increment hits", zap.String("key", key), zap.Error(err))
	}
	e.Hits++
	return e, true
}

// Put stores e under its key with the cache TTL.
func (c *Cache) Put(ctx context.Context, e models.CacheEntry) error {
	if err := c.store.Put(ctx, c.stamp(e)); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

func (c *Cache) stamp(e models.CacheEntry) models.CacheEntry {
	now := c.now()
	e.CreatedAt = now
	e.ExpiresAt = now.Add(c.ttl)
	e.Hits = 0
	return e
}

// Fill resolves a miss. It runs on a context detached from the caller.
type Fill func(ctx context.Context) (models.CacheEntry, error)

// Result is the outcome of a flight as seen by one caller.
type Result struct {
	Entry models.CacheEntry
	// Leader is true only for the caller whose Fill ran.
	Leader bool
}

// Call is a caller's handle on a flight.
type Call struct {
	cache  *Cache
	ch     <-chan singleflight.Result
	leader *bool

	mu   sync.Mutex
	done bool
	res  Result
	err  error
}

type flightValue struct {
	entry  models.CacheEntry
	filled bool
}

// Do starts or joins the flight for key. At most one Fill runs per key at
// a time; the flight re-checks the store before calling fill, so callers
// that arrive after an entry was written are served from it. The flight
// keeps the values of ctx but not its cancellation.
func (c *Cache) Do(ctx context.Context, key string, fill Fill) *Call {
	leader := new(bool)
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		*leader = true
		fctx, cancel := context.WithTimeout(detached, c.flightTimeout)
		defer cancel()

		if e, ok := c.get(fctx, key); ok {
			return flightValue{entry: e}, nil
		}
		e, err := fill(fctx)
		if err != nil {
			return nil, err
		}
		e.Key = key
		e = c.stamp(e)
		if err := c.store.Put(fctx, e); err != nil {
			c.log.Warn("cache write", zap.String("key", key), zap.Error(err))
		}
		return flightValue{entry: e, filled: true}, nil
	})
	return &Call{cache: c, ch: ch, leader: leader}
}

// Wait blocks until the flight finishes or ctx ends. After a ctx error the
// flight keeps running and Wait may be called again to collect it.
func (call *Call) Wait(ctx context.Context) (Result, error) {
	c := call.cache
	call.mu.Lock()
	defer call.mu.Unlock()
	if call.done {
		return call.res, call.err
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case r := <-call.ch:
		call.done = true
		if r.Err != nil {
			call.err = r.Err
			return Result{}, r.Err
		}
		v := r.Val.(flightValue)
		call.res = Result{Entry: v.entry, Leader: *call.leader && v.filled}
		switch {
		case call.res.Leader:
			c.misses.Add(1)
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		case *call.leader:
			c.hits.Add(1)
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		default:
			c.coalesced.Add(1)
			metrics.CacheLookupsTotal.WithLabelValues("coalesced").Inc()
		}
		return call.res, nil
	}
}

// Sweep deletes every expired entry.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteExpired(ctx, c.now())
	if err != nil {
		return 0, fmt.Errorf("cache sweep: %w", err)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.log.Warn("cache sweep", zap.Error(err))
				continue
			}
			if n > 0 {
				c.log.Debug("cache sweep", zap.Int64("evicted", n))
			}
		}
	}
}

// Stats returns entry and lookup counters.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries:   n,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Coalesced: c.coalesced.Load(),
	}, nil
}

// Clear removes entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) (int64, error) {
	if expiredOnly {
		return c.Sweep(ctx)
	}
	n, err := c.store.DeleteAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache clear: %w", err)
	}
	return n, nil
}
