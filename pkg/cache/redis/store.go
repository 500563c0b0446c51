// Package redis is a cache.Store on Redis via rueidis. Entries carry their
// own TTL so Redis expires them without a sweep.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/rueidis"

	"github.com/pario-ai/tenantgate/pkg/models"
)

const hitsSuffix = ":hits"

// Config holds connection parameters.
type Config struct {
	Addrs     []string
	Password  string
	KeyPrefix string
}

// Store implements cache.Store with Redis.
type Store struct {
	client rueidis.Client
	prefix string
	now    func() time.Time
}

// New connects to Redis.
func New(cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("addrs is required")
	}
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Password:     cfg.Password,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}
	return newStore(client, cfg.KeyPrefix), nil
}

func newStore(c rueidis.Client, prefix string) *Store {
	return &Store{client: c, prefix: prefix, now: time.Now}
}

func (s *Store) entryKey(key string) string { return s.prefix + key }

// Get retrieves an entry and its hit counter in one round trip.
func (s *Store) Get(ctx context.Context, key string) (models.CacheEntry, bool, error) {
	b := s.client.B()
	res := s.client.DoMulti(ctx,
		b.Get().Key(s.entryKey(key)).Build(),
		b.Get().Key(s.entryKey(key)+hitsSuffix).Build(),
	)
	data, err := res[0].AsBytes()
	if rueidis.IsRedisNil(err) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e models.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return models.CacheEntry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	if hits, err := res[1].AsInt64(); err == nil {
		e.Hits = hits
	}
	return e, true, nil
}

// Put stores an entry with a TTL matching its expiry.
func (s *Store) Put(ctx context.Context, e models.CacheEntry) error {
	ttl := e.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	b := s.client.B()
	for _, r := range s.client.DoMulti(ctx,
		b.Set().Key(s.entryKey(e.Key)).Value(rueidis.BinaryString(data)).Ex(ttl).Build(),
		b.Del().Key(s.entryKey(e.Key)+hitsSuffix).Build(),
	) {
		if err := r.Error(); err != nil {
			return fmt.Errorf("redis put: %w", err)
		}
	}
	return nil
}

// IncrHits bumps the hit counter, which expires with the entry.
func (s *Store) IncrHits(ctx context.Context, key string) error {
	k := s.entryKey(key)
	ttl, err := s.client.Do(ctx, s.client.B().Pttl().Key(k).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("redis pttl: %w", err)
	}
	if ttl <= 0 {
		return nil
	}
	b := s.client.B()
	for _, r := range s.client.DoMulti(ctx,
		b.Incr().Key(k+hitsSuffix).Build(),
		b.Pexpire().Key(k+hitsSuffix).Milliseconds(ttl).Build(),
	) {
		if err := r.Error(); err != nil {
			return fmt.Errorf("redis incr: %w", err)
		}
	}
	return nil
}

// Delete removes an entry and its counter.
func (s *Store) Delete(ctx context.Context, key string) error {
	k := s.entryKey(key)
	if err := s.client.Do(ctx, s.client.B().Del().Key(k, k+hitsSuffix).Build()).Error(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeleteExpired is a no-op; Redis expires entries itself.
func (s *Store) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// DeleteAll removes every entry under the prefix.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.scan(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		for _, k := range keys {
			if !strings.HasSuffix(k, hitsSuffix) {
				n++
			}
		}
		return s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error()
	})
	if err != nil {
		return 0, fmt.Errorf("redis clear: %w", err)
	}
	return n, nil
}

// Count returns the number of live entries under the prefix.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			if !strings.HasSuffix(k, hitsSuffix) {
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return n, nil
}

// Close shuts down the client.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		cmd := s.client.B().Scan().Cursor(cursor).Match(s.prefix + "*").Count(500).Build()
		entry, err := s.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return err
		}
		if err := fn(entry.Elements); err != nil {
			return err
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return nil
		}
	}
}
