package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitRecord is the ephemeral counter kept per IP or per account.
type RateLimitRecord struct {
	Attempts       int
	FirstAttemptAt time.Time
	LockedUntil    *time.Time
}

func (r *RateLimitRecord) lockedAt(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// windowElapsed reports whether the counting window is over and no lock holds
// the record open.
func (r *RateLimitRecord) windowElapsed(now time.Time, window time.Duration) bool {
	return !now.Before(r.FirstAttemptAt.Add(window)) && !r.lockedAt(now)
}

// RateLimitStore holds limiter counters. Implementations must make Increment
// atomic per key.
type RateLimitStore interface {
	// Get returns nil when the key has no record.
	Get(ctx context.Context, key string) (*RateLimitRecord, error)
	// Increment counts one attempt, starting a fresh window when the previous
	// one has elapsed.
	Increment(ctx context.Context, key string, now time.Time, window time.Duration) (*RateLimitRecord, error)
	// LockUntil blocks key until the given time; now comes from the caller's clock.
	LockUntil(ctx context.Context, key string, now, until time.Time) error
	Reset(ctx context.Context, key string) error
	// Sweep evicts records whose window and lock have both elapsed.
	Sweep(ctx context.Context, now time.Time, window time.Duration) (int, error)
}

// MemoryRateLimitStore is a mutex-guarded map for single-instance deployments.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	records map[string]*RateLimitRecord
}

func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{records: make(map[string]*RateLimitRecord)}
}

func (s *MemoryRateLimitStore) Get(_ context.Context, key string) (*RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *MemoryRateLimitStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (*RateLimitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok || rec.windowElapsed(now, window) {
		rec = &RateLimitRecord{Attempts: 0, FirstAttemptAt: now}
		s.records[key] = rec
	}
	rec.Attempts++
	return copyRecord(rec), nil
}

func (s *MemoryRateLimitStore) LockUntil(_ context.Context, key string, now, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &RateLimitRecord{FirstAttemptAt: now}
		s.records[key] = rec
	}
	u := until
	rec.LockedUntil = &u
	return nil
}

func (s *MemoryRateLimitStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryRateLimitStore) Sweep(_ context.Context, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, rec := range s.records {
		if rec.windowElapsed(now, window) {
			delete(s.records, key)
			evicted++
		}
	}
	return evicted, nil
}

// Len returns the number of tracked keys.
func (s *MemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func copyRecord(rec *RateLimitRecord) *RateLimitRecord {
	out := *rec
	if rec.LockedUntil != nil {
		u := *rec.LockedUntil
		out.LockedUntil = &u
	}
	return &out
}

// incrementScript resets the hash when the window elapsed and no lock is
// active, otherwise bumps the counter. Keys expire once both window and lock
// are over, so Redis does the sweeping.
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local first = tonumber(redis.call('HGET', key, 'first') or '0')
local locked = tonumber(redis.call('HGET', key, 'locked') or '0')
local attempts
if first == 0 or (now - first >= window and locked <= now) then
  redis.call('DEL', key)
  redis.call('HSET', key, 'attempts', 1, 'first', now)
  attempts = 1
  first = now
  locked = 0
else
  attempts = redis.call('HINCRBY', key, 'attempts', 1)
end
local ttl = first + window - now
if locked - now > ttl then
  ttl = locked - now
end
if ttl < 1 then
  ttl = 1
end
redis.call('PEXPIRE', key, ttl)
return {attempts, first, locked}
`)

var lockScript = redis.NewScript(`
local key = KEYS[1]
local untilMs = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
redis.call('HSET', key, 'locked', untilMs)
local ttl = untilMs - now
if ttl > redis.call('PTTL', key) then
  redis.call('PEXPIRE', key, ttl)
end
return 1
`)

// RedisRateLimitStore shares counters across instances.
type RedisRateLimitStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimitStore(client redis.UniversalClient, prefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) key(k string) string {
	return s.prefix + k
}

func (s *RedisRateLimitStore) Get(ctx context.Context, key string) (*RateLimitRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit get: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	var vals [3]int64
	for i, name := range []string{"attempts", "first", "locked"} {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis rate limit get: field %s: %w", name, err)
		}
		vals[i] = n
	}
	return buildRecord(vals[0], vals[1], vals[2]), nil
}

func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, now time.Time, window time.Duration) (*RateLimitRecord, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, now.UnixMilli(), window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis rate limit increment: %w", err)
	}
	if len(vals) != 3 {
		return nil, errors.New("redis rate limit increment: unexpected reply")
	}
	return buildRecord(vals[0], vals[1], vals[2]), nil
}

func (s *RedisRateLimitStore) LockUntil(ctx context.Context, key string, now, until time.Time) error {
	if err := lockScript.Run(ctx, s.client, []string{s.key(key)}, until.UnixMilli(), now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("redis rate limit lock: %w", err)
	}
	return nil
}

func (s *RedisRateLimitStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// Sweep is a no-op; keys carry their own expiry.
func (s *RedisRateLimitStore) Sweep(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

func buildRecord(attempts, firstMs, lockedMs int64) *RateLimitRecord {
	rec := &RateLimitRecord{
		Attempts:       int(attempts),
		FirstAttemptAt: time.UnixMilli(firstMs),
	}
	if lockedMs > 0 {
		u := time.UnixMilli(lockedMs)
		rec.LockedUntil = &u
	}
	return rec
}
