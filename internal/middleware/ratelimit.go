package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/motherschat/chat-backend/internal/config"
	"github.com/sirupsen/logrus"
)

// WindowStore keeps per-key request timestamps inside a sliding
// window. Slide prunes entries at or before now-window, records now,
// and returns the resulting count. Implementations must serialize
// concurrent calls for the same key.
type WindowStore interface {
	Slide(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
}

// RateLimiter admits or rejects requests per caller key.
type RateLimiter interface {
	Admit(ctx context.Context, key string, now time.Time) bool
}

// WindowRateLimiter is a sliding-log limiter over a WindowStore.
type WindowRateLimiter struct {
	enabled bool
	limit   int
	window  time.Duration
	store   WindowStore
	logger  *logrus.Logger
}

// NewRateLimiter creates a sliding-log rate limiter.
func NewRateLimiter(cfg *config.RateLimitConfig, store WindowStore, logger *logrus.Logger) RateLimiter {
	if !cfg.Enabled {
		return &WindowRateLimiter{enabled: false}
	}

	return &WindowRateLimiter{
		enabled: true,
		limit:   cfg.RequestsPerMinute,
		window:  cfg.Window,
		store:   store,
		logger:  logger,
	}
}

// Admit records the request and reports whether it fits the window.
// Window store failures admit: rate limiting is best-effort, not a
// security boundary.
func (r *WindowRateLimiter) Admit(ctx context.Context, key string, now time.Time) bool {
	if !r.enabled {
		return true
	}

	count, err := r.store.Slide(ctx, key, now, r.window)
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("Rate window store failed, admitting")
		return true
	}

	if count > r.limit {
		r.logger.WithFields(logrus.Fields{
			"key":   key,
			"count": count,
			"limit": r.limit,
		}).Warn("Rate limit exceeded")
		return false
	}

	return true
}

// MemoryWindowStore keeps windows in process memory. Windows reset on
// restart, which is the accepted policy.
type MemoryWindowStore struct {
	mu      sync.RWMutex
	windows map[string]*keyWindow
	done    chan struct{}
}

type keyWindow struct {
	mu      sync.Mutex
	entries []time.Time
}

// NewMemoryWindowStore creates an in-process window store and starts
// a janitor that drops keys with no activity inside the window.
func NewMemoryWindowStore(window time.Duration) *MemoryWindowStore {
	s := &MemoryWindowStore{
		windows: make(map[string]*keyWindow),
		done:    make(chan struct{}),
	}

	go s.janitor(window)

	return s
}

// Stop terminates the janitor goroutine. The store itself stays
// usable. Must be called at most once.
func (s *MemoryWindowStore) Stop() {
	close(s.done)
}

func (s *MemoryWindowStore) Slide(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	w := s.getWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-window)
	kept := w.entries[:0]
	for _, entry := range w.entries {
		if entry.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	w.entries = append(kept, now)

	return len(w.entries), nil
}

func (s *MemoryWindowStore) getWindow(key string) *keyWindow {
	s.mu.RLock()
	w, exists := s.windows[key]
	s.mu.RUnlock()

	if exists {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, exists := s.windows[key]; exists {
		return w
	}

	w = &keyWindow{}
	s.windows[key] = w
	return w
}

func (s *MemoryWindowStore) janitor(window time.Duration) {
	ticker := time.NewTicker(10 * window)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-window)

			s.mu.Lock()
			for key, w := range s.windows {
				w.mu.Lock()
				stale := len(w.entries) == 0 || !w.entries[len(w.entries)-1].After(cutoff)
				w.mu.Unlock()
				if stale {
					delete(s.windows, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// RedisWindowStore keeps windows in a Redis sorted set per key, so
// several instances share one view of the window.
type RedisWindowStore struct {
	client *redis.Client
}

func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

func (s *RedisWindowStore) Slide(ctx context.Context, key string, now time.Time, window time.Duration) (int, error) {
	redisKey := "ratewindow:" + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
	pipe.ZAdd(ctx, redisKey, &redis.Z{
		Score:  float64(now.UnixMicro()),
		Member: uuid.NewString(),
	})
	card := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return int(card.Val()), nil
}
