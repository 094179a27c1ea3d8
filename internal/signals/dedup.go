package signals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// Fingerprint derives the dedup key for a signal. The timestamp is the
// vendor's bar time, not the arrival time, so vendor retries hash alike.
func Fingerprint(source types.SignalSource, symbol string, ts time.Time, direction types.Direction) string {
	payload := fmt.Sprintf("%s|%s|%s|%s", source, symbol, ts.UTC().Format(time.RFC3339), direction)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// DedupKV is the fast-path fingerprint store. CheckAndSet atomically
// records the fingerprint and reports whether it was already present
// within the window.
type DedupKV interface {
	CheckAndSet(ctx context.Context, fingerprint string, window time.Duration) (bool, error)
}

// MemoryDedup is the single-process fingerprint store. Entries are kept
// past the window so diagnostics can see recent hashes, then swept.
type MemoryDedup struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retain    time.Duration
	lastSweep time.Time
}

// NewMemoryDedup creates an in-memory dedup store retaining entries for
// retain (5 minutes when zero).
func NewMemoryDedup(retain time.Duration) *MemoryDedup {
	if retain <= 0 {
		retain = 5 * time.Minute
	}
	return &MemoryDedup{
		seen:      make(map[string]time.Time),
		retain:    retain,
		lastSweep: time.Now(),
	}
}

func (m *MemoryDedup) CheckAndSet(_ context.Context, fingerprint string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if at, ok := m.seen[fingerprint]; ok && now.Sub(at) <= window {
		return true, nil
	}
	m.seen[fingerprint] = now

	if now.Sub(m.lastSweep) > m.retain {
		cutoff := now.Add(-m.retain)
		for fp, at := range m.seen {
			if at.Before(cutoff) {
				delete(m.seen, fp)
			}
		}
		m.lastSweep = now
	}
	return false, nil
}

// RedisDedup shares fingerprints across processes via SET NX with a TTL.
type RedisDedup struct {
	client *redis.Client
}

// NewRedisDedup creates a Redis-backed dedup store from a redis URL.
func NewRedisDedup(redisURL string) (*RedisDedup, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("dedup: parse redis url: %w", err)
	}
	return &RedisDedup{client: redis.NewClient(opts)}, nil
}

func (r *RedisDedup) CheckAndSet(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, "dedup:"+fingerprint, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis setnx: %w", err)
	}
	return !set, nil
}

// Deduper combines the fast KV check with a store lookup so restarts and
// multi-writer deployments still catch replays. A failing KV degrades to
// the store check; a failing store check admits the signal.
type Deduper struct {
	logger *zap.Logger
	kv     DedupKV
	store  store.Store
	window time.Duration
}

// NewDeduper creates the deduplication stage. window defaults to 60s.
func NewDeduper(logger *zap.Logger, kv DedupKV, st store.Store, window time.Duration) *Deduper {
	if window <= 0 {
		window = 60 * time.Second
	}
	return &Deduper{
		logger: logger.Named("dedup"),
		kv:     kv,
		store:  st,
		window: window,
	}
}

// IsDuplicate reports whether an equivalent signal was already admitted
// within the window, along with the original signal's ID when the store
// still holds it.
func (d *Deduper) IsDuplicate(ctx context.Context, sig *types.Signal) (bool, string) {
	kvDup, err := d.kv.CheckAndSet(ctx, sig.Fingerprint, d.window)
	if err != nil {
		d.logger.Warn("dedup kv unavailable, falling back to store",
			zap.String("fingerprint", sig.Fingerprint),
			zap.Error(err),
		)
		kvDup = false
	}

	prior, err := d.store.FindSignalByFingerprint(ctx, sig.Fingerprint, time.Now().Add(-d.window))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// Fail open: a storage hiccup must not silently drop live signals.
			d.logger.Warn("dedup store lookup failed, admitting signal",
				zap.String("fingerprint", sig.Fingerprint),
				zap.Error(err),
			)
			return false, ""
		}
		return kvDup, ""
	}
	if prior != nil && prior.ID != sig.ID {
		return true, prior.ID
	}
	return kvDup, ""
}
