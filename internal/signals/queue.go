package signals

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

// QueueConfig tunes the out-of-session queue.
type QueueConfig struct {
	MaxAge time.Duration // nominal shelf life of a queued signal
	Grace  time.Duration // extra time past MaxAge before a drain drops it
}

// DefaultQueueConfig returns the production queue settings: overnight
// signals survive the four-hour shelf life plus a four-hour grace, enough
// to span the gap from a late-evening alert to the next open.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{MaxAge: 4 * time.Hour, Grace: 240 * time.Minute}
}

type queuedSignal struct {
	signal   *types.Signal
	queuedAt time.Time
}

// Queue holds structurally valid signals that arrived outside tradeable
// hours. One slot per symbol and direction: a later signal replaces an
// earlier one only when its confidence is higher, so the open drains the
// strongest view per market.
type Queue struct {
	logger *zap.Logger
	config QueueConfig

	mu    sync.Mutex
	slots map[string]queuedSignal
}

// NewQueue creates the out-of-session queue.
func NewQueue(logger *zap.Logger, config QueueConfig) *Queue {
	if config.MaxAge <= 0 {
		config.MaxAge = 4 * time.Hour
	}
	return &Queue{
		logger: logger.Named("session-queue"),
		config: config,
		slots:  make(map[string]queuedSignal),
	}
}

func slotKey(sig *types.Signal) string {
	return sig.Symbol + "|" + string(sig.Direction)
}

// Enqueue adds sig, keeping the highest-confidence signal per slot.
// It reports whether sig took the slot.
func (q *Queue) Enqueue(sig *types.Signal) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := slotKey(sig)
	if held, ok := q.slots[key]; ok && held.signal.Confidence >= sig.Confidence {
		q.logger.Info("queued signal outranked by existing slot holder",
			zap.String("signalId", sig.ID),
			zap.String("slot", key),
			zap.Float64("held", held.signal.Confidence),
			zap.Float64("candidate", sig.Confidence),
		)
		return false
	}
	q.slots[key] = queuedSignal{signal: sig, queuedAt: time.Now()}
	q.logger.Info("signal queued for next session",
		zap.String("signalId", sig.ID),
		zap.String("slot", key),
	)
	return true
}

// Drain empties the queue when the session accepts entries, dropping
// entries older than MaxAge plus Grace. Draining outside OPENING or
// MORNING returns nil: stale pre-market intent should not fire into the
// afternoon.
func (q *Queue) Drain(session types.MarketSession) []*types.Signal {
	if session != types.SessionOpening && session != types.SessionMorning {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-(q.config.MaxAge + q.config.Grace))
	var out []*types.Signal
	for key, held := range q.slots {
		delete(q.slots, key)
		if held.queuedAt.Before(cutoff) {
			q.logger.Info("dropping expired queued signal",
				zap.String("signalId", held.signal.ID),
				zap.String("slot", key),
			)
			continue
		}
		out = append(out, held.signal)
	}
	return out
}

// Len reports the number of held slots.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.slots)
}
