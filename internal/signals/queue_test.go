package signals

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/pkg/types"
)

func queuedSig(id string, confidence float64) *types.Signal {
	return &types.Signal{
		ID:         id,
		Symbol:     "SPY",
		Direction:  types.DirectionBullish,
		Confidence: confidence,
	}
}

func TestQueueKeepsHighestConfidencePerSlot(t *testing.T) {
	q := NewQueue(zap.NewNop(), DefaultQueueConfig())

	if !q.Enqueue(queuedSig("low", 72)) {
		t.Fatal("first enqueue must take the slot")
	}
	if !q.Enqueue(queuedSig("high", 91)) {
		t.Error("higher confidence must replace the holder")
	}
	if q.Enqueue(queuedSig("mid", 80)) {
		t.Error("lower confidence must not displace the holder")
	}
	if q.Len() != 1 {
		t.Errorf("len = %d, want 1", q.Len())
	}

	drained := q.Drain(types.SessionOpening)
	if len(drained) != 1 || drained[0].ID != "high" {
		t.Errorf("drained = %+v, want the high-confidence signal", drained)
	}
}

func TestQueueSlotsAreDirectional(t *testing.T) {
	q := NewQueue(zap.NewNop(), DefaultQueueConfig())
	bull := queuedSig("bull", 80)
	bear := queuedSig("bear", 75)
	bear.Direction = types.DirectionBearish

	q.Enqueue(bull)
	q.Enqueue(bear)
	if q.Len() != 2 {
		t.Errorf("len = %d, want separate slots per direction", q.Len())
	}
}

func TestQueueDrainsOnlyAtTheOpen(t *testing.T) {
	q := NewQueue(zap.NewNop(), DefaultQueueConfig())
	q.Enqueue(queuedSig("s1", 80))

	if got := q.Drain(types.SessionAfternoon); got != nil {
		t.Errorf("afternoon drain returned %d signals, want none", len(got))
	}
	if q.Len() != 1 {
		t.Error("failed drain must not empty the queue")
	}
	if got := q.Drain(types.SessionMorning); len(got) != 1 {
		t.Errorf("morning drain returned %d signals, want 1", len(got))
	}
	if q.Len() != 0 {
		t.Error("drain must empty the queue")
	}
}

func TestQueueDropsExpiredSignalsAfterGrace(t *testing.T) {
	q := NewQueue(zap.NewNop(), QueueConfig{MaxAge: 10 * time.Millisecond, Grace: 40 * time.Millisecond})

	q.Enqueue(queuedSig("aging", 80))
	time.Sleep(20 * time.Millisecond) // past MaxAge, inside the grace
	if got := q.Drain(types.SessionOpening); len(got) != 1 {
		t.Fatalf("drained %d signals inside the grace window, want 1", len(got))
	}

	q.Enqueue(queuedSig("stale", 80))
	time.Sleep(60 * time.Millisecond) // past MaxAge plus Grace
	if got := q.Drain(types.SessionOpening); len(got) != 0 {
		t.Errorf("expired signal drained: %+v", got)
	}
}
