package regime

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

func newTestTracker(t *testing.T) (*Tracker, *store.MemoryStore, *time.Time) {
	t.Helper()
	st := store.NewMemoryStore()
	tr := NewTracker(zap.NewNop(), DefaultTrackerConfig(), st)
	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return clock }
	return tr, st, &clock
}

func TestFirstSightingIsBlocked(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	obs := tr.Observe(context.Background(), "SPY", types.RegimeTrendingUp, 0.9)
	if obs.CanTrade {
		t.Error("a regime seen once must not clear the gate")
	}
	if obs.ConsecutiveSameRegime != 1 {
		t.Errorf("consecutive = %d, want 1", obs.ConsecutiveSameRegime)
	}
}

func TestStableRegimeClearsGate(t *testing.T) {
	tr, st, clock := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)
	*clock = clock.Add(16 * time.Minute)
	obs := tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)

	if !obs.CanTrade {
		t.Fatalf("persistent regime past cooldown must trade, blocked: %s", obs.BlockReason)
	}
	if !obs.IsStable {
		t.Errorf("stability score %.1f below threshold", obs.StabilityScore)
	}
	if len(st.RegimeHistory()) != 2 {
		t.Errorf("history rows = %d, want 2", len(st.RegimeHistory()))
	}
}

func TestFlipStartsCooldown(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)
	*clock = clock.Add(16 * time.Minute)
	tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)

	// Flip to a new regime: the gate closes again.
	*clock = clock.Add(time.Minute)
	obs := tr.Observe(ctx, "SPY", types.RegimeTrendingDown, 0.95)
	if obs.CanTrade {
		t.Fatal("a fresh flip must block entries")
	}
	if !strings.Contains(obs.BlockReason, "flip cooldown") {
		t.Errorf("block reason = %q, want flip cooldown", obs.BlockReason)
	}

	// Five minutes later, still inside the 15 minute cooldown.
	*clock = clock.Add(5 * time.Minute)
	obs = tr.Observe(ctx, "SPY", types.RegimeTrendingDown, 0.95)
	if obs.CanTrade {
		t.Error("cooldown must hold for the full window")
	}

	// Past the cooldown with persistence: trading resumes.
	*clock = clock.Add(11 * time.Minute)
	obs = tr.Observe(ctx, "SPY", types.RegimeTrendingDown, 0.95)
	if !obs.CanTrade {
		t.Errorf("cooldown elapsed, still blocked: %s", obs.BlockReason)
	}
}

func TestLowConfidenceBlocks(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "SPY", types.RegimeRangeBound, 0.6)
	*clock = clock.Add(16 * time.Minute)
	obs := tr.Observe(ctx, "SPY", types.RegimeRangeBound, 0.6)
	if obs.CanTrade {
		t.Error("confidence below floor must block")
	}
	if !strings.Contains(obs.BlockReason, "confidence") {
		t.Errorf("block reason = %q", obs.BlockReason)
	}
}

func TestFlipPenaltyLowersScore(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	fresh := tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)
	*clock = clock.Add(20 * time.Minute)
	settled := tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)
	if fresh.StabilityScore >= settled.StabilityScore {
		t.Errorf("score did not recover after cooldown: %.1f vs %.1f",
			fresh.StabilityScore, settled.StabilityScore)
	}
}

func TestTickersAreIndependent(t *testing.T) {
	tr, _, clock := newTestTracker(t)
	ctx := context.Background()

	tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)
	*clock = clock.Add(16 * time.Minute)
	tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)

	// A flip on QQQ must not close the SPY gate.
	tr.Observe(ctx, "QQQ", types.RegimeTrendingDown, 0.9)
	obs := tr.Observe(ctx, "SPY", types.RegimeTrendingUp, 0.9)
	if !obs.CanTrade {
		t.Errorf("SPY blocked by QQQ flip: %s", obs.BlockReason)
	}
}
