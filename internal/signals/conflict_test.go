package signals

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

func newResolver(st *store.MemoryStore) *Resolver {
	return NewResolver(zap.NewNop(), DefaultResolverConfig(), st)
}

func TestResolveAgreedWhenNoOpposition(t *testing.T) {
	st := store.NewMemoryStore()
	seedCompleted(t, st, "s1", types.SourceMTFTrendDots, types.DirectionBullish, time.Minute)

	res := newResolver(st).Resolve(context.Background(), candidateSignal())
	if res.Outcome != OutcomeAgreed {
		t.Errorf("outcome = %s, want AGREED", res.Outcome)
	}
	if !res.Accepted() {
		t.Error("agreed outcome must be accepted")
	}
}

func TestResolveDissentAcceptedWhenCandidateSideHeavier(t *testing.T) {
	st := store.NewMemoryStore()
	seedCompleted(t, st, "s1", types.SourceMTFTrendDots, types.DirectionBullish, time.Minute) // for: 1.6+1.5
	seedCompleted(t, st, "s2", types.SourceSatyPhase, types.DirectionBearish, time.Minute)    // anti: 0.8

	res := newResolver(st).Resolve(context.Background(), candidateSignal())
	if res.Outcome != OutcomeDissentAccepted {
		t.Fatalf("outcome = %s, want DISSENT_ACCEPTED", res.Outcome)
	}
	if len(res.Dissenting) != 1 || res.Dissenting[0] != string(types.SourceSatyPhase) {
		t.Errorf("dissenting = %v", res.Dissenting)
	}
}

func TestResolveRejectsWhenOppositionHeavier(t *testing.T) {
	st := store.NewMemoryStore()
	seedCompleted(t, st, "s1", types.SourceMTFTrendDots, types.DirectionBearish, time.Minute)
	seedCompleted(t, st, "s2", types.SourceStratEngineV6, types.DirectionBearish, time.Minute)

	res := newResolver(st).Resolve(context.Background(), candidateSignal()) // for: 1.6, anti: 2.9
	if res.Outcome != OutcomeConflictRejected {
		t.Fatalf("outcome = %s, want CONFLICT_REJECTED", res.Outcome)
	}
	if res.Accepted() {
		t.Error("rejected conflict must not be accepted")
	}
}

func TestResolveWithoutOverrideRejectsAnyDissent(t *testing.T) {
	st := store.NewMemoryStore()
	seedCompleted(t, st, "s1", types.SourceORBBhch, types.DirectionBearish, time.Minute) // anti: 0.4

	cfg := DefaultResolverConfig()
	cfg.AllowOverride = false
	res := NewResolver(zap.NewNop(), cfg, st).Resolve(context.Background(), candidateSignal())
	if res.Outcome != OutcomeConflictRejected {
		t.Errorf("outcome = %s, want CONFLICT_REJECTED with override disabled", res.Outcome)
	}
}

func TestResolveFailsOpenOnStoreError(t *testing.T) {
	st := store.NewMemoryStore()
	st.FailReads = true

	res := newResolver(st).Resolve(context.Background(), candidateSignal())
	if res.Outcome != OutcomeAgreed {
		t.Errorf("outcome = %s, want AGREED on store outage", res.Outcome)
	}
}
