// Package regime tracks per-ticker market regime stability. A regime flip
// starts a cooldown during which new entries are blocked, so the engine
// does not chase whipsaws.
package regime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// TrackerConfig tunes the stability gate.
type TrackerConfig struct {
	FlipCooldown    time.Duration // entries blocked this long after a flip
	MinConsecutive  int           // same-regime observations required
	MinConfidence   float64       // regime confidence floor, 0..1
	StableThreshold float64       // stability score at or above which the regime is stable
}

// DefaultTrackerConfig returns the production stability settings.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		FlipCooldown:    15 * time.Minute,
		MinConsecutive:  2,
		MinConfidence:   0.75,
		StableThreshold: 60,
	}
}

type tickerState struct {
	regime      types.Regime
	consecutive int
	regimeStart time.Time
	lastFlip    time.Time
}

// Tracker maintains per-ticker regime state. Every observation is appended
// to the regime history for auditing; history write failures do not block
// the verdict.
type Tracker struct {
	logger *zap.Logger
	config TrackerConfig
	store  store.Store

	mu    sync.Mutex
	state map[string]*tickerState
	now   func() time.Time
}

// NewTracker creates the regime stability tracker.
func NewTracker(logger *zap.Logger, config TrackerConfig, st store.Store) *Tracker {
	return &Tracker{
		logger: logger.Named("regime-tracker"),
		config: config,
		store:  st,
		state:  make(map[string]*tickerState),
		now:    time.Now,
	}
}

// Observe folds a fresh regime reading into the ticker's state and returns
// the stability verdict. The first sighting of a ticker counts as a flip:
// the engine must watch a regime persist before trusting it.
func (t *Tracker) Observe(ctx context.Context, ticker string, regime types.Regime, confidence float64) types.RegimeObservation {
	t.mu.Lock()
	now := t.now()
	st, ok := t.state[ticker]
	if !ok {
		st = &tickerState{regime: regime, consecutive: 1, regimeStart: now, lastFlip: now}
		t.state[ticker] = st
	} else if st.regime != regime {
		t.logger.Info("regime flip",
			zap.String("ticker", ticker),
			zap.String("from", string(st.regime)),
			zap.String("to", string(regime)),
		)
		st.regime = regime
		st.consecutive = 1
		st.regimeStart = now
		st.lastFlip = now
	} else {
		st.consecutive++
	}

	timeInRegime := now.Sub(st.regimeStart)
	sinceFlip := now.Sub(st.lastFlip)
	consecutive := st.consecutive
	lastFlip := st.lastFlip
	t.mu.Unlock()

	score := t.stabilityScore(consecutive, timeInRegime, sinceFlip, confidence)
	canTrade, blockReason := t.verdict(consecutive, sinceFlip, confidence)

	obs := types.RegimeObservation{
		Ticker:                ticker,
		Regime:                regime,
		Confidence:            confidence,
		ConsecutiveSameRegime: consecutive,
		TimeInRegimeSeconds:   int64(timeInRegime.Seconds()),
		LastFlipTimestamp:     lastFlip,
		StabilityScore:        score,
		IsStable:              score >= t.config.StableThreshold,
		CanTrade:              canTrade,
		BlockReason:           blockReason,
		CheckedAt:             now,
	}

	if err := t.store.AppendRegimeObservation(ctx, &obs); err != nil {
		t.logger.Warn("appending regime observation",
			zap.String("ticker", ticker),
			zap.Error(err),
		)
	}
	return obs
}

// stabilityScore blends persistence, dwell time, confidence, and flip
// recency into a 0-100 score.
func (t *Tracker) stabilityScore(consecutive int, timeInRegime, sinceFlip time.Duration, confidence float64) float64 {
	persistence := float64(consecutive) * 10
	if persistence > 30 {
		persistence = 30
	}
	dwell := timeInRegime.Seconds() / 600 * 30
	if dwell > 30 {
		dwell = 30
	}
	conviction := confidence * 40

	var flipPenalty float64
	if ratio := sinceFlip.Seconds() / t.config.FlipCooldown.Seconds(); ratio < 1 {
		flipPenalty = (1 - ratio) * 30
	}

	score := persistence + dwell + conviction - flipPenalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (t *Tracker) verdict(consecutive int, sinceFlip time.Duration, confidence float64) (bool, string) {
	if sinceFlip < t.config.FlipCooldown {
		remaining := (t.config.FlipCooldown - sinceFlip).Round(time.Second)
		return false, fmt.Sprintf("flip cooldown: %s remaining", remaining)
	}
	if consecutive < t.config.MinConsecutive {
		return false, fmt.Sprintf("regime seen %d times, need %d", consecutive, t.config.MinConsecutive)
	}
	if confidence < t.config.MinConfidence {
		return false, fmt.Sprintf("regime confidence %.2f below %.2f", confidence, t.config.MinConfidence)
	}
	return true, ""
}

// Current returns the last verdict ingredients for a ticker without
// mutating state; ok is false for a ticker never observed.
func (t *Tracker) Current(ticker string) (types.Regime, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.state[ticker]
	if !ok {
		return types.RegimeUnknown, false
	}
	return st.regime, true
}
