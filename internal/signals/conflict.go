package signals

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// ConflictOutcome classifies the directional disagreement check.
type ConflictOutcome string

const (
	// OutcomeAgreed means no opposing view exists in the window.
	OutcomeAgreed ConflictOutcome = "AGREED"
	// OutcomeDissentAccepted means opposition exists but the candidate's
	// side carries more weight.
	OutcomeDissentAccepted ConflictOutcome = "DISSENT_ACCEPTED"
	// OutcomeConflictRejected means the opposing side outweighs the
	// candidate's side.
	OutcomeConflictRejected ConflictOutcome = "CONFLICT_REJECTED"
)

// ConflictResult records the resolution and the dissenting sources for
// the audit trail.
type ConflictResult struct {
	Outcome    ConflictOutcome `json:"outcome"`
	ForWeight  float64         `json:"forWeight"`
	AntiWeight float64         `json:"antiWeight"`
	Dissenting []string        `json:"dissenting,omitempty"`
	Reason     string          `json:"reason"`
}

// Accepted reports whether the candidate may proceed.
func (r ConflictResult) Accepted() bool {
	return r.Outcome != OutcomeConflictRejected
}

// ResolverConfig tunes conflict resolution.
type ResolverConfig struct {
	Lookback time.Duration
	// AllowOverride lets a strictly heavier candidate side proceed through
	// dissent. When false any opposition rejects.
	AllowOverride bool
}

// DefaultResolverConfig returns the production resolver settings.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Lookback:      20 * time.Minute,
		AllowOverride: true,
	}
}

// Resolver weighs the candidate's direction against opposing signals in
// the recent window.
type Resolver struct {
	logger *zap.Logger
	config ResolverConfig
	store  store.Store
}

// NewResolver creates the conflict-resolution stage.
func NewResolver(logger *zap.Logger, config ResolverConfig, st store.Store) *Resolver {
	return &Resolver{logger: logger.Named("conflict"), config: config, store: st}
}

// Resolve compares weighted support for the candidate's direction against
// the opposition. A store failure resolves as AGREED: conflict data is an
// additional guard, not an admission requirement.
func (r *Resolver) Resolve(ctx context.Context, candidate *types.Signal) ConflictResult {
	since := time.Now().Add(-r.config.Lookback)
	recent, err := r.store.RecentCompletedSignals(ctx, candidate.Symbol, since)
	if err != nil {
		r.logger.Warn("conflict history unavailable, treating as agreed",
			zap.String("signalId", candidate.ID),
			zap.Error(err),
		)
		return ConflictResult{
			Outcome:   OutcomeAgreed,
			ForWeight: SourceWeight(candidate.Source),
			Reason:    "history unavailable",
		}
	}

	forSources := map[types.SignalSource]bool{candidate.Source: true}
	antiSources := map[types.SignalSource]bool{}
	for i := range recent {
		sig := &recent[i]
		if sig.ID == candidate.ID || sig.Direction == types.DirectionNeutral {
			continue
		}
		if sig.Direction == candidate.Direction {
			forSources[sig.Source] = true
		} else {
			antiSources[sig.Source] = true
		}
	}

	var forWeight, antiWeight float64
	for src := range forSources {
		forWeight += SourceWeight(src)
	}
	for src := range antiSources {
		antiWeight += SourceWeight(src)
	}

	result := ConflictResult{
		ForWeight:  forWeight,
		AntiWeight: antiWeight,
		Dissenting: sourceNames(antiSources),
	}
	switch {
	case len(antiSources) == 0:
		result.Outcome = OutcomeAgreed
		result.Reason = "no opposing signals in window"
	case r.config.AllowOverride && forWeight > antiWeight:
		result.Outcome = OutcomeDissentAccepted
		result.Reason = fmt.Sprintf("candidate side %.2f outweighs dissent %.2f", forWeight, antiWeight)
	default:
		result.Outcome = OutcomeConflictRejected
		result.Reason = fmt.Sprintf("dissent %.2f matches or outweighs candidate side %.2f", antiWeight, forWeight)
	}

	r.logger.Info("conflict resolved",
		zap.String("signalId", candidate.ID),
		zap.String("outcome", string(result.Outcome)),
		zap.Float64("for", forWeight),
		zap.Float64("anti", antiWeight),
	)
	return result
}
