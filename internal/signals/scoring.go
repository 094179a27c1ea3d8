package signals

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// sourceWeights rank each vendor's historical signal quality. Primary
// sources carry weight 1.4 and above.
var sourceWeights = map[types.SignalSource]float64{
	types.SourceUltimateOption:  1.6,
	types.SourceMTFTrendDots:    1.5,
	types.SourceStratEngineV6:   1.4,
	types.SourceTwelveTechnical: 1.4,
	types.SourceORBStretch:      1.3,
	types.SourceORBOrb:          1.0,
	types.SourceSatyPhase:       0.8,
	types.SourceTradingView:     0.7,
	types.SourceORBEma:          0.5,
	types.SourceORBBhch:         0.4,
}

const defaultSourceWeight = 0.5

// SourceWeight returns the confluence weight for a source.
func SourceWeight(s types.SignalSource) float64 {
	if w, ok := sourceWeights[s]; ok {
		return w
	}
	return defaultSourceWeight
}

// IsPrimarySource reports whether the source is trusted enough to anchor
// an entry on its own.
func IsPrimarySource(s types.SignalSource) bool {
	return SourceWeight(s) >= 1.4
}

// ConfluenceResult summarizes the multi-source agreement check for one
// candidate signal.
type ConfluenceResult struct {
	Approved           bool     `json:"approved"`
	AgreeingSources    []string `json:"agreeingSources"`
	ConflictingSources []string `json:"conflictingSources"`
	WeightedScore      float64  `json:"weightedScore"`
	ConfidenceBoost    float64  `json:"confidenceBoost"` // additive, confidence points
	Reason             string   `json:"reason"`
}

// ScorerConfig tunes confluence scoring.
type ScorerConfig struct {
	Lookback         time.Duration
	MinAgreeing      int
	MinWeightedScore float64
	RequirePrimary   bool
	ADXThreshold     float64
}

// DefaultScorerConfig returns the production scoring settings.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Lookback:         20 * time.Minute,
		MinAgreeing:      2,
		MinWeightedScore: 1.8,
		RequirePrimary:   true,
		ADXThreshold:     25,
	}
}

// Scorer measures cross-source agreement for a candidate signal against
// the recent signal history for the same underlying.
type Scorer struct {
	logger *zap.Logger
	config ScorerConfig
	store  store.Store
}

// NewScorer creates the confluence stage.
func NewScorer(logger *zap.Logger, config ScorerConfig, st store.Store) *Scorer {
	return &Scorer{logger: logger.Named("confluence"), config: config, store: st}
}

// Score evaluates the candidate against recent same-symbol history. A store
// failure fails open: the candidate passes on its own merits with no boost.
func (s *Scorer) Score(ctx context.Context, candidate *types.Signal) ConfluenceResult {
	since := time.Now().Add(-s.config.Lookback)
	recent, err := s.store.RecentCompletedSignals(ctx, candidate.Symbol, since)
	if err != nil {
		s.logger.Warn("confluence history unavailable, passing candidate standalone",
			zap.String("signalId", candidate.ID),
			zap.Error(err),
		)
		return ConfluenceResult{
			Approved:        true,
			AgreeingSources: []string{string(candidate.Source)},
			WeightedScore:   SourceWeight(candidate.Source),
			Reason:          "history unavailable, standalone pass",
		}
	}

	// Per source, the most recent view wins: a vendor that flipped sides
	// inside the lookback counts only on its latest direction. The
	// candidate always speaks for its own source.
	latest := map[types.SignalSource]*types.Signal{}
	for i := range recent {
		sig := &recent[i]
		if sig.ID == candidate.ID || sig.Direction == types.DirectionNeutral {
			continue
		}
		if held, ok := latest[sig.Source]; !ok || sig.CreatedAt.After(held.CreatedAt) {
			latest[sig.Source] = sig
		}
	}

	agree := map[types.SignalSource]bool{candidate.Source: true}
	conflict := map[types.SignalSource]bool{}
	for src, sig := range latest {
		if src == candidate.Source {
			continue
		}
		if sig.Direction == candidate.Direction {
			agree[src] = true
		} else {
			conflict[src] = true
		}
	}

	var weighted float64
	hasPrimary := false
	for src := range agree {
		weighted += SourceWeight(src)
		if IsPrimarySource(src) {
			hasPrimary = true
		}
	}

	result := ConfluenceResult{
		AgreeingSources:    sourceNames(agree),
		ConflictingSources: sourceNames(conflict),
		WeightedScore:      weighted,
	}

	switch {
	case len(agree) < s.config.MinAgreeing:
		result.Reason = fmt.Sprintf("only %d agreeing sources, need %d", len(agree), s.config.MinAgreeing)
	case weighted < s.config.MinWeightedScore:
		result.Reason = fmt.Sprintf("weighted score %.2f below %.2f", weighted, s.config.MinWeightedScore)
	case len(conflict) >= len(agree):
		result.Reason = fmt.Sprintf("%d conflicting sources outweigh %d agreeing", len(conflict), len(agree))
	case s.config.RequirePrimary && !hasPrimary:
		result.Reason = "no primary source in agreement"
	default:
		result.Approved = true
		result.ConfidenceBoost = s.boost(candidate, len(agree), len(conflict), weighted, hasPrimary)
	}

	s.logger.Info("confluence scored",
		zap.String("signalId", candidate.ID),
		zap.String("symbol", candidate.Symbol),
		zap.Bool("approved", result.Approved),
		zap.Int("agreeing", len(agree)),
		zap.Int("conflicting", len(conflict)),
		zap.Float64("weighted", weighted),
		zap.Float64("boost", result.ConfidenceBoost),
	)
	return result
}

// boost converts the agreement profile into additive confidence points.
func (s *Scorer) boost(candidate *types.Signal, agreeing, conflicting int, weighted float64, hasPrimary bool) float64 {
	var b float64
	switch {
	case agreeing >= 4:
		b = 0.50
	case agreeing == 3:
		b = 0.30
	case agreeing == 2:
		b = 0.15
	}
	if hasPrimary {
		b += 0.10
	}
	switch {
	case weighted >= 4.0:
		b += 0.15
	case weighted >= 3.0:
		b += 0.08
	}
	if adx, ok := metadataFloat(candidate.Metadata, "adx"); ok && adx >= s.config.ADXThreshold {
		b += 0.10
	}
	if conflicting > 0 {
		penalty := 1 - 0.25*float64(conflicting)
		if penalty < 0.3 {
			penalty = 0.3
		}
		b *= penalty
	}
	// Boost is expressed in confidence points on the 0-100 scale.
	return b * 100
}

func sourceNames(set map[types.SignalSource]bool) []string {
	out := make([]string, 0, len(set))
	for src := range set {
		out = append(out, string(src))
	}
	sort.Strings(out)
	return out
}

func metadataFloat(meta map[string]any, key string) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, false
	}
	return f, true
}
