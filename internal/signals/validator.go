package signals

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/marketdata"
	"github.com/tradeforge/options-engine/pkg/types"
)

// ValidationResult is the validator's verdict. OutOfSession signals are
// structurally sound but arrived outside tradeable hours; they queue
// instead of rejecting.
type ValidationResult struct {
	Valid        bool
	OutOfSession bool
	Reasons      []string
}

func (r ValidationResult) Reason() string {
	return strings.Join(r.Reasons, "; ")
}

// ValidatorConfig tunes the validation stage.
type ValidatorConfig struct {
	// MinQueueConfidence gates the out-of-session queue only. In-session
	// signals trade at any confidence; the decision chain weighs it.
	MinQueueConfidence float64
	AllowedSources     []types.SignalSource
}

// DefaultValidatorConfig returns the production validation settings.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinQueueConfidence: 70,
		AllowedSources: []types.SignalSource{
			types.SourceTradingView,
			types.SourceUltimateOption,
			types.SourceMTFTrendDots,
			types.SourceStratEngineV6,
			types.SourceORBStretch,
			types.SourceORBOrb,
			types.SourceORBEma,
			types.SourceORBBhch,
			types.SourceSatyPhase,
			types.SourceTwelveTechnical,
		},
	}
}

// Validator applies the structural and policy checks between normalization
// and deduplication.
type Validator struct {
	logger  *zap.Logger
	config  ValidatorConfig
	allowed map[types.SignalSource]bool
}

// NewValidator creates the validation stage.
func NewValidator(logger *zap.Logger, config ValidatorConfig) *Validator {
	allowed := make(map[types.SignalSource]bool, len(config.AllowedSources))
	for _, s := range config.AllowedSources {
		allowed[s] = true
	}
	return &Validator{
		logger:  logger.Named("validator"),
		config:  config,
		allowed: allowed,
	}
}

// Validate checks sig against the admission rules. session is the current
// market session; structurally valid signals outside tradeable hours come
// back OutOfSession rather than rejected.
func (v *Validator) Validate(sig *types.Signal, session types.MarketSession, now time.Time) ValidationResult {
	var reasons []string

	if !v.allowed[sig.Source] {
		reasons = append(reasons, fmt.Sprintf("source %q is not allowed", sig.Source))
	}
	if sig.Symbol == "" {
		reasons = append(reasons, "symbol is empty")
	}
	if sig.Action != types.ActionClose {
		if !sig.Strike.IsPositive() {
			reasons = append(reasons, "strike must be positive")
		}
		if sig.Quantity <= 0 {
			reasons = append(reasons, "quantity must be positive")
		}
		if sig.OptionType != types.OptionCall && sig.OptionType != types.OptionPut {
			reasons = append(reasons, "option type must be CALL or PUT")
		}
		exp, err := time.Parse("2006-01-02", sig.Expiration)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("expiration %q is malformed", sig.Expiration))
		} else if exp.Before(now.Truncate(24 * time.Hour)) {
			reasons = append(reasons, fmt.Sprintf("expiration %s is in the past", sig.Expiration))
		}
	}

	if len(reasons) > 0 {
		v.logger.Info("signal rejected by validation",
			zap.String("signalId", sig.ID),
			zap.String("symbol", sig.Symbol),
			zap.Strings("reasons", reasons),
		)
		return ValidationResult{Valid: false, Reasons: reasons}
	}

	// Close instructions run in any session: exiting risk is always allowed.
	if sig.Action != types.ActionClose && !marketdata.SessionOpenForTrading(session) {
		// Only strong signals earn a spot in the queue; the rest reject.
		if sig.Confidence < v.config.MinQueueConfidence {
			return ValidationResult{
				Valid: false,
				Reasons: []string{fmt.Sprintf("session %s is closed and confidence %.1f is below the queue threshold %.1f",
					session, sig.Confidence, v.config.MinQueueConfidence)},
			}
		}
		return ValidationResult{
			Valid:        true,
			OutOfSession: true,
			Reasons:      []string{fmt.Sprintf("session %s does not accept new entries", session)},
		}
	}
	return ValidationResult{Valid: true}
}
