package broker

import (
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/config"
	"github.com/tradeforge/options-engine/pkg/types"
)

// Selection is the factory's decision record: which adapter was chosen,
// the effective mode, and why live execution was withheld when it was.
type Selection struct {
	Adapter       Adapter
	Mode          types.TradingMode
	Reason        string // populated when live was requested but not granted
	FellBackPaper bool
}

// Factory resolves the effective execution adapter from configuration.
// Live execution requires both APP_MODE=LIVE and ALLOW_LIVE_EXECUTION=true;
// any other combination runs paper regardless of credentials.
type Factory struct {
	logger *zap.Logger
	config *config.Config
	quote  QuoteFunc
}

// NewFactory creates the adapter factory. quote feeds the paper simulator.
func NewFactory(logger *zap.Logger, cfg *config.Config, quote QuoteFunc) *Factory {
	return &Factory{logger: logger.Named("broker-factory"), config: cfg, quote: quote}
}

// Select applies the safety gate and returns the adapter to trade through.
// The returned Selection always carries a usable adapter; paper is the
// fallback of last resort and never fails to construct.
func (f *Factory) Select() Selection {
	cfg := f.config

	if cfg.AppMode != types.ModeLive {
		return f.paper("")
	}
	if !cfg.AllowLiveExecution {
		f.logger.Warn("live mode requested but execution flag is off; running paper",
			zap.String("appMode", string(cfg.AppMode)),
		)
		return f.paper("ALLOW_LIVE_EXECUTION is not enabled")
	}

	// Both flags set: try the preferred broker, then the other, then paper.
	order := []string{"tradier", "alpaca"}
	if cfg.PreferredBroker == "alpaca" {
		order = []string{"alpaca", "tradier"}
	}
	for _, name := range order {
		adapter := f.buildLive(name)
		if adapter != nil && adapter.IsConfigured() {
			f.logger.Info("live execution enabled",
				zap.String("broker", name),
			)
			return Selection{Adapter: adapter, Mode: types.ModeLive}
		}
		f.logger.Warn("live broker not configured, trying next",
			zap.String("broker", name),
		)
	}

	f.logger.Error("no live broker configured; falling back to paper")
	return f.paper("no live broker credentials configured")
}

func (f *Factory) paper(reason string) Selection {
	adapter := NewPaperAdapter(f.logger, DefaultPaperConfig(), f.quote)
	return Selection{
		Adapter:       adapter,
		Mode:          types.ModePaper,
		Reason:        reason,
		FellBackPaper: reason != "",
	}
}

func (f *Factory) buildLive(name string) Adapter {
	switch name {
	case "tradier":
		return NewTradierAdapter(f.logger, TradierConfig{
			APIKey:    f.config.TradierAPIKey,
			AccountID: f.config.TradierAccountID,
			Sandbox:   f.config.TradierSandbox,
			Timeout:   f.config.BrokerTimeout,
		})
	case "alpaca":
		return NewAlpacaAdapter(f.logger, AlpacaConfig{
			APIKey:    f.config.AlpacaAPIKey,
			APISecret: f.config.AlpacaSecretKey,
			Paper:     f.config.AlpacaPaper,
			Timeout:   f.config.BrokerTimeout,
		})
	}
	return nil
}
