// Package pipeline runs each inbound webhook payload through reception,
// normalization, validation, deduplication, and on into the decision chain.
// Signals fail independently: one bad payload never blocks the next.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/options-engine/internal/decision"
	"github.com/tradeforge/options-engine/internal/marketdata"
	"github.com/tradeforge/options-engine/internal/metrics"
	"github.com/tradeforge/options-engine/internal/signals"
	"github.com/tradeforge/options-engine/internal/store"
	"github.com/tradeforge/options-engine/pkg/types"
)

// Disposition is the synchronous answer to a webhook payload. EXECUTED and
// the decision detail arrive later through the async decision stage.
type Disposition string

const (
	DispositionAccepted  Disposition = "ACCEPTED"
	DispositionDuplicate Disposition = "DUPLICATE"
	DispositionRejected  Disposition = "REJECTED"
	DispositionQueued    Disposition = "QUEUED"
	DispositionMalformed Disposition = "MALFORMED"
)

// Receipt is returned to the webhook caller.
type Receipt struct {
	TrackingID  string      `json:"request_id"`
	SignalID    string      `json:"signal_id,omitempty"`
	Disposition Disposition `json:"status"`
	Detail      string      `json:"detail,omitempty"`
}

// entry price hints are read in priority order from the payload metadata.
var priceHintKeys = []string{
	"price", "entryPrice", "limit_price", "last", "close",
	"current_price", "underlying_price",
}

// Config tunes the pipeline.
type Config struct {
	// Async runs the decision stage in a goroutine so the webhook can
	// answer immediately. Tests run synchronously.
	Async bool
	// DrainInterval is how often the session queue is checked.
	DrainInterval time.Duration
}

// DefaultConfig returns the production pipeline settings.
func DefaultConfig() Config {
	return Config{Async: true, DrainInterval: 30 * time.Second}
}

// Pipeline is the signal intake path.
type Pipeline struct {
	logger     *zap.Logger
	config     Config
	store      store.Store
	provider   marketdata.Provider
	normalizer *signals.Normalizer
	validator  *signals.Validator
	deduper    *signals.Deduper
	queue      *signals.Queue
	orch       *decision.Orchestrator
	metrics    *metrics.Metrics

	now    func() time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// New wires the pipeline stages.
func New(
	logger *zap.Logger,
	config Config,
	st store.Store,
	provider marketdata.Provider,
	normalizer *signals.Normalizer,
	validator *signals.Validator,
	deduper *signals.Deduper,
	queue *signals.Queue,
	orch *decision.Orchestrator,
	m *metrics.Metrics,
) *Pipeline {
	if config.DrainInterval <= 0 {
		config.DrainInterval = 30 * time.Second
	}
	return &Pipeline{
		logger:     logger.Named("pipeline"),
		config:     config,
		store:      st,
		provider:   provider,
		normalizer: normalizer,
		validator:  validator,
		deduper:    deduper,
		queue:      queue,
		orch:       orch,
		metrics:    m,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Submit runs the synchronous stages and hands accepted signals to the
// decision chain. The returned receipt is what the webhook reports.
func (p *Pipeline) Submit(ctx context.Context, raw []byte) Receipt {
	trackingID := uuid.New().String()
	log := p.logger.With(zap.String("trackingId", trackingID))
	p.metrics.SignalsReceived.Inc()

	// Normalization.
	sig, err := p.normalizer.Normalize(raw, p.now())
	if err != nil {
		log.Warn("normalization failed", zap.Error(err))
		p.metrics.SignalsRejected.WithLabelValues("normalization").Inc()
		return Receipt{TrackingID: trackingID, Disposition: DispositionMalformed, Detail: err.Error()}
	}
	sig.ID = uuid.New().String()
	sig.RawPayload = raw
	sig.Status = types.SignalStatusPending
	sig.CreatedAt = p.now()
	attachPriceHint(sig)
	if err := p.store.InsertSignal(ctx, sig); err != nil {
		log.Error("persisting signal", zap.Error(err))
		p.metrics.SignalsFailed.Inc()
		return Receipt{TrackingID: trackingID, Disposition: DispositionRejected, Detail: "storage unavailable"}
	}
	log = log.With(
		zap.String("signalId", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("source", string(sig.Source)),
	)

	// Validation against content rules and the trading session.
	session := p.currentSession(ctx)
	vr := p.validator.Validate(sig, session, p.now())
	if !vr.Valid {
		log.Info("signal rejected by validation", zap.String("reason", vr.Reason()))
		p.markSignal(ctx, sig.ID, types.SignalStatusRejected, vr.Reason())
		p.metrics.SignalsRejected.WithLabelValues("validation").Inc()
		return Receipt{TrackingID: trackingID, SignalID: sig.ID, Disposition: DispositionRejected, Detail: vr.Reason()}
	}

	// Deduplication. The receipt points at the first admitted signal so
	// retried webhooks track the same record.
	if dup, originalID := p.deduper.IsDuplicate(ctx, sig); dup {
		log.Info("duplicate signal dropped", zap.String("originalId", originalID))
		p.markSignal(ctx, sig.ID, types.SignalStatusRejected, "duplicate")
		p.metrics.SignalsDuplicate.Inc()
		if originalID == "" {
			originalID = sig.ID
		}
		return Receipt{TrackingID: trackingID, SignalID: originalID, Disposition: DispositionDuplicate}
	}

	p.markSignal(ctx, sig.ID, types.SignalStatusValidated, "")
	if vr.OutOfSession {
		if p.queue.Enqueue(sig) {
			log.Info("signal queued until the session opens")
			p.metrics.SignalsQueued.Inc()
		}
		return Receipt{TrackingID: trackingID, SignalID: sig.ID, Disposition: DispositionQueued}
	}

	if p.config.Async {
		go p.decide(context.WithoutCancel(ctx), log, sig)
	} else {
		p.decide(ctx, log, sig)
	}
	return Receipt{TrackingID: trackingID, SignalID: sig.ID, Disposition: DispositionAccepted}
}

// decide runs the decision chain for one validated signal.
func (p *Pipeline) decide(ctx context.Context, log *zap.Logger, sig *types.Signal) {
	p.markSignal(ctx, sig.ID, types.SignalStatusProcessing, "")
	started := p.now()
	result, err := p.orch.Decide(ctx, sig)
	p.metrics.DecisionDuration.Observe(p.now().Sub(started).Seconds())
	if err != nil {
		log.Error("decision chain failed", zap.Error(err))
		p.markSignal(ctx, sig.ID, types.SignalStatusFailed, err.Error())
		p.metrics.SignalsFailed.Inc()
		return
	}

	switch result.Verdict {
	case decision.VerdictExecuted, decision.VerdictClosed:
		p.metrics.SignalsExecuted.Inc()
	case decision.VerdictRejected:
		p.metrics.SignalsRejected.WithLabelValues("decision").Inc()
	}
	log.Info("decision complete",
		zap.String("verdict", string(result.Verdict)),
		zap.String("rejectCode", result.RejectCode),
		zap.Float64("confidence", result.Confidence),
	)
}

// Start launches the queue drain loop.
func (p *Pipeline) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.config.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.DrainQueue(ctx)
			}
		}
	}()
}

// Stop terminates the drain loop.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

// DrainQueue releases parked signals when the session allows and runs each
// through the decision chain.
func (p *Pipeline) DrainQueue(ctx context.Context) int {
	session := p.currentSession(ctx)
	drained := p.queue.Drain(session)
	for _, sig := range drained {
		log := p.logger.With(
			zap.String("signalId", sig.ID),
			zap.String("symbol", sig.Symbol),
		)
		log.Info("processing queued signal", zap.String("session", string(session)))
		p.decide(ctx, log, sig)
	}
	return len(drained)
}

func (p *Pipeline) currentSession(ctx context.Context) types.MarketSession {
	sched, err := p.provider.GetMarketSchedule(ctx)
	if err != nil {
		p.logger.Warn("market schedule unavailable", zap.Error(err))
		return types.SessionClosed
	}
	return sched.Session
}

func (p *Pipeline) markSignal(ctx context.Context, id string, status types.SignalStatus, detail string) {
	if err := p.store.UpdateSignalStatus(ctx, id, status, detail); err != nil {
		p.logger.Warn("updating signal status", zap.String("signalId", id), zap.Error(err))
	}
}

// attachPriceHint promotes the best available payload price into a single
// metadata key the decision chain can read.
func attachPriceHint(sig *types.Signal) {
	if sig.Metadata == nil {
		return
	}
	for _, key := range priceHintKeys {
		raw, ok := sig.Metadata[key]
		if !ok {
			continue
		}
		if d, err := toPrice(raw); err == nil && d.IsPositive() {
			sig.Metadata["entryPriceHint"] = d.InexactFloat64()
			return
		}
	}
}

func toPrice(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		return decimal.NewFromString(v)
	case int:
		return decimal.NewFromInt(int64(v)), nil
	}
	return decimal.Zero, fmt.Errorf("unsupported price type %T", raw)
}
