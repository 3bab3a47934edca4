// Package pipeline wires the intelligence components together: the bus
// feeds the window store, the rollup recorder and the realtime stream;
// the engines poll each other in dependency order; the cluster
// coordinator gates every engine tick so only the leader mutates shared
// state. Construction is explicit dependency injection, no globals.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/iscgrou/skywalker/internal/adaptive"
	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/bus"
	"github.com/iscgrou/skywalker/internal/cluster"
	"github.com/iscgrou/skywalker/internal/correlation"
	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/forecast"
	"github.com/iscgrou/skywalker/internal/hub"
	"github.com/iscgrou/skywalker/internal/prescriptive"
	"github.com/iscgrou/skywalker/internal/realtime"
	"github.com/iscgrou/skywalker/internal/rollup"
	"github.com/iscgrou/skywalker/internal/scenario"
	"github.com/iscgrou/skywalker/internal/window"
)

// Config carries the tunables the pipeline accepts from the environment.
// Zero values select each component's default.
type Config struct {
	BusMaxQueue       int
	BusOverflowPolicy bus.OverflowPolicy

	AggregateInterval    time.Duration
	AdaptiveInterval     time.Duration
	CorrelationInterval  time.Duration
	ForecastInterval     time.Duration
	PrescriptiveInterval time.Duration
	ScenarioInterval     time.Duration

	Version string
}

// Pipeline owns every intelligence component and their lifecycles.
type Pipeline struct {
	Bus          *bus.Bus
	Windows      *window.Store
	RollupStore  rollup.Store
	Recorder     *rollup.Recorder
	Aggregator   *aggregator.Aggregator
	Adaptive     *adaptive.Engine
	Correlation  *correlation.Engine
	Forecast     *forecast.Engine
	Prescriptive *prescriptive.Engine
	Scenario     *scenario.Engine
	Hub          *hub.Hub
	Coordinator  *cluster.Coordinator

	logger      *slog.Logger
	realtime    *realtime.Hub
	unsubscribe func()
	cancel      context.CancelFunc
}

// Option configures the pipeline.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	rollupStore  rollup.Store
	clusterStore cluster.Store
	elector      cluster.Elector
	realtime     *realtime.Hub
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRollupStore selects the persisted rollup store. Defaults to the
// in-memory store.
func WithRollupStore(s rollup.Store) Option {
	return func(o *options) { o.rollupStore = s }
}

// WithCluster enables multi-node coordination. Without it the pipeline
// runs single-node and is always leader.
func WithCluster(s cluster.Store, e cluster.Elector) Option {
	return func(o *options) {
		o.clusterStore = s
		o.elector = e
	}
}

// WithRealtime streams delivered envelopes, risk updates and new
// recommendations to the given WebSocket hub.
func WithRealtime(h *realtime.Hub) Option {
	return func(o *options) { o.realtime = h }
}

// New constructs the full pipeline. Nothing runs until Start.
func New(cfg Config, opts ...Option) *Pipeline {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.rollupStore == nil {
		o.rollupStore = rollup.NewMemoryStore()
	}

	p := &Pipeline{
		RollupStore: o.rollupStore,
		logger:      o.logger,
		realtime:    o.realtime,
	}

	var busOpts []bus.Option
	if cfg.BusMaxQueue > 0 {
		busOpts = append(busOpts, bus.WithMaxQueue(cfg.BusMaxQueue))
	}
	if cfg.BusOverflowPolicy != "" {
		busOpts = append(busOpts, bus.WithOverflowPolicy(cfg.BusOverflowPolicy))
	}
	busOpts = append(busOpts, bus.WithLogger(o.logger))
	p.Bus = bus.New(busOpts...)

	p.Windows = window.NewStore()
	p.Recorder = rollup.NewRecorder(o.rollupStore, o.logger)

	clusterOpts := []cluster.Option{cluster.WithLogger(o.logger)}
	if cfg.Version != "" {
		clusterOpts = append(clusterOpts, cluster.WithVersion(cfg.Version))
	}
	p.Coordinator = cluster.New(o.clusterStore, o.elector, clusterOpts...)
	gate := p.Coordinator.IsLeader

	aggOpts := []aggregator.Option{
		aggregator.WithLogger(o.logger),
		aggregator.WithInterval(cfg.AggregateInterval),
		aggregator.WithGate(gate),
	}
	if o.realtime != nil {
		rt := o.realtime
		aggOpts = append(aggOpts, aggregator.WithNotifier(func(st aggregator.State) {
			st.Snapshots = nil // keep the frame small
			rt.BroadcastRiskUpdate(st)
		}))
	}
	p.Aggregator = aggregator.New(p.Windows, aggOpts...)
	p.Adaptive = adaptive.New(o.rollupStore, p.Aggregator,
		adaptive.WithLogger(o.logger),
		adaptive.WithInterval(cfg.AdaptiveInterval),
		adaptive.WithGate(gate),
	)
	p.Correlation = correlation.New(p.Aggregator,
		correlation.WithLogger(o.logger),
		correlation.WithInterval(cfg.CorrelationInterval),
		correlation.WithGate(gate),
	)
	p.Forecast = forecast.New(p.Windows, p.Aggregator,
		forecast.WithLogger(o.logger),
		forecast.WithInterval(cfg.ForecastInterval),
		forecast.WithGate(gate),
	)
	rxOpts := []prescriptive.Option{
		prescriptive.WithLogger(o.logger),
		prescriptive.WithInterval(cfg.PrescriptiveInterval),
		prescriptive.WithGate(gate),
	}
	if o.realtime != nil {
		rt := o.realtime
		rxOpts = append(rxOpts, prescriptive.WithNotifier(func(rec prescriptive.Recommendation) {
			rt.BroadcastRecommendation(rec)
		}))
	}
	p.Prescriptive = prescriptive.New(p.Aggregator, p.Adaptive, p.Correlation, p.Forecast, rxOpts...)
	p.Scenario = scenario.New(p.Forecast, p.Correlation, p.Prescriptive,
		scenario.WithLogger(o.logger),
		scenario.WithInterval(cfg.ScenarioInterval),
		scenario.WithGate(gate),
	)
	p.Hub = hub.New(p.Bus, p.Windows, p.Aggregator, p.Adaptive, p.Correlation,
		p.Forecast, p.Prescriptive, p.Scenario, p.Coordinator)

	// Every delivered envelope feeds the ring buffers, the durable
	// rollups, and (when wired) the live stream.
	p.unsubscribe = p.Bus.Subscribe(bus.Subscription{
		Handler: func(e *event.Envelope) {
			p.Windows.Ingest(e)
			p.Recorder.Send(e)
			if p.realtime != nil {
				p.realtime.BroadcastEnvelope(e)
			}
		},
	})

	return p
}

// Publish validates and enqueues an envelope. Validation is soft-fail:
// the envelope is rejected but the pipeline keeps running.
func (p *Pipeline) Publish(e *event.Envelope) (bus.Result, event.Result) {
	v := event.Validate(e)
	if !v.OK {
		return bus.Result{Accepted: false, Reason: "validation failed"}, v
	}
	return p.Bus.Publish(e), v
}

// SetWeights applies a manual weight patch and resets the adaptive
// engine's smoothing memory so old targets do not drag the new values
// back.
func (p *Pipeline) SetWeights(patch aggregator.WeightPatch) aggregator.Weights {
	w := p.Aggregator.SetWeights(patch)
	p.Adaptive.ResetMemory(w)
	return w
}

// Start launches every background loop. Stop (or canceling ctx) shuts
// them down.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	go p.Bus.Run(runCtx)
	go p.Recorder.Start(runCtx)
	go p.Coordinator.Start(runCtx)
	go p.Aggregator.Start(runCtx)
	go p.Adaptive.Start(runCtx)
	go p.Correlation.Start(runCtx)
	go p.Forecast.Start(runCtx)
	go p.Prescriptive.Start(runCtx)
	go p.Scenario.Start(runCtx)

	p.logger.Info("pipeline started",
		"cluster", !p.Coordinator.SingleNode(),
		"node", p.Coordinator.NodeID(),
	)
}

// Stop shuts the pipeline down. The recorder flushes its remaining
// counts before exiting.
func (p *Pipeline) Stop() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	p.Scenario.Stop()
	p.Prescriptive.Stop()
	p.Forecast.Stop()
	p.Correlation.Stop()
	p.Adaptive.Stop()
	p.Aggregator.Stop()
	p.Coordinator.Stop()
	p.Recorder.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	p.logger.Info("pipeline stopped")
}
