// Package adaptive recomputes per-component baselines from persisted
// rollups and nudges the aggregator's weight triple toward the components
// that deviate most from their own history. Weight motion is smoothed with
// an EMA so a single noisy recompute cannot jerk the risk index around.
package adaptive

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/rollup"
)

const (
	// LookbackHours bounds how much rollup history feeds a baseline.
	LookbackHours = 6
	// ThresholdStdFactor sets the alert threshold at mean + k*std.
	ThresholdStdFactor = 1.8
	// MinSamples is the baseline reliability floor. Below it the hourly
	// resolution falls back to 5m buckets, and a still-thin baseline
	// produces no adaptive signal at all.
	MinSamples = 5

	// Adaptive weights move inside a tighter band than manual updates.
	MinAdaptiveWeight = 0.15
	MaxAdaptiveWeight = 0.55

	// deviationBoost scales how strongly deviation inflates a weight;
	// deviations are capped so one screaming component cannot take the
	// whole triple.
	deviationBoost = 0.15
	maxDeviation   = 3.0

	// emaKeep is the share of the previous triple kept on each blend.
	emaKeep = 0.8
)

// DefaultInterval is the recompute cadence.
const DefaultInterval = 60 * time.Second

// Baseline is the learned history profile of one component.
type Baseline struct {
	Component string    `json:"component"`
	Mean      float64   `json:"mean"`
	Std       float64   `json:"std"`
	Samples   int       `json:"samples"`
	Threshold float64   `json:"threshold"` // mean + 1.8*std
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status is the engine view exposed over HTTP.
type Status struct {
	Baselines  map[string]Baseline `json:"baselines"`
	Deviations map[string]float64  `json:"deviations"`
	Weights    aggregator.Weights  `json:"weights"`
	LastRun    time.Time           `json:"lastRun"`
	Runs       int64               `json:"runs"`
}

// componentKinds maps each weight component to the event kind whose rollup
// history drives its baseline.
var componentKinds = map[string]event.Kind{
	aggregator.ComponentGovernance: event.KindGovernanceAlert,
	aggregator.ComponentSecurity:   event.KindSecuritySignal,
	aggregator.ComponentAnomaly:    event.KindUserAnomaly,
}

// Engine periodically rebuilds baselines and feeds adapted weights to the
// aggregator.
type Engine struct {
	store  rollup.Store
	agg    *aggregator.Aggregator
	logger *slog.Logger

	mu         sync.Mutex
	baselines  map[string]Baseline
	deviations map[string]float64
	ema        aggregator.Weights
	lastRun    time.Time
	runs       int64

	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
	ticking  atomic.Bool
	gate     func() bool
	now      func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithInterval overrides the recompute cadence.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithGate installs the leadership gate checked before each tick.
func WithGate(gate func() bool) Option {
	return func(e *Engine) { e.gate = gate }
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an adaptive engine over the rollup store and aggregator.
func New(store rollup.Store, agg *aggregator.Aggregator, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		agg:        agg,
		logger:     slog.Default(),
		baselines:  make(map[string]Baseline),
		deviations: make(map[string]float64),
		ema:        agg.GetWeights(),
		interval:   DefaultInterval,
		stop:       make(chan struct{}),
		gate:       func() bool { return true },
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether the recompute loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start runs the recompute loop. Call in a goroutine.
func (e *Engine) Start(ctx context.Context) {
	e.running.Store(true)
	defer e.running.Store(false)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.safeTick(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (e *Engine) Stop() {
	select {
	case e.stop <- struct{}{}:
	default:
	}
}

func (e *Engine) safeTick(ctx context.Context) {
	if !e.gate() {
		return
	}
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in adaptive tick", "panic", fmt.Sprint(r))
		}
	}()
	e.RunOnce(ctx)
}

// RunOnce rebuilds baselines from rollup history and pushes the blended
// weight triple to the aggregator. Store failures keep the previous
// baselines; adaptation degrades rather than stops.
func (e *Engine) RunOnce(ctx context.Context) {
	now := e.now()
	rates := e.agg.GetState().Rates
	current := map[string]float64{
		aggregator.ComponentGovernance: rates.Governance,
		aggregator.ComponentSecurity:   rates.Security,
		aggregator.ComponentAnomaly:    rates.Anomaly,
	}

	baselines := make(map[string]Baseline, len(componentKinds))
	deviations := make(map[string]float64, len(componentKinds))
	for component, kind := range componentKinds {
		b, err := e.computeBaseline(ctx, component, kind, now)
		if err != nil {
			e.logger.Warn("baseline recompute failed, keeping previous",
				"component", component, "error", err)
			e.mu.Lock()
			b = e.baselines[component]
			e.mu.Unlock()
			b.Component = component
		}
		baselines[component] = b
		if b.Samples < MinSamples {
			deviations[component] = 0
		} else {
			deviations[component] = Deviation(current[component], b.Mean, b.Std)
		}
	}

	target := TargetWeights(aggregator.DefaultWeights(), deviations)

	e.mu.Lock()
	blended := Blend(e.ema, target)
	e.ema = blended
	e.baselines = baselines
	e.deviations = deviations
	e.lastRun = now
	e.runs++
	e.mu.Unlock()

	e.agg.ReplaceWeights(blended, MinAdaptiveWeight, MaxAdaptiveWeight)
}

// computeBaseline derives mean/std from rollup history. Hourly buckets are
// preferred; with too few the 5m resolution fills in.
func (e *Engine) computeBaseline(ctx context.Context, component string, kind event.Kind, now time.Time) (Baseline, error) {
	since := now.Add(-LookbackHours * time.Hour)

	counts, err := e.bucketCounts(ctx, rollup.WindowHour, kind, since, now)
	if err != nil {
		return Baseline{}, err
	}
	if len(counts) < MinSamples {
		counts, err = e.bucketCounts(ctx, rollup.Window5Min, kind, since, now)
		if err != nil {
			return Baseline{}, err
		}
	}

	mean, std := meanStd(counts)
	threshold := mean + ThresholdStdFactor*std
	if std <= 0 {
		// Degenerate spread: fall back to a flat margin over the mean.
		threshold = mean * 1.5
		if threshold <= 0 {
			threshold = 1
		}
	}
	return Baseline{
		Component: component,
		Mean:      mean,
		Std:       std,
		Samples:   len(counts),
		Threshold: threshold,
		UpdatedAt: now,
	}, nil
}

func (e *Engine) bucketCounts(ctx context.Context, windowMs int64, kind event.Kind, from, to time.Time) ([]float64, error) {
	rows, err := e.store.Query(ctx, rollup.Query{
		WindowMS: windowMs,
		Kind:     string(kind),
		From:     from,
		To:       to,
		Limit:    1000,
	})
	if err != nil {
		return nil, err
	}
	counts := make([]float64, 0, len(rows))
	for _, r := range rows {
		counts = append(counts, float64(r.Count))
	}
	return counts, nil
}

// ResetMemory restarts EMA smoothing from the given triple. Called after a
// manual weight update so adaptation resumes from the operator's choice
// instead of fighting it.
func (e *Engine) ResetMemory(w aggregator.Weights) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ema = w
}

// GetStatus returns a snapshot of the engine state.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	baselines := make(map[string]Baseline, len(e.baselines))
	for k, v := range e.baselines {
		baselines[k] = v
	}
	deviations := make(map[string]float64, len(e.deviations))
	for k, v := range e.deviations {
		deviations[k] = v
	}
	return Status{
		Baselines:  baselines,
		Deviations: deviations,
		Weights:    e.ema,
		LastRun:    e.lastRun,
		Runs:       e.runs,
	}
}

// Deviation measures how far the current rate sits above its baseline, in
// baseline units. The denominator falls back to the mean (or 1) when the
// history is too flat for a meaningful std.
func Deviation(current, mean, std float64) float64 {
	denom := std
	if denom <= 0 {
		denom = mean
	}
	if denom <= 0 {
		denom = 1
	}
	d := (current - mean) / denom
	if d < 0 {
		return 0
	}
	return d
}

// TargetWeights inflates each base weight by its capped deviation, then
// clamps and renormalizes into the adaptive band.
func TargetWeights(base aggregator.Weights, deviations map[string]float64) aggregator.Weights {
	boost := func(w, dev float64) float64 {
		return w * (1 + deviationBoost*math.Min(maxDeviation, dev))
	}
	w := aggregator.Weights{
		Governance: boost(base.Governance, deviations[aggregator.ComponentGovernance]),
		Security:   boost(base.Security, deviations[aggregator.ComponentSecurity]),
		Anomaly:    boost(base.Anomaly, deviations[aggregator.ComponentAnomaly]),
	}
	return aggregator.ClampNormalize(w, MinAdaptiveWeight, MaxAdaptiveWeight)
}

// Blend applies EMA smoothing between the previous and target triples.
func Blend(prev, next aggregator.Weights) aggregator.Weights {
	mix := func(p, n float64) float64 { return p*emaKeep + n*(1-emaKeep) }
	return aggregator.Weights{
		Governance: mix(prev.Governance, next.Governance),
		Security:   mix(prev.Security, next.Security),
		Anomaly:    mix(prev.Anomaly, next.Anomaly),
	}
}

// meanStd computes mean and population standard deviation.
func meanStd(vals []float64) (mean, std float64) {
	n := len(vals)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean = sum / float64(n)

	var varianceSum float64
	for _, v := range vals {
		diff := v - mean
		varianceSum += diff * diff
	}
	return mean, math.Sqrt(varianceSum / float64(n))
}
