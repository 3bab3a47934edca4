// Package aggregator derives the 0-100 risk index from window snapshots.
//
// Three signal components are tracked: governance alerts, security signals
// and behavioral anomalies. Raw counts are log-dampened so a handful of
// events cannot saturate the score, then combined through an adjustable
// weight triple. The weight triple is the one piece of state mutated by
// three different actors (manual API, adaptive thresholds, prescriptive
// apply), so every mutation path runs under the aggregator mutex with the
// clamp-then-renormalize step held atomically.
package aggregator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/metrics"
	"github.com/iscgrou/skywalker/internal/window"
)

// Component names used across the pipeline.
const (
	ComponentGovernance = "governance"
	ComponentSecurity   = "security"
	ComponentAnomaly    = "anomaly"
)

// Default weights and clamp bounds for manual weight updates.
const (
	DefaultGovernanceWeight = 0.40
	DefaultSecurityWeight   = 0.35
	DefaultAnomalyWeight    = 0.25

	MinWeight = 0.05
	MaxWeight = 0.80
)

// DefaultInterval is the recompute cadence.
const DefaultInterval = 15 * time.Second

// Weights is the component weight triple. Invariant: each in
// [MinWeight, MaxWeight], sum exactly 1 after any update.
type Weights struct {
	Governance float64 `json:"governance"`
	Security   float64 `json:"security"`
	Anomaly    float64 `json:"anomaly"`
}

// DefaultWeights returns the initial triple.
func DefaultWeights() Weights {
	return Weights{
		Governance: DefaultGovernanceWeight,
		Security:   DefaultSecurityWeight,
		Anomaly:    DefaultAnomalyWeight,
	}
}

// WeightPatch is a partial weight update; nil fields keep current values.
type WeightPatch struct {
	Governance *float64 `json:"governance,omitempty"`
	Security   *float64 `json:"security,omitempty"`
	Anomaly    *float64 `json:"anomaly,omitempty"`
}

// Components holds the per-component 0-100 scores.
type Components struct {
	Governance int `json:"governance"`
	Security   int `json:"security"`
	Anomaly    int `json:"anomaly"`
}

// Rates holds the blended per-minute signal rates feeding the scores.
type Rates struct {
	Governance float64 `json:"governance"`
	Security   float64 `json:"security"`
	Anomaly    float64 `json:"anomaly"`
}

// State is the derived risk state read by every downstream engine.
type State struct {
	RiskIndex   int                        `json:"riskIndex"`
	Components  Components                 `json:"components"`
	Rates       Rates                      `json:"rates"`
	Weights     Weights                    `json:"weights"`
	LastUpdated time.Time                  `json:"lastUpdated"`
	Snapshots   map[int64]*window.Snapshot `json:"snapshots,omitempty"`
}

// NormalizeCount maps a raw signal count to [0,1] with log dampening:
// 0 for nothing, saturating at 1.0 around v~99.
func NormalizeCount(v float64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Min(1, math.Log10(1+v)/2)
}

// RiskIndex combines normalized component scores with a weight triple into
// the 0-100 index.
func RiskIndex(gov, sec, anom float64, w Weights) int {
	return int(math.Round(100 * (gov*w.Governance + sec*w.Security + anom*w.Anomaly)))
}

// BlendedRate approximates a per-minute rate from the 60s count plus the
// down-weighted 5m count, so short bursts and sustained activity both
// register on a comparable scale.
func BlendedRate(c60, c300 int) float64 {
	return float64(c60) + float64(c300)/5
}

// Aggregator polls the window store and maintains the derived risk state.
type Aggregator struct {
	windows *window.Store
	logger  *slog.Logger

	mu      sync.Mutex
	weights Weights
	state   State

	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
	ticking  atomic.Bool // re-entrancy guard: a slow tick never overlaps the next

	// gate reports whether this node may drive computation (cluster
	// leadership). Always true in single-node mode.
	gate   func() bool
	notify func(State)
}

// Option configures the aggregator.
type Option func(*Aggregator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithInterval overrides the recompute cadence.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithGate installs the leadership gate checked before each tick.
func WithGate(gate func() bool) Option {
	return func(a *Aggregator) { a.gate = gate }
}

// WithNotifier installs a callback invoked with the fresh state after
// every recompute, outside the aggregator lock.
func WithNotifier(fn func(State)) Option {
	return func(a *Aggregator) { a.notify = fn }
}

// New creates an aggregator over the given window store.
func New(windows *window.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		windows:  windows,
		logger:   slog.Default(),
		weights:  DefaultWeights(),
		interval: DefaultInterval,
		stop:     make(chan struct{}),
		gate:     func() bool { return true },
	}
	a.state = State{Weights: a.weights}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Running reports whether the recompute loop is active.
func (a *Aggregator) Running() bool {
	return a.running.Load()
}

// Start runs the recompute loop. Call in a goroutine.
func (a *Aggregator) Start(ctx context.Context) {
	a.running.Store(true)
	defer a.running.Store(false)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.safeTick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.safeTick()
		}
	}
}

// Stop signals the loop to stop.
func (a *Aggregator) Stop() {
	select {
	case a.stop <- struct{}{}:
	default:
	}
}

func (a *Aggregator) safeTick() {
	if !a.gate() {
		return
	}
	if !a.ticking.CompareAndSwap(false, true) {
		return
	}
	defer a.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("panic in aggregator tick", "panic", r)
		}
	}()
	a.Recompute()
}

// Recompute pulls fresh snapshots and rebuilds the risk state.
func (a *Aggregator) Recompute() {
	s60 := a.windows.GetSnapshot(60_000)
	s300 := a.windows.GetSnapshot(300_000)
	if s60 == nil || s300 == nil {
		return
	}

	rates := Rates{
		Governance: BlendedRate(s60.ByKind[event.KindGovernanceAlert], s300.ByKind[event.KindGovernanceAlert]),
		Security:   BlendedRate(s60.ByKind[event.KindSecuritySignal], s300.ByKind[event.KindSecuritySignal]),
		Anomaly:    BlendedRate(s60.ByKind[event.KindUserAnomaly], s300.ByKind[event.KindUserAnomaly]),
	}

	gov := NormalizeCount(rates.Governance)
	sec := NormalizeCount(rates.Security)
	anom := NormalizeCount(rates.Anomaly)

	a.mu.Lock()
	w := a.weights
	a.state = State{
		RiskIndex: RiskIndex(gov, sec, anom, w),
		Components: Components{
			Governance: int(math.Round(gov * 100)),
			Security:   int(math.Round(sec * 100)),
			Anomaly:    int(math.Round(anom * 100)),
		},
		Rates:       rates,
		Weights:     w,
		LastUpdated: time.Now(),
		Snapshots:   map[int64]*window.Snapshot{60_000: s60, 300_000: s300},
	}
	st := a.state
	a.mu.Unlock()

	metrics.RiskIndex.Set(float64(st.RiskIndex))
	metrics.ComponentScore.WithLabelValues(ComponentGovernance).Set(float64(st.Components.Governance))
	metrics.ComponentScore.WithLabelValues(ComponentSecurity).Set(float64(st.Components.Security))
	metrics.ComponentScore.WithLabelValues(ComponentAnomaly).Set(float64(st.Components.Anomaly))

	if a.notify != nil {
		a.notify(st)
	}
}

// GetState returns the latest derived risk state.
func (a *Aggregator) GetState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// GetWeights returns the current weight triple.
func (a *Aggregator) GetWeights() Weights {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.weights
}

// SetWeights merges a partial update into the current weights, clamps each
// component to [MinWeight, MaxWeight] and renormalizes to sum 1. The whole
// step runs under the mutex so concurrent updaters cannot interleave
// between clamp and renormalize.
func (a *Aggregator) SetWeights(patch WeightPatch) Weights {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.weights
	if patch.Governance != nil {
		w.Governance = *patch.Governance
	}
	if patch.Security != nil {
		w.Security = *patch.Security
	}
	if patch.Anomaly != nil {
		w.Anomaly = *patch.Anomaly
	}
	a.weights = ClampNormalize(w, MinWeight, MaxWeight)
	a.state.Weights = a.weights
	a.publishWeightMetrics()
	return a.weights
}

// ReplaceWeights swaps in an externally computed triple (adaptive
// thresholds), applying the same clamp-then-renormalize invariant.
func (a *Aggregator) ReplaceWeights(w Weights, min, max float64) Weights {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.weights = ClampNormalize(w, min, max)
	a.state.Weights = a.weights
	a.publishWeightMetrics()
	return a.weights
}

// ApplyWeightDelta shifts weights additively (prescriptive apply). Each
// result is clamped to at least MinWeight; per the prescriptive contract
// the triple is not renormalized here.
func (a *Aggregator) ApplyWeightDelta(delta map[string]float64) Weights {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.weights
	w.Governance = math.Max(MinWeight, w.Governance+delta[ComponentGovernance])
	w.Security = math.Max(MinWeight, w.Security+delta[ComponentSecurity])
	w.Anomaly = math.Max(MinWeight, w.Anomaly+delta[ComponentAnomaly])
	a.weights = w
	a.state.Weights = w
	a.publishWeightMetrics()
	return w
}

// publishWeightMetrics mirrors the triple to Prometheus. Caller holds mu.
func (a *Aggregator) publishWeightMetrics() {
	metrics.ComponentWeight.WithLabelValues(ComponentGovernance).Set(a.weights.Governance)
	metrics.ComponentWeight.WithLabelValues(ComponentSecurity).Set(a.weights.Security)
	metrics.ComponentWeight.WithLabelValues(ComponentAnomaly).Set(a.weights.Anomaly)
}

// ClampNormalize clamps each weight to [min,max] and rescales the triple
// to sum 1. Components pinned at a bound are held fixed and the remainder
// is redistributed over the free ones, so both invariants hold exactly as
// long as 3*min <= 1 <= 3*max.
func ClampNormalize(w Weights, min, max float64) Weights {
	vals := [3]float64{w.Governance, w.Security, w.Anomaly}
	for i := range vals {
		if math.IsNaN(vals[i]) {
			vals[i] = min
		}
		vals[i] = math.Min(max, math.Max(min, vals[i]))
	}

	var fixed [3]bool
	for iter := 0; iter < len(vals); iter++ {
		freeSum, fixedSum := 0.0, 0.0
		for i := range vals {
			if fixed[i] {
				fixedSum += vals[i]
			} else {
				freeSum += vals[i]
			}
		}
		if freeSum == 0 {
			break
		}
		scale := (1 - fixedSum) / freeSum
		changed := false
		for i := range vals {
			if fixed[i] {
				continue
			}
			v := vals[i] * scale
			if v < min {
				v, fixed[i], changed = min, true, true
			} else if v > max {
				v, fixed[i], changed = max, true, true
			}
			vals[i] = v
		}
		if !changed {
			break
		}
	}
	return Weights{Governance: vals[0], Security: vals[1], Anomaly: vals[2]}
}
