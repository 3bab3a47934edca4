// Package scenario projects alternative risk trajectories from the
// current forecast: the forecast as-is, a surge amplified by correlation
// density, and a mitigated path assuming pending weight tuning is applied.
// Scenarios are regenerated whole every tick and never partially updated.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/correlation"
	"github.com/iscgrou/skywalker/internal/forecast"
	"github.com/iscgrou/skywalker/internal/idgen"
	"github.com/iscgrou/skywalker/internal/prescriptive"
)

// Kind of scenario.
type Kind string

const (
	KindBase      Kind = "BASE"
	KindSurge     Kind = "SURGE"
	KindMitigated Kind = "MITIGATED"
)

const (
	// surgeFactor is the flat multiplier applied to the base trajectory.
	surgeFactor = 1.3
	// degreeAmplifier scales the surge by correlation connectivity.
	degreeAmplifier = 0.1
	// mitigationFloor is the minimum discount once tuning is pending.
	mitigationFloor = 0.05
)

// DefaultInterval is the regeneration cadence.
const DefaultInterval = 2 * time.Minute

// Scenario is one projected trajectory.
type Scenario struct {
	ID                 string   `json:"id"`
	Label              string   `json:"label"`
	Kind               Kind     `json:"kind"`
	HorizonMins        []int    `json:"horizonMins"`
	RiskSeries         []int    `json:"riskSeries"`
	CILow              []int    `json:"ciLow,omitempty"`
	CIHigh             []int    `json:"ciHigh,omitempty"`
	DeltaVsBase        []int    `json:"deltaVsBase"`
	Assumptions        []string `json:"assumptions"`
	RecommendedActions []string `json:"recommendedActions"`
}

// State is the engine view exposed over HTTP.
type State struct {
	Scenarios []Scenario `json:"scenarios"`
	LastTick  time.Time  `json:"lastTick"`
	Ticks     int64      `json:"ticks"`
}

// Engine regenerates the scenario set from upstream engines.
type Engine struct {
	fcst *forecast.Engine
	corr *correlation.Engine
	rx   *prescriptive.Engine

	logger *slog.Logger

	mu        sync.Mutex
	scenarios []Scenario
	lastTick  time.Time
	ticks     int64

	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
	ticking  atomic.Bool
	gate     func() bool
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithInterval overrides the regeneration cadence.
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

// New creates a scenario engine over the upstream engines.
func New(fcst *forecast.Engine, corr *correlation.Engine, rx *prescriptive.Engine, opts ...Option) *Engine {
	e := &Engine{
		fcst:     fcst,
		corr:     corr,
		rx:       rx,
		logger:   slog.Default(),
		interval: DefaultInterval,
		stop:     make(chan struct{}),
		gate:     func() bool { return true },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether the regeneration loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start runs the regeneration loop. Call in a goroutine.
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
			e.safeTick()
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

func (e *Engine) safeTick() {
	if !e.gate() {
		return
	}
	if !e.ticking.CompareAndSwap(false, true) {
		return
	}
	defer e.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in scenario tick", "panic", fmt.Sprint(r))
		}
	}()
	e.RunOnce()
}

// RunOnce regenerates the scenario set. Without forecast points the set is
// empty; every scenario would be a projection of nothing.
func (e *Engine) RunOnce() {
	points := e.fcst.GetState().Points

	var scenarios []Scenario
	if len(points) > 0 {
		base := e.baseScenario(points)
		scenarios = []Scenario{
			base,
			e.surgeScenario(base),
			e.mitigatedScenario(base),
		}
	}

	e.mu.Lock()
	e.scenarios = scenarios
	e.lastTick = time.Now()
	e.ticks++
	e.mu.Unlock()
}

func (e *Engine) baseScenario(points []forecast.Point) Scenario {
	s := Scenario{
		ID:    idgen.WithPrefix("scn_"),
		Label: "Current trajectory",
		Kind:  KindBase,
		Assumptions: []string{
			"Signal rates continue their reversion toward the EMA baseline.",
			"Component weights stay as currently configured.",
		},
		RecommendedActions: []string{"Monitor; no intervention required."},
	}
	for _, p := range points {
		s.HorizonMins = append(s.HorizonMins, p.HorizonMin)
		s.RiskSeries = append(s.RiskSeries, p.RiskIndex)
		s.CILow = append(s.CILow, p.CILow)
		s.CIHigh = append(s.CIHigh, p.CIHigh)
		s.DeltaVsBase = append(s.DeltaVsBase, 0)
	}
	return s
}

func (e *Engine) surgeScenario(base Scenario) Scenario {
	g := e.corr.GetGraph()
	amp := surgeAmplifier(g)

	s := Scenario{
		ID:    idgen.WithPrefix("scn_"),
		Label: "Correlated surge",
		Kind:  KindSurge,
		Assumptions: []string{
			fmt.Sprintf("All signal rates spike %.0f%% above forecast.", (surgeFactor-1)*100),
			fmt.Sprintf("Correlation connectivity amplifies the spike by %.2fx.", amp),
			"No mitigation is applied during the surge.",
		},
		RecommendedActions: []string{
			"Pre-stage escalation contacts.",
			"Review bus overflow policy headroom.",
		},
		HorizonMins: append([]int(nil), base.HorizonMins...),
	}
	for i, risk := range base.RiskSeries {
		surged := clamp100(float64(risk) * surgeFactor * amp)
		s.RiskSeries = append(s.RiskSeries, surged)
		s.DeltaVsBase = append(s.DeltaVsBase, surged-base.RiskSeries[i])
	}
	return s
}

func (e *Engine) mitigatedScenario(base Scenario) Scenario {
	discount := 0.0
	assumptions := []string{"No pending weight tuning; trajectory matches base."}
	actions := []string{"Apply pending recommendations to activate mitigation."}
	if deltas := e.rx.PendingWeightDeltas(); deltas > 0 {
		discount = mitigationFloor + deltas
		assumptions = []string{
			fmt.Sprintf("Pending weight tuning is applied, discounting risk by %.0f%%.", discount*100),
			"The discount is a flat approximation, not a re-run of the index.",
		}
		actions = []string{"Apply the pending TUNE_WEIGHT recommendation."}
	}

	s := Scenario{
		ID:                 idgen.WithPrefix("scn_"),
		Label:              "With mitigation applied",
		Kind:               KindMitigated,
		Assumptions:        assumptions,
		RecommendedActions: actions,
		HorizonMins:        append([]int(nil), base.HorizonMins...),
	}
	for i, risk := range base.RiskSeries {
		mitigated := clamp100(float64(risk) * (1 - discount))
		s.RiskSeries = append(s.RiskSeries, mitigated)
		s.DeltaVsBase = append(s.DeltaVsBase, mitigated-base.RiskSeries[i])
	}
	return s
}

// surgeAmplifier averages (1 + 0.1*degree) over the monitored nodes.
func surgeAmplifier(g correlation.Graph) float64 {
	comps := []string{
		aggregator.ComponentGovernance,
		aggregator.ComponentSecurity,
		aggregator.ComponentAnomaly,
	}
	var sum float64
	for _, c := range comps {
		sum += 1 + degreeAmplifier*float64(g.Degree(c))
	}
	return sum / float64(len(comps))
}

// GetState returns the latest scenario set.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	scenarios := make([]Scenario, len(e.scenarios))
	copy(scenarios, e.scenarios)
	return State{Scenarios: scenarios, LastTick: e.lastTick, Ticks: e.ticks}
}

func clamp100(v float64) int {
	return int(math.Round(math.Max(0, math.Min(100, v))))
}
