// Package prescriptive turns pipeline state into actionable
// recommendations. Rules are independent: each inspects the current
// aggregator, adaptive, correlation and forecast state and produces at
// most one recommendation per tick. Applying a recommendation with a
// weight delta mutates the aggregator exactly once; a second apply is a
// structured error, never a repeat.
package prescriptive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/adaptive"
	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/correlation"
	"github.com/iscgrou/skywalker/internal/forecast"
	"github.com/iscgrou/skywalker/internal/idgen"
	"github.com/iscgrou/skywalker/internal/metrics"
)

// Category classifies a recommendation.
type Category string

const (
	CategoryEscalateRisk      Category = "ESCALATE_RISK"
	CategoryTuneWeight        Category = "TUNE_WEIGHT"
	CategorySuppressNoise     Category = "SUPPRESS_NOISE"
	CategoryInvestigateSignal Category = "INVESTIGATE_SIGNAL"
	CategoryAdjustThreshold   Category = "ADJUST_THRESHOLD"
)

// Status of a recommendation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusApplied Status = "APPLIED"
)

var (
	// ErrRecommendationNotFound is returned by Apply for an unknown id.
	ErrRecommendationNotFound = errors.New("prescriptive: recommendation not found")
	// ErrAlreadyApplied is returned by Apply when the recommendation is
	// not pending anymore.
	ErrAlreadyApplied = errors.New("prescriptive: recommendation already applied")
)

// Rule thresholds.
const (
	escalateRiskFloor  = 70
	escalateCILowFloor = 55
	weightSpreadFloor  = 0.18
	weightShift        = 0.03
	investigateRFloor  = 0.75
	investigateScore   = 50
	sparseBaselineMean = 2.0
	adjustRiskFloor    = 60
)

// DefaultInterval is the evaluation cadence.
const DefaultInterval = 2 * time.Minute

// Recommendation is one actionable suggestion.
type Recommendation struct {
	ID          string             `json:"id"`
	Category    Category           `json:"category"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Rationale   string             `json:"rationale"`
	ImpactScore int                `json:"impactScore"`
	WeightDelta map[string]float64 `json:"weightDelta,omitempty"`
	Status      Status             `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
	AppliedAt   *time.Time         `json:"appliedAt,omitempty"`
}

// State is the engine view exposed over HTTP.
type State struct {
	Recommendations []Recommendation `json:"recommendations"`
	Pending         int              `json:"pending"`
	LastTick        time.Time        `json:"lastTick"`
	Ticks           int64            `json:"ticks"`
}

// maxRetained bounds the recommendation history kept in memory.
const maxRetained = 100

// Engine evaluates rules and tracks recommendation lifecycle.
type Engine struct {
	agg  *aggregator.Aggregator
	adpt *adaptive.Engine
	corr *correlation.Engine
	fcst *forecast.Engine

	logger *slog.Logger

	mu       sync.Mutex
	recs     []*Recommendation
	lastTick time.Time
	ticks    int64

	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
	ticking  atomic.Bool
	gate     func() bool
	notify   func(Recommendation)
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithInterval overrides the evaluation cadence.
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

// WithNotifier installs a callback invoked for each newly raised
// recommendation, outside the engine lock.
func WithNotifier(fn func(Recommendation)) Option {
	return func(e *Engine) { e.notify = fn }
}

// New creates a prescriptive engine over the upstream engines.
func New(agg *aggregator.Aggregator, adpt *adaptive.Engine, corr *correlation.Engine, fcst *forecast.Engine, opts ...Option) *Engine {
	e := &Engine{
		agg:      agg,
		adpt:     adpt,
		corr:     corr,
		fcst:     fcst,
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

// Running reports whether the evaluation loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start runs the evaluation loop. Call in a goroutine.
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
			e.logger.Error("panic in prescriptive tick", "panic", fmt.Sprint(r))
		}
	}()
	e.RunOnce()
}

// RunOnce evaluates every rule once. A rule that already has a pending
// recommendation of its category is skipped, so repeated ticks under the
// same conditions do not pile up duplicates.
func (e *Engine) RunOnce() {
	aggState := e.agg.GetState()
	weights := e.agg.GetWeights()
	adptStatus := e.adpt.GetStatus()
	graph := e.corr.GetGraph()
	fcstState := e.fcst.GetState()

	var fresh []*Recommendation
	if r := e.escalateRule(fcstState); r != nil {
		fresh = append(fresh, r)
	}
	if r := e.tuneWeightRule(weights); r != nil {
		fresh = append(fresh, r)
	}
	if r := e.investigateRule(graph, aggState); r != nil {
		fresh = append(fresh, r)
	}
	if r := e.adjustThresholdRule(adptStatus, aggState); r != nil {
		fresh = append(fresh, r)
	}

	e.mu.Lock()
	var raised []Recommendation
	for _, r := range fresh {
		if e.hasPendingLocked(r.Category) {
			continue
		}
		e.recs = append(e.recs, r)
		raised = append(raised, *r)
		metrics.RecommendationsTotal.WithLabelValues(string(r.Category)).Inc()
		e.logger.Info("recommendation raised",
			"id", r.ID, "category", r.Category, "impact", r.ImpactScore)
	}
	if len(e.recs) > maxRetained {
		e.recs = e.recs[len(e.recs)-maxRetained:]
	}
	e.lastTick = time.Now()
	e.ticks++
	e.mu.Unlock()

	if e.notify != nil {
		for _, r := range raised {
			e.notify(r)
		}
	}
}

func (e *Engine) escalateRule(f forecast.State) *Recommendation {
	for _, p := range f.Points {
		if p.HorizonMin != 10 {
			continue
		}
		if p.RiskIndex > escalateRiskFloor && p.CILow > escalateCILowFloor {
			return newRecommendation(CategoryEscalateRisk,
				"Sustained high risk forecast",
				fmt.Sprintf("The 10-minute forecast holds the risk index at %d with the lower confidence bound at %d.", p.RiskIndex, p.CILow),
				"Forecast risk above 70 with a confidence floor above 55 indicates a sustained condition, not a transient spike.",
				90, nil)
		}
	}
	return nil
}

func (e *Engine) tuneWeightRule(w aggregator.Weights) *Recommendation {
	type comp struct {
		name   string
		weight float64
	}
	comps := []comp{
		{aggregator.ComponentGovernance, w.Governance},
		{aggregator.ComponentSecurity, w.Security},
		{aggregator.ComponentAnomaly, w.Anomaly},
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i].weight < comps[j].weight })

	min, max := comps[0], comps[len(comps)-1]
	if max.weight-min.weight <= weightSpreadFloor {
		return nil
	}
	return newRecommendation(CategoryTuneWeight,
		"Rebalance component weights",
		fmt.Sprintf("Shift %.2f from %s (%.2f) to %s (%.2f) to reduce the weight spread.", weightShift, max.name, max.weight, min.name, min.weight),
		fmt.Sprintf("A spread of %.2f between the heaviest and lightest component over-concentrates the index on one signal.", max.weight-min.weight),
		60,
		map[string]float64{max.name: -weightShift, min.name: +weightShift})
}

func (e *Engine) investigateRule(g correlation.Graph, st aggregator.State) *Recommendation {
	scores := map[string]int{
		aggregator.ComponentGovernance: st.Components.Governance,
		aggregator.ComponentSecurity:   st.Components.Security,
		aggregator.ComponentAnomaly:    st.Components.Anomaly,
	}
	for _, edge := range g.Edges {
		if math.Abs(edge.R) < investigateRFloor {
			continue
		}
		if scores[edge.A] > investigateScore && scores[edge.B] > investigateScore {
			return newRecommendation(CategoryInvestigateSignal,
				"Correlated elevated signals",
				fmt.Sprintf("%s and %s are both elevated and strongly correlated (r=%.2f).", edge.A, edge.B, edge.R),
				"Strongly co-moving components usually share a root cause worth a single investigation.",
				70, nil)
		}
	}
	return nil
}

func (e *Engine) adjustThresholdRule(adpt adaptive.Status, st aggregator.State) *Recommendation {
	gov, ok := adpt.Baselines[aggregator.ComponentGovernance]
	if !ok {
		return nil
	}
	if gov.Mean < sparseBaselineMean && st.RiskIndex > adjustRiskFloor {
		return newRecommendation(CategoryAdjustThreshold,
			"Tighten governance alert threshold",
			fmt.Sprintf("Governance history is sparse (mean %.1f) while the risk index sits at %d.", gov.Mean, st.RiskIndex),
			"With thin governance history the adaptive baseline is blind to early drift; a tighter manual threshold covers the gap.",
			50, nil)
	}
	return nil
}

func newRecommendation(cat Category, title, desc, rationale string, impact int, delta map[string]float64) *Recommendation {
	return &Recommendation{
		ID:          idgen.WithPrefix("rec_"),
		Category:    cat,
		Title:       title,
		Description: desc,
		Rationale:   rationale,
		ImpactScore: impact,
		WeightDelta: delta,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
}

// hasPendingLocked reports whether a pending recommendation of the
// category exists. Caller holds mu.
func (e *Engine) hasPendingLocked(cat Category) bool {
	for _, r := range e.recs {
		if r.Category == cat && r.Status == StatusPending {
			return true
		}
	}
	return false
}

// Apply transitions a pending recommendation to APPLIED, applying its
// weight delta to the aggregator if it carries one.
func (e *Engine) Apply(id string) (*Recommendation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.recs {
		if r.ID != id {
			continue
		}
		if r.Status != StatusPending {
			return nil, ErrAlreadyApplied
		}
		if r.WeightDelta != nil {
			e.agg.ApplyWeightDelta(r.WeightDelta)
		}
		now := time.Now()
		r.Status = StatusApplied
		r.AppliedAt = &now
		cp := *r
		e.logger.Info("recommendation applied", "id", r.ID, "category", r.Category)
		return &cp, nil
	}
	return nil, ErrRecommendationNotFound
}

// GetState returns the retained recommendations, newest first.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	recs := make([]Recommendation, 0, len(e.recs))
	pending := 0
	for i := len(e.recs) - 1; i >= 0; i-- {
		recs = append(recs, *e.recs[i])
		if e.recs[i].Status == StatusPending {
			pending++
		}
	}
	return State{
		Recommendations: recs,
		Pending:         pending,
		LastTick:        e.lastTick,
		Ticks:           e.ticks,
	}
}

// PendingWeightDeltas sums the positive shifts of pending weight-tuning
// recommendations. The scenario engine uses this to size its mitigation
// discount.
func (e *Engine) PendingWeightDeltas() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var sum float64
	for _, r := range e.recs {
		if r.Status != StatusPending || r.WeightDelta == nil {
			continue
		}
		for _, d := range r.WeightDelta {
			if d > 0 {
				sum += d
			}
		}
	}
	return sum
}
