// Package forecast projects the risk index over short horizons. Each
// component rate is smoothed into an EMA baseline; horizon projections
// decay from the current rate back toward that baseline, and a rolling
// buffer of one-step-ahead residuals widens or narrows the confidence
// band around the projected index.
package forecast

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/metrics"
	"github.com/iscgrou/skywalker/internal/window"
)

const (
	// emaAlpha is the share of the current rate mixed into the baseline.
	emaAlpha = 0.4
	// arDecay pulls projections back toward the baseline per 5-minute step.
	arDecay = 0.5
	// maxResiduals bounds the rolling residual buffer.
	maxResiduals = 200
	// ciFactor converts residual std into an ~80% band half-width.
	ciFactor = 1.28
)

// Horizons are the projected lead times in minutes.
var Horizons = []int{5, 10, 15}

// DefaultInterval is the recompute cadence.
const DefaultInterval = 60 * time.Second

// Point is one horizon's projection.
type Point struct {
	HorizonMin int     `json:"horizonMin"`
	Governance float64 `json:"governance"`
	Security   float64 `json:"security"`
	Anomaly    float64 `json:"anomaly"`
	RiskIndex  int     `json:"riskIndex"`
	CILow      int     `json:"ciLow"`
	CIHigh     int     `json:"ciHigh"`
}

// State is the engine view exposed over HTTP.
type State struct {
	Points      []Point   `json:"points"`
	ResidualStd float64   `json:"residualStd"`
	Samples     int       `json:"samples"`
	LastTick    time.Time `json:"lastTick"`
	Ticks       int64     `json:"ticks"`
}

type rates struct {
	governance float64
	security   float64
	anomaly    float64
}

func (r rates) sum() float64 { return r.governance + r.security + r.anomaly }

// Engine computes short-horizon forecasts of the risk index.
type Engine struct {
	windows *window.Store
	agg     *aggregator.Aggregator
	logger  *slog.Logger

	mu          sync.Mutex
	base        rates
	baseInit    bool
	prevFcstSum float64
	hasPrevFcst bool
	residuals   []float64
	points      []Point
	lastTick    time.Time
	ticks       int64

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

// New creates a forecast engine over the window store and aggregator.
func New(windows *window.Store, agg *aggregator.Aggregator, opts ...Option) *Engine {
	e := &Engine{
		windows:  windows,
		agg:      agg,
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

// Running reports whether the forecast loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start runs the forecast loop. Call in a goroutine.
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
			e.logger.Error("panic in forecast tick", "panic", fmt.Sprint(r))
		}
	}()
	e.RunOnce()
}

// RunOnce recomputes the projection set from the current rates.
func (e *Engine) RunOnce() {
	s60 := e.windows.GetSnapshot(60_000)
	s300 := e.windows.GetSnapshot(300_000)
	if s60 == nil || s300 == nil {
		return
	}

	current := rates{
		governance: aggregator.BlendedRate(s60.ByKind[event.KindGovernanceAlert], s300.ByKind[event.KindGovernanceAlert]),
		security:   aggregator.BlendedRate(s60.ByKind[event.KindSecuritySignal], s300.ByKind[event.KindSecuritySignal]),
		anomaly:    aggregator.BlendedRate(s60.ByKind[event.KindUserAnomaly], s300.ByKind[event.KindUserAnomaly]),
	}
	weights := e.agg.GetWeights()

	e.mu.Lock()
	defer e.mu.Unlock()

	// One-step-ahead residual: what the previous tick projected for "next
	// tick" versus what actually arrived.
	if e.hasPrevFcst {
		e.residuals = append(e.residuals, current.sum()-e.prevFcstSum)
		if len(e.residuals) > maxResiduals {
			e.residuals = e.residuals[len(e.residuals)-maxResiduals:]
		}
	}

	if !e.baseInit {
		e.base = current
		e.baseInit = true
	} else {
		e.base = rates{
			governance: ema(e.base.governance, current.governance),
			security:   ema(e.base.security, current.security),
			anomaly:    ema(e.base.anomaly, current.anomaly),
		}
	}

	halfWidth := ciFactor * std(e.residuals)
	points := make([]Point, 0, len(Horizons))
	for _, h := range Horizons {
		decay := math.Pow(arDecay, float64(h)/5)
		p := rates{
			governance: project(e.base.governance, current.governance, decay),
			security:   project(e.base.security, current.security, decay),
			anomaly:    project(e.base.anomaly, current.anomaly, decay),
		}
		risk := aggregator.RiskIndex(
			aggregator.NormalizeCount(p.governance),
			aggregator.NormalizeCount(p.security),
			aggregator.NormalizeCount(p.anomaly),
			weights,
		)
		points = append(points, Point{
			HorizonMin: h,
			Governance: p.governance,
			Security:   p.security,
			Anomaly:    p.anomaly,
			RiskIndex:  risk,
			CILow:      clamp100(float64(risk) - halfWidth),
			CIHigh:     clamp100(float64(risk) + halfWidth),
		})
		metrics.ForecastRiskIndex.WithLabelValues(strconv.Itoa(h)).Set(float64(risk))
	}

	// The 5-minute point is the "next tick" reference for residuals.
	e.prevFcstSum = points[0].Governance + points[0].Security + points[0].Anomaly
	e.hasPrevFcst = true
	e.points = points
	e.lastTick = time.Now()
	e.ticks++
}

// GetState returns the latest projection set.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	points := make([]Point, len(e.points))
	copy(points, e.points)
	return State{
		Points:      points,
		ResidualStd: std(e.residuals),
		Samples:     len(e.residuals),
		LastTick:    e.lastTick,
		Ticks:       e.ticks,
	}
}

// project decays from the current rate back toward the EMA baseline.
func project(base, current, decay float64) float64 {
	v := base + decay*(current-base)
	if v < 0 {
		return 0
	}
	return v
}

func ema(prev, current float64) float64 {
	return prev + emaAlpha*(current-prev)
}

func clamp100(v float64) int {
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

func std(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(n)
	var varianceSum float64
	for _, v := range vals {
		diff := v - mean
		varianceSum += diff * diff
	}
	return math.Sqrt(varianceSum / float64(n))
}
