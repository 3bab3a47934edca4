// Package hub is the pull-based read facade over the whole pipeline. It
// owns no state: every call composes fresh views from the underlying
// components.
package hub

import (
	"context"
	"runtime"
	"time"

	"github.com/iscgrou/skywalker/internal/adaptive"
	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/bus"
	"github.com/iscgrou/skywalker/internal/cluster"
	"github.com/iscgrou/skywalker/internal/correlation"
	"github.com/iscgrou/skywalker/internal/forecast"
	"github.com/iscgrou/skywalker/internal/prescriptive"
	"github.com/iscgrou/skywalker/internal/scenario"
	"github.com/iscgrou/skywalker/internal/window"
)

// WindowBrief is the per-horizon one-line view in the summary.
type WindowBrief struct {
	WindowMS   int64 `json:"windowMs"`
	EventCount int   `json:"eventCount"`
	From       int64 `json:"from"`
	To         int64 `json:"to"`
}

// ProcessStats is a small slice of runtime memory state.
type ProcessStats struct {
	AllocBytes    uint64 `json:"allocBytes"`
	HeapObjects   uint64 `json:"heapObjects"`
	NumGC         uint32 `json:"numGc"`
	Goroutines    int    `json:"goroutines"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// ScenarioBrief summarizes one scenario without its full series.
type ScenarioBrief struct {
	Kind      scenario.Kind `json:"kind"`
	Label     string        `json:"label"`
	FinalRisk int           `json:"finalRisk"` // risk at the longest horizon
}

// Summary is the flat composed view of the pipeline.
type Summary struct {
	RiskIndex     int                   `json:"riskIndex"`
	Components    aggregator.Components `json:"components"`
	Weights       aggregator.Weights    `json:"weights"`
	LastUpdated   time.Time             `json:"lastUpdated"`
	Bus           bus.Metrics           `json:"bus"`
	Windows       []WindowBrief         `json:"windows"`
	Process       ProcessStats          `json:"process"`
	StrongestEdge *correlation.Edge     `json:"strongestEdge,omitempty"`
	Forecast      []forecast.Point      `json:"forecast"`
	PendingRecs   int                   `json:"pendingRecommendations"`
	Scenarios     []ScenarioBrief       `json:"scenarios"`
	Cluster       cluster.Status        `json:"cluster"`
	GeneratedAt   time.Time             `json:"generatedAt"`
}

// Detailed adds the raw snapshots and engine states behind the summary.
type Detailed struct {
	Summary
	Snapshots       map[int64]*window.Snapshot    `json:"snapshots"`
	WindowStats     window.Stats                  `json:"windowStats"`
	AdaptiveStatus  adaptive.Status               `json:"adaptive"`
	Graph           correlation.Graph             `json:"graph"`
	Recommendations []prescriptive.Recommendation `json:"recommendations"`
	ScenarioSet     []scenario.Scenario           `json:"scenarioSet"`
}

// Hub composes read-only views. All fields are required except coord,
// which may be nil when clustering is disabled entirely.
type Hub struct {
	bus     *bus.Bus
	windows *window.Store
	agg     *aggregator.Aggregator
	adpt    *adaptive.Engine
	corr    *correlation.Engine
	fcst    *forecast.Engine
	rx      *prescriptive.Engine
	scn     *scenario.Engine
	coord   *cluster.Coordinator

	startedAt time.Time
}

// New creates the hub.
func New(b *bus.Bus, ws *window.Store, agg *aggregator.Aggregator, adpt *adaptive.Engine,
	corr *correlation.Engine, fcst *forecast.Engine, rx *prescriptive.Engine,
	scn *scenario.Engine, coord *cluster.Coordinator) *Hub {
	return &Hub{
		bus:       b,
		windows:   ws,
		agg:       agg,
		adpt:      adpt,
		corr:      corr,
		fcst:      fcst,
		rx:        rx,
		scn:       scn,
		coord:     coord,
		startedAt: time.Now(),
	}
}

// GetSummary composes the flat pipeline view.
func (h *Hub) GetSummary(ctx context.Context) Summary {
	aggState := h.agg.GetState()
	fcstState := h.fcst.GetState()
	rxState := h.rx.GetState()
	scnState := h.scn.GetState()
	graph := h.corr.GetGraph()

	s := Summary{
		RiskIndex:   aggState.RiskIndex,
		Components:  aggState.Components,
		Weights:     h.agg.GetWeights(),
		LastUpdated: aggState.LastUpdated,
		Bus:         h.bus.Metrics(),
		Process:     processStats(h.startedAt),
		Forecast:    fcstState.Points,
		PendingRecs: rxState.Pending,
		GeneratedAt: time.Now(),
	}

	for _, w := range h.windows.Windows() {
		if snap := h.windows.GetSnapshot(w); snap != nil {
			s.Windows = append(s.Windows, WindowBrief{
				WindowMS:   snap.WindowMS,
				EventCount: snap.EventCount,
				From:       snap.From,
				To:         snap.To,
			})
		}
	}

	if edge, ok := graph.StrongestEdge(); ok {
		s.StrongestEdge = &edge
	}

	for _, sc := range scnState.Scenarios {
		brief := ScenarioBrief{Kind: sc.Kind, Label: sc.Label}
		if n := len(sc.RiskSeries); n > 0 {
			brief.FinalRisk = sc.RiskSeries[n-1]
		}
		s.Scenarios = append(s.Scenarios, brief)
	}

	if h.coord != nil {
		s.Cluster = h.coord.GetStatus(ctx)
	}
	return s
}

// GetDetailed composes the summary plus raw underlying state.
func (h *Hub) GetDetailed(ctx context.Context) Detailed {
	d := Detailed{
		Summary:        h.GetSummary(ctx),
		Snapshots:      make(map[int64]*window.Snapshot),
		WindowStats:    h.windows.Stats(),
		AdaptiveStatus: h.adpt.GetStatus(),
		Graph:          h.corr.GetGraph(),
	}
	for _, w := range h.windows.Windows() {
		d.Snapshots[w] = h.windows.GetSnapshot(w)
	}
	d.Recommendations = h.rx.GetState().Recommendations
	d.ScenarioSet = h.scn.GetState().Scenarios
	return d
}

func processStats(startedAt time.Time) ProcessStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return ProcessStats{
		AllocBytes:    m.Alloc,
		HeapObjects:   m.HeapObjects,
		NumGC:         m.NumGC,
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(startedAt).Seconds()),
	}
}
