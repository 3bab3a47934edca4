package hub

import (
	"context"
	"testing"
	"time"

	"github.com/iscgrou/skywalker/internal/adaptive"
	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/bus"
	"github.com/iscgrou/skywalker/internal/cluster"
	"github.com/iscgrou/skywalker/internal/correlation"
	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/forecast"
	"github.com/iscgrou/skywalker/internal/prescriptive"
	"github.com/iscgrou/skywalker/internal/rollup"
	"github.com/iscgrou/skywalker/internal/scenario"
	"github.com/iscgrou/skywalker/internal/window"
)

func newHub(now time.Time) (*Hub, *window.Store, *aggregator.Aggregator, *forecast.Engine, *scenario.Engine) {
	b := bus.New()
	ws := window.NewStore(window.WithClock(func() time.Time { return now }))
	agg := aggregator.New(ws)
	adpt := adaptive.New(rollup.NewMemoryStore(), agg)
	corr := correlation.New(agg)
	fcst := forecast.New(ws, agg)
	rx := prescriptive.New(agg, adpt, corr, fcst)
	scn := scenario.New(fcst, corr, rx)
	coord := cluster.New(nil, nil)
	return New(b, ws, agg, adpt, corr, fcst, rx, scn, coord), ws, agg, fcst, scn
}

func TestSummaryComposesPipelineState(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	h, ws, agg, fcst, scn := newHub(now)

	for i := 0; i < 10; i++ {
		e := event.New(event.DomainSecurity, event.KindSecuritySignal, "hub_test")
		e.TS = now.UnixMilli()
		ws.Ingest(e)
	}
	agg.Recompute()
	fcst.RunOnce()
	scn.RunOnce()

	s := h.GetSummary(context.Background())

	if s.RiskIndex != agg.GetState().RiskIndex {
		t.Errorf("riskIndex = %d, want aggregator's %d", s.RiskIndex, agg.GetState().RiskIndex)
	}
	if len(s.Windows) != 3 {
		t.Errorf("window briefs = %d, want 3", len(s.Windows))
	}
	for _, w := range s.Windows {
		if w.EventCount != 10 {
			t.Errorf("window %d eventCount = %d, want 10", w.WindowMS, w.EventCount)
		}
	}
	if len(s.Forecast) != 3 {
		t.Errorf("forecast points = %d, want 3", len(s.Forecast))
	}
	if len(s.Scenarios) != 3 {
		t.Errorf("scenario briefs = %d, want 3", len(s.Scenarios))
	}
	if !s.Cluster.IsLeader || !s.Cluster.SingleNode {
		t.Errorf("cluster view = %+v, want single-node leader", s.Cluster)
	}
	if s.Process.Goroutines <= 0 {
		t.Error("process stats missing goroutine count")
	}
	if s.PendingRecs != 0 {
		t.Errorf("pendingRecs = %d, want 0", s.PendingRecs)
	}
}

func TestDetailedAddsRawSnapshots(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	h, ws, agg, _, _ := newHub(now)

	e := event.New(event.DomainGovernance, event.KindGovernanceAlert, "hub_test")
	e.TS = now.UnixMilli()
	ws.Ingest(e)
	agg.Recompute()

	d := h.GetDetailed(context.Background())
	if len(d.Snapshots) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(d.Snapshots))
	}
	snap := d.Snapshots[60_000]
	if snap == nil || snap.ByKind[event.KindGovernanceAlert] != 1 {
		t.Errorf("60s snapshot = %+v, want the ingested alert", snap)
	}
	if d.WindowStats.Ingested != 1 {
		t.Errorf("window stats = %+v, want 1 ingested", d.WindowStats)
	}
}
