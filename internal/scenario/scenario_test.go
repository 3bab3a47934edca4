package scenario

import (
	"testing"
	"time"

	"github.com/iscgrou/skywalker/internal/adaptive"
	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/correlation"
	"github.com/iscgrou/skywalker/internal/event"
	"github.com/iscgrou/skywalker/internal/forecast"
	"github.com/iscgrou/skywalker/internal/prescriptive"
	"github.com/iscgrou/skywalker/internal/rollup"
	"github.com/iscgrou/skywalker/internal/window"
)

type fixture struct {
	now  time.Time
	ws   *window.Store
	agg  *aggregator.Aggregator
	corr *correlation.Engine
	fcst *forecast.Engine
	rx   *prescriptive.Engine
	eng  *Engine
}

func newFixture() *fixture {
	f := &fixture{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	f.ws = window.NewStore(window.WithClock(func() time.Time { return f.now }))
	f.agg = aggregator.New(f.ws)
	adpt := adaptive.New(rollup.NewMemoryStore(), f.agg)
	f.corr = correlation.New(f.agg)
	f.fcst = forecast.New(f.ws, f.agg)
	f.rx = prescriptive.New(f.agg, adpt, f.corr, f.fcst)
	f.eng = New(f.fcst, f.corr, f.rx)
	return f
}

func (f *fixture) ingest(kind event.Kind, n int) {
	for i := 0; i < n; i++ {
		e := event.New(event.DomainSecurity, kind, "scenario_test")
		e.TS = f.now.UnixMilli()
		f.ws.Ingest(e)
	}
}

func TestEmptySetWithoutForecast(t *testing.T) {
	f := newFixture()
	f.eng.RunOnce()

	st := f.eng.GetState()
	if len(st.Scenarios) != 0 {
		t.Errorf("scenarios = %d, want empty set before any forecast", len(st.Scenarios))
	}
	if st.Ticks != 1 {
		t.Errorf("ticks = %d, want 1", st.Ticks)
	}
}

func TestBaseMirrorsForecastAndSurgeAmplifies(t *testing.T) {
	f := newFixture()
	f.ingest(event.KindSecuritySignal, 10)
	f.agg.Recompute()
	f.fcst.RunOnce()
	f.eng.RunOnce()

	st := f.eng.GetState()
	if len(st.Scenarios) != 3 {
		t.Fatalf("scenarios = %d, want 3", len(st.Scenarios))
	}

	base, surge, mitigated := st.Scenarios[0], st.Scenarios[1], st.Scenarios[2]
	if base.Kind != KindBase || surge.Kind != KindSurge || mitigated.Kind != KindMitigated {
		t.Fatalf("unexpected scenario order: %v %v %v", base.Kind, surge.Kind, mitigated.Kind)
	}

	points := f.fcst.GetState().Points
	for i, p := range points {
		if base.RiskSeries[i] != p.RiskIndex {
			t.Errorf("base[%d] = %d, want forecast %d", i, base.RiskSeries[i], p.RiskIndex)
		}
		if base.DeltaVsBase[i] != 0 {
			t.Errorf("base delta[%d] = %d, want 0", i, base.DeltaVsBase[i])
		}
		if base.CILow[i] != p.CILow || base.CIHigh[i] != p.CIHigh {
			t.Errorf("base CI[%d] should mirror the forecast band", i)
		}
	}

	// No correlation edges yet: amplifier is 1, surge is a flat 1.3x.
	for i, risk := range base.RiskSeries {
		want := clamp100(float64(risk) * surgeFactor)
		if surge.RiskSeries[i] != want {
			t.Errorf("surge[%d] = %d, want %d", i, surge.RiskSeries[i], want)
		}
		if surge.DeltaVsBase[i] != want-risk {
			t.Errorf("surge delta[%d] = %d, want %d", i, surge.DeltaVsBase[i], want-risk)
		}
	}

	// No pending tuning: mitigated equals base.
	for i, risk := range base.RiskSeries {
		if mitigated.RiskSeries[i] != risk {
			t.Errorf("mitigated[%d] = %d, want base %d", i, mitigated.RiskSeries[i], risk)
		}
	}
}

func TestMitigatedDiscountsWithPendingTuning(t *testing.T) {
	f := newFixture()
	f.ingest(event.KindSecuritySignal, 10)
	f.agg.Recompute()
	f.fcst.RunOnce()

	// Widen the weight spread so the tune-weight rule leaves a pending
	// recommendation carrying a 0.03 shift.
	gov := 0.5
	f.agg.SetWeights(aggregator.WeightPatch{Governance: &gov})
	f.rx.RunOnce()

	f.eng.RunOnce()
	st := f.eng.GetState()
	base, mitigated := st.Scenarios[0], st.Scenarios[2]

	for i, risk := range base.RiskSeries {
		want := clamp100(float64(risk) * (1 - 0.08)) // 0.05 floor + 0.03 shift
		if mitigated.RiskSeries[i] != want {
			t.Errorf("mitigated[%d] = %d, want %d", i, mitigated.RiskSeries[i], want)
		}
		if mitigated.DeltaVsBase[i] > 0 {
			t.Errorf("mitigated delta[%d] = %d, want <= 0", i, mitigated.DeltaVsBase[i])
		}
	}
}
