package correlation

import (
	"math"
	"testing"

	"github.com/iscgrou/skywalker/internal/aggregator"
	"github.com/iscgrou/skywalker/internal/window"
)

func feed(e *Engine, gov, sec, anom []float64) {
	for i := range gov {
		e.observe(map[string]float64{
			aggregator.ComponentGovernance: gov[i],
			aggregator.ComponentSecurity:   sec[i],
			aggregator.ComponentAnomaly:    anom[i],
		})
	}
}

func newEngine() *Engine {
	return New(aggregator.New(window.NewStore()))
}

func TestPerfectlyCorrelatedSeries(t *testing.T) {
	e := newEngine()

	gov := make([]float64, 20)
	sec := make([]float64, 20)
	anom := make([]float64, 20)
	for i := range gov {
		gov[i] = float64(i)
		sec[i] = float64(i) * 3 // co-moving
		anom[i] = float64(20 - i) // anti-correlated
	}
	feed(e, gov, sec, anom)

	g := e.GetGraph()
	if len(g.Edges) != 3 {
		t.Fatalf("edges = %d, want 3", len(g.Edges))
	}
	for _, edge := range g.Edges {
		switch {
		case edge.A == aggregator.ComponentGovernance && edge.B == aggregator.ComponentSecurity:
			if math.Abs(edge.R-1) > 1e-9 {
				t.Errorf("gov-sec r = %v, want 1", edge.R)
			}
		case edge.A == aggregator.ComponentGovernance && edge.B == aggregator.ComponentAnomaly:
			if math.Abs(edge.R+1) > 1e-9 {
				t.Errorf("gov-anom r = %v, want -1", edge.R)
			}
		}
	}

	strongest, ok := g.StrongestEdge()
	if !ok {
		t.Fatal("expected a strongest edge")
	}
	if math.Abs(math.Abs(strongest.R)-1) > 1e-9 {
		t.Errorf("strongest |r| = %v, want 1", strongest.R)
	}

	// Every pair is strongly correlated, so every node touches two edges.
	for _, comp := range []string{aggregator.ComponentGovernance, aggregator.ComponentSecurity, aggregator.ComponentAnomaly} {
		if d := g.Degree(comp); d != 2 {
			t.Errorf("degree(%s) = %d, want 2", comp, d)
		}
	}
}

func TestFlatSeriesYieldsZeroCorrelation(t *testing.T) {
	e := newEngine()

	flat := make([]float64, 15)
	rising := make([]float64, 15)
	for i := range rising {
		rising[i] = float64(i)
	}
	feed(e, flat, rising, rising)

	g := e.GetGraph()
	for _, edge := range g.Edges {
		if edge.A == aggregator.ComponentGovernance && edge.R != 0 {
			t.Errorf("flat series edge %s-%s r = %v, want 0", edge.A, edge.B, edge.R)
		}
	}
	if d := g.Degree(aggregator.ComponentGovernance); d != 0 {
		t.Errorf("flat node degree = %d, want 0", d)
	}
}

func TestTooFewSamplesProducesNoEdges(t *testing.T) {
	e := newEngine()

	short := []float64{1, 2, 3}
	feed(e, short, short, short)

	g := e.GetGraph()
	if len(g.Edges) != 0 {
		t.Errorf("edges = %d, want 0 below the sample floor", len(g.Edges))
	}
	if _, ok := g.StrongestEdge(); ok {
		t.Error("no strongest edge expected without edges")
	}
	if g.Samples != 3 {
		t.Errorf("samples = %d, want 3", g.Samples)
	}
}

func TestSeriesAreBounded(t *testing.T) {
	e := newEngine()

	long := make([]float64, maxSamples+25)
	for i := range long {
		long[i] = float64(i % 7)
	}
	feed(e, long, long, long)

	if g := e.GetGraph(); g.Samples != maxSamples {
		t.Errorf("samples = %d, want capped at %d", g.Samples, maxSamples)
	}
}
