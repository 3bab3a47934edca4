// Package correlation maintains a small graph over the three risk
// components. Each tick samples the current component scores into rolling
// series; pairwise Pearson coefficients become graph edges, and node
// degrees count strong edges. Downstream engines use the graph to spot
// co-moving risk factors.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/aggregator"
)

const (
	// maxSamples bounds each rolling component series.
	maxSamples = 240
	// minSamples below which no edges are produced; correlation over a
	// handful of points is noise.
	minSamples = 10
	// StrongEdgeThreshold is the |r| at which an edge counts toward a
	// node's degree.
	StrongEdgeThreshold = 0.5
)

// DefaultInterval is the sampling cadence.
const DefaultInterval = 60 * time.Second

// Components tracked as graph nodes.
var components = []string{
	aggregator.ComponentGovernance,
	aggregator.ComponentSecurity,
	aggregator.ComponentAnomaly,
}

// Edge is a pairwise correlation between two component series.
type Edge struct {
	A       string  `json:"a"`
	B       string  `json:"b"`
	R       float64 `json:"r"`
	Samples int     `json:"samples"`
}

// Node is one component with its strong-edge degree.
type Node struct {
	Component string `json:"component"`
	Degree    int    `json:"degree"`
}

// Graph is the read-only correlation view.
type Graph struct {
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StrongestEdge returns the edge with the largest |r|, or false when the
// graph has no edges yet.
func (g Graph) StrongestEdge() (Edge, bool) {
	if len(g.Edges) == 0 {
		return Edge{}, false
	}
	best := g.Edges[0]
	for _, e := range g.Edges[1:] {
		if math.Abs(e.R) > math.Abs(best.R) {
			best = e
		}
	}
	return best, true
}

// Degree returns the degree of the named component node.
func (g Graph) Degree(component string) int {
	for _, n := range g.Nodes {
		if n.Component == component {
			return n.Degree
		}
	}
	return 0
}

// Engine samples component scores and rebuilds the graph.
type Engine struct {
	agg    *aggregator.Aggregator
	logger *slog.Logger

	mu     sync.Mutex
	series map[string][]float64
	graph  Graph

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

// WithInterval overrides the sampling cadence.
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

// New creates a correlation engine over the aggregator.
func New(agg *aggregator.Aggregator, opts ...Option) *Engine {
	e := &Engine{
		agg:      agg,
		logger:   slog.Default(),
		series:   make(map[string][]float64, len(components)),
		interval: DefaultInterval,
		stop:     make(chan struct{}),
		gate:     func() bool { return true },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Running reports whether the sampling loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start runs the sampling loop. Call in a goroutine.
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
			e.logger.Error("panic in correlation tick", "panic", fmt.Sprint(r))
		}
	}()
	e.RunOnce()
}

// RunOnce samples the current component scores and rebuilds the graph.
func (e *Engine) RunOnce() {
	c := e.agg.GetState().Components
	e.observe(map[string]float64{
		aggregator.ComponentGovernance: float64(c.Governance),
		aggregator.ComponentSecurity:   float64(c.Security),
		aggregator.ComponentAnomaly:    float64(c.Anomaly),
	})
}

// observe appends one sample per component and rebuilds edges.
func (e *Engine) observe(sample map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, comp := range components {
		s := append(e.series[comp], sample[comp])
		if len(s) > maxSamples {
			s = s[len(s)-maxSamples:]
		}
		e.series[comp] = s
	}
	e.rebuild()
}

// rebuild recomputes all pairwise edges and node degrees. Caller holds mu.
func (e *Engine) rebuild() {
	n := len(e.series[components[0]])

	var edges []Edge
	if n >= minSamples {
		for i := 0; i < len(components); i++ {
			for j := i + 1; j < len(components); j++ {
				r := pearson(e.series[components[i]], e.series[components[j]])
				edges = append(edges, Edge{A: components[i], B: components[j], R: r, Samples: n})
			}
		}
	}

	degrees := make(map[string]int, len(components))
	for _, edge := range edges {
		if math.Abs(edge.R) >= StrongEdgeThreshold {
			degrees[edge.A]++
			degrees[edge.B]++
		}
	}
	nodes := make([]Node, 0, len(components))
	for _, comp := range components {
		nodes = append(nodes, Node{Component: comp, Degree: degrees[comp]})
	}

	e.graph = Graph{Nodes: nodes, Edges: edges, Samples: n, UpdatedAt: time.Now()}
}

// GetGraph returns the latest graph.
func (e *Engine) GetGraph() Graph {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := e.graph
	g.Nodes = append([]Node(nil), e.graph.Nodes...)
	g.Edges = append([]Edge(nil), e.graph.Edges...)
	return g
}

// pearson computes the correlation coefficient of two equal-length series.
// Returns 0 when either series has no variance.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}
