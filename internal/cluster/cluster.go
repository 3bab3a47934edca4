// Package cluster elects a single computation leader among pipeline nodes.
//
// Each node heartbeats its row into a shared table and periodically tries
// a non-blocking Postgres advisory lock; the holder is the leader. Engine
// loops gate their ticks on IsLeader so only one node mutates shared state
// in a scaled deployment. Without a configured store the coordinator runs
// in single-node mode and always reports itself leader.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iscgrou/skywalker/internal/idgen"
	"github.com/iscgrou/skywalker/internal/metrics"
)

// Role of a node in the cluster.
type Role string

const (
	RoleLeader   Role = "LEADER"
	RoleFollower Role = "FOLLOWER"
)

const (
	// HeartbeatInterval is how often a node refreshes its row.
	HeartbeatInterval = 5 * time.Second
	// ElectionInterval is how often a node attempts the advisory lock.
	ElectionInterval = 7 * time.Second
	// staleAfter hides nodes whose heartbeat is too old from the roster.
	staleAfter = 30 * time.Second
)

// NodeRecord is one node's persisted presence row.
type NodeRecord struct {
	NodeID        string    `json:"nodeId"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	Version       string    `json:"version"`
	Role          Role      `json:"role"`
	IsLeader      bool      `json:"isLeader"`
}

// Store persists node presence.
type Store interface {
	UpsertNode(ctx context.Context, rec *NodeRecord) error
	ListNodes(ctx context.Context, since time.Time) ([]*NodeRecord, error)
	RemoveNode(ctx context.Context, nodeID string) error
}

// Elector is the leadership lock. TryAcquire is non-blocking: true means
// this node holds (or already held) the lock.
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Status is the coordinator view exposed over HTTP.
type Status struct {
	NodeID     string        `json:"nodeId"`
	Role       Role          `json:"role"`
	IsLeader   bool          `json:"isLeader"`
	SingleNode bool          `json:"singleNode"`
	LeaderID   string        `json:"leaderId,omitempty"`
	Nodes      []*NodeRecord `json:"nodes"`
}

// Hook runs on a leadership transition. Hooks run on the election
// goroutine; keep them fast.
type Hook func()

// Coordinator runs the heartbeat and election loops for one node.
type Coordinator struct {
	store   Store
	elector Elector
	logger  *slog.Logger

	nodeID    string
	version   string
	startedAt time.Time

	leader  atomic.Bool
	running atomic.Bool
	stop    chan struct{}

	mu        sync.Mutex
	onAcquire []Hook
	onLose    []Hook
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithVersion records the build version in the node row.
func WithVersion(v string) Option {
	return func(c *Coordinator) { c.version = v }
}

// WithNodeID overrides the generated node id.
func WithNodeID(id string) Option {
	return func(c *Coordinator) { c.nodeID = id }
}

// New creates a coordinator. A nil store or elector selects single-node
// mode: no loops run and the node is always leader.
func New(store Store, elector Elector, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		elector:   elector,
		logger:    slog.Default(),
		nodeID:    idgen.WithPrefix("node_"),
		version:   "dev",
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.SingleNode() {
		c.leader.Store(true)
		metrics.ClusterLeader.Set(1)
	}
	return c
}

// SingleNode reports whether the coordinator runs without shared state.
func (c *Coordinator) SingleNode() bool {
	return c.store == nil || c.elector == nil
}

// NodeID returns this node's id.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// IsLeader reports whether this node currently drives computation.
func (c *Coordinator) IsLeader() bool {
	return c.leader.Load()
}

// Running reports whether the coordinator loops are active.
func (c *Coordinator) Running() bool {
	return c.running.Load()
}

// OnAcquire registers a hook fired when leadership is gained.
func (c *Coordinator) OnAcquire(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAcquire = append(c.onAcquire, h)
}

// OnLose registers a hook fired when leadership is lost.
func (c *Coordinator) OnLose(h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLose = append(c.onLose, h)
}

// Start runs the heartbeat and election loops. Call in a goroutine. In
// single-node mode Start returns immediately.
func (c *Coordinator) Start(ctx context.Context) {
	if c.SingleNode() {
		return
	}
	c.running.Store(true)
	defer c.running.Store(false)

	c.safeHeartbeat(ctx)
	c.safeElect(ctx)

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	election := time.NewTicker(ElectionInterval)
	defer election.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-c.stop:
			c.shutdown()
			return
		case <-heartbeat.C:
			c.safeHeartbeat(ctx)
		case <-election.C:
			c.safeElect(ctx)
		}
	}
}

// Stop signals the loops to stop.
func (c *Coordinator) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

// shutdown releases leadership and removes the node row so the roster
// does not show a ghost until the stale cutoff.
func (c *Coordinator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.leader.CompareAndSwap(true, false) {
		metrics.ClusterLeader.Set(0)
		if err := c.elector.Release(ctx); err != nil {
			c.logger.Warn("leadership release failed", "error", err)
		}
		c.fireLose()
	}
	if err := c.store.RemoveNode(ctx, c.nodeID); err != nil {
		c.logger.Warn("node row removal failed", "error", err)
	}
}

func (c *Coordinator) safeHeartbeat(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in cluster heartbeat", "panic", fmt.Sprint(r))
		}
	}()

	role := RoleFollower
	if c.leader.Load() {
		role = RoleLeader
	}
	err := c.store.UpsertNode(ctx, &NodeRecord{
		NodeID:        c.nodeID,
		StartedAt:     c.startedAt,
		LastHeartbeat: time.Now(),
		Version:       c.version,
		Role:          role,
		IsLeader:      c.leader.Load(),
	})
	if err != nil {
		// Heartbeat failures degrade to a stale row, never crash the node.
		c.logger.Warn("cluster heartbeat failed", "error", err)
	}
}

func (c *Coordinator) safeElect(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in cluster election", "panic", fmt.Sprint(r))
		}
	}()

	acquired, err := c.elector.TryAcquire(ctx)
	if err != nil {
		c.logger.Warn("cluster election attempt failed", "error", err)
		return
	}

	switch {
	case acquired && c.leader.CompareAndSwap(false, true):
		metrics.ClusterLeader.Set(1)
		c.logger.Info("cluster leadership acquired", "node", c.nodeID)
		c.fireAcquire()
		c.safeHeartbeat(ctx)
	case !acquired && c.leader.CompareAndSwap(true, false):
		metrics.ClusterLeader.Set(0)
		c.logger.Info("cluster leadership lost", "node", c.nodeID)
		c.fireLose()
		c.safeHeartbeat(ctx)
	}
}

func (c *Coordinator) fireAcquire() {
	c.mu.Lock()
	hooks := append([]Hook(nil), c.onAcquire...)
	c.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (c *Coordinator) fireLose() {
	c.mu.Lock()
	hooks := append([]Hook(nil), c.onLose...)
	c.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// GetStatus reads the roster. Single-node mode reports a roster of one.
func (c *Coordinator) GetStatus(ctx context.Context) Status {
	st := Status{
		NodeID:     c.nodeID,
		IsLeader:   c.IsLeader(),
		SingleNode: c.SingleNode(),
	}
	st.Role = RoleFollower
	if st.IsLeader {
		st.Role = RoleLeader
	}

	if c.SingleNode() {
		st.LeaderID = c.nodeID
		st.Nodes = []*NodeRecord{{
			NodeID:        c.nodeID,
			StartedAt:     c.startedAt,
			LastHeartbeat: time.Now(),
			Version:       c.version,
			Role:          st.Role,
			IsLeader:      true,
		}}
		return st
	}

	nodes, err := c.store.ListNodes(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		c.logger.Warn("cluster roster read failed", "error", err)
		return st
	}
	st.Nodes = nodes
	for _, n := range nodes {
		if n.IsLeader {
			st.LeaderID = n.NodeID
		}
	}
	return st
}
