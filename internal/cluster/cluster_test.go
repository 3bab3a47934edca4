package cluster

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu    sync.Mutex
	nodes map[string]*NodeRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: make(map[string]*NodeRecord)}
}

func (s *fakeStore) UpsertNode(ctx context.Context, rec *NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.nodes[rec.NodeID] = &cp
	return nil
}

func (s *fakeStore) ListNodes(ctx context.Context, since time.Time) ([]*NodeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*NodeRecord
	for _, n := range s.nodes {
		if !n.LastHeartbeat.Before(since) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) RemoveNode(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeID)
	return nil
}

// fakeLock simulates the shared advisory lock: one holder at a time.
type fakeLock struct {
	mu     sync.Mutex
	holder string
}

func (l *fakeLock) tryAcquire(node string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" || l.holder == node {
		l.holder = node
		return true
	}
	return false
}

func (l *fakeLock) release(node string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == node {
		l.holder = ""
	}
}

type fakeElector struct {
	lock *fakeLock
	node string
}

func (e *fakeElector) TryAcquire(ctx context.Context) (bool, error) {
	return e.lock.tryAcquire(e.node), nil
}

func (e *fakeElector) Release(ctx context.Context) error {
	e.lock.release(e.node)
	return nil
}

func TestSingleNodeModeIsAlwaysLeader(t *testing.T) {
	c := New(nil, nil)
	if !c.IsLeader() {
		t.Error("single-node coordinator must be leader")
	}

	// Start is a no-op without shared state.
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("single-node Start should return immediately")
	}

	st := c.GetStatus(context.Background())
	if !st.SingleNode || !st.IsLeader || st.Role != RoleLeader {
		t.Errorf("status = %+v, want single-node leader", st)
	}
	if len(st.Nodes) != 1 || st.LeaderID != c.NodeID() {
		t.Errorf("roster = %+v, want exactly this node", st.Nodes)
	}
}

func TestAtMostOneLeaderUnderContention(t *testing.T) {
	lock := &fakeLock{}
	store := newFakeStore()
	ctx := context.Background()

	c1 := New(store, &fakeElector{lock, "n1"}, WithNodeID("n1"))
	c2 := New(store, &fakeElector{lock, "n2"}, WithNodeID("n2"))

	for i := 0; i < 5; i++ {
		c1.safeElect(ctx)
		c2.safeElect(ctx)
		if c1.IsLeader() && c2.IsLeader() {
			t.Fatal("two leaders at once")
		}
	}
	if !c1.IsLeader() || c2.IsLeader() {
		t.Errorf("leaders = n1:%v n2:%v, want only the first claimant", c1.IsLeader(), c2.IsLeader())
	}

	// The holder vanishes; leadership must transfer exactly once.
	lock.release("n1")
	c2.safeElect(ctx)
	c1.safeElect(ctx)
	if c1.IsLeader() || !c2.IsLeader() {
		t.Errorf("after transfer leaders = n1:%v n2:%v, want only n2", c1.IsLeader(), c2.IsLeader())
	}
}

func TestLeadershipHooksFire(t *testing.T) {
	lock := &fakeLock{}
	store := newFakeStore()
	ctx := context.Background()

	c := New(store, &fakeElector{lock, "n1"}, WithNodeID("n1"))
	var acquired, lost int
	c.OnAcquire(func() { acquired++ })
	c.OnLose(func() { lost++ })

	c.safeElect(ctx)
	c.safeElect(ctx) // still leader, no re-fire
	if acquired != 1 || lost != 0 {
		t.Errorf("after acquire: hooks = %d/%d, want 1/0", acquired, lost)
	}

	lock.mu.Lock()
	lock.holder = "other"
	lock.mu.Unlock()
	c.safeElect(ctx)
	if acquired != 1 || lost != 1 {
		t.Errorf("after loss: hooks = %d/%d, want 1/1", acquired, lost)
	}
}

func TestHeartbeatWritesRoleAndStatusReadsRoster(t *testing.T) {
	lock := &fakeLock{}
	store := newFakeStore()
	ctx := context.Background()

	c1 := New(store, &fakeElector{lock, "n1"}, WithNodeID("n1"), WithVersion("1.2.3"))
	c2 := New(store, &fakeElector{lock, "n2"}, WithNodeID("n2"))

	c1.safeElect(ctx)
	c1.safeHeartbeat(ctx)
	c2.safeElect(ctx)
	c2.safeHeartbeat(ctx)

	st := c2.GetStatus(ctx)
	if st.SingleNode {
		t.Error("store-backed coordinator should not report single-node")
	}
	if len(st.Nodes) != 2 {
		t.Fatalf("roster = %d nodes, want 2", len(st.Nodes))
	}
	if st.LeaderID != "n1" {
		t.Errorf("leaderId = %q, want n1", st.LeaderID)
	}
	if st.IsLeader {
		t.Error("follower must not report leadership")
	}

	rec := store.nodes["n1"]
	if rec.Role != RoleLeader || !rec.IsLeader || rec.Version != "1.2.3" {
		t.Errorf("leader row = %+v", rec)
	}
}
