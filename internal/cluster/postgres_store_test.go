package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/iscgrou/skywalker/internal/testutil"
)

func TestPostgresStore_UpsertAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	rec := &NodeRecord{
		NodeID:        "node_test_a",
		StartedAt:     now.Add(-time.Minute),
		LastHeartbeat: now,
		Version:       "test",
		Role:          RoleLeader,
		IsLeader:      true,
	}
	if err := store.UpsertNode(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Upsert again with a newer heartbeat, should update not duplicate.
	rec.LastHeartbeat = now.Add(time.Second)
	rec.Role = RoleFollower
	rec.IsLeader = false
	if err := store.UpsertNode(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	nodes, err := store.ListNodes(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("listed %d nodes, want 1", len(nodes))
	}
	if nodes[0].Role != RoleFollower || nodes[0].IsLeader {
		t.Errorf("node = %+v, want updated follower record", nodes[0])
	}
}

func TestPostgresStore_ListExcludesStaleNodes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	stale := &NodeRecord{
		NodeID:        "node_test_stale",
		StartedAt:     now.Add(-time.Hour),
		LastHeartbeat: now.Add(-30 * time.Minute),
		Version:       "test",
		Role:          RoleFollower,
	}
	live := &NodeRecord{
		NodeID:        "node_test_live",
		StartedAt:     now.Add(-time.Hour),
		LastHeartbeat: now,
		Version:       "test",
		Role:          RoleLeader,
		IsLeader:      true,
	}
	for _, rec := range []*NodeRecord{stale, live} {
		if err := store.UpsertNode(ctx, rec); err != nil {
			t.Fatalf("upsert %s: %v", rec.NodeID, err)
		}
	}

	nodes, err := store.ListNodes(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 1 || nodes[0].NodeID != "node_test_live" {
		t.Errorf("nodes = %+v, want only the live node", nodes)
	}
}

func TestPostgresStore_RemoveNode(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	rec := &NodeRecord{
		NodeID:        "node_test_remove",
		StartedAt:     now,
		LastHeartbeat: now,
		Version:       "test",
		Role:          RoleFollower,
	}
	if err := store.UpsertNode(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.RemoveNode(ctx, rec.NodeID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	nodes, err := store.ListNodes(ctx, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("listed %d nodes after remove, want 0", len(nodes))
	}
}
