package cluster

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Advisory lock key pair shared by every node in the cluster.
const (
	lockKeyHigh = 0x5359 // "SY"
	lockKeyLow  = 0x4C44 // "LD"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed cluster store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// Migrate creates the cluster node table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS intel_cluster_nodes (
			node_id        VARCHAR(64) PRIMARY KEY,
			started_at     TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			version        VARCHAR(40) NOT NULL,
			role           VARCHAR(20) NOT NULL,
			is_leader      BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_intel_cluster_heartbeat ON intel_cluster_nodes(last_heartbeat);
	`)
	return err
}

// UpsertNode writes this node's presence row.
func (p *PostgresStore) UpsertNode(ctx context.Context, rec *NodeRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO intel_cluster_nodes (node_id, started_at, last_heartbeat, version, role, is_leader)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id) DO UPDATE SET
			last_heartbeat = EXCLUDED.last_heartbeat,
			version        = EXCLUDED.version,
			role           = EXCLUDED.role,
			is_leader      = EXCLUDED.is_leader
	`, rec.NodeID, rec.StartedAt, rec.LastHeartbeat, rec.Version, rec.Role, rec.IsLeader)
	return err
}

// ListNodes returns nodes with a heartbeat after the cutoff.
func (p *PostgresStore) ListNodes(ctx context.Context, since time.Time) ([]*NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id, started_at, last_heartbeat, version, role, is_leader
		FROM intel_cluster_nodes
		WHERE last_heartbeat >= $1
		ORDER BY started_at ASC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		n := &NodeRecord{}
		if err := rows.Scan(&n.NodeID, &n.StartedAt, &n.LastHeartbeat, &n.Version, &n.Role, &n.IsLeader); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// RemoveNode deletes a node's presence row.
func (p *PostgresStore) RemoveNode(ctx context.Context, nodeID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM intel_cluster_nodes WHERE node_id = $1`, nodeID)
	return err
}

// PostgresElector holds the leadership advisory lock on a dedicated
// connection. Advisory locks are session-scoped, so the connection is
// pinned for as long as the lock is held; losing the connection loses the
// lock, which is exactly the failover behavior wanted.
type PostgresElector struct {
	db *sql.DB

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPostgresElector creates an advisory-lock elector.
func NewPostgresElector(db *sql.DB) *PostgresElector {
	return &PostgresElector{db: db}
}

// Compile-time interface check
var _ Elector = (*PostgresElector)(nil)

// TryAcquire attempts the non-blocking advisory lock. Holding the lock
// already returns true without a round trip.
func (e *PostgresElector) TryAcquire(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		// Verify the pinned session is still alive; a dead session means
		// the lock is gone with it.
		if err := e.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		e.conn.Close()
		e.conn = nil
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("cluster: get connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock($1, $2)`, lockKeyHigh, lockKeyLow,
	).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("cluster: lock acquisition: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	e.conn = conn
	return true, nil
}

// Release unlocks and unpins the connection.
func (e *PostgresElector) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil
	}
	_, err := e.conn.ExecContext(ctx,
		`SELECT pg_advisory_unlock($1, $2)`, lockKeyHigh, lockKeyLow)
	closeErr := e.conn.Close()
	e.conn = nil
	if err != nil {
		return fmt.Errorf("cluster: unlock: %w", err)
	}
	return closeErr
}
