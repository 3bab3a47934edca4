package rollup

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"
)

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rollup store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time interface check
var _ Store = (*PostgresStore)(nil)

// Migrate creates the rollup table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS intel_rollups (
			window_ms   BIGINT NOT NULL,
			bucket_ts   TIMESTAMPTZ NOT NULL,
			domain      VARCHAR(30) NOT NULL,
			kind        VARCHAR(40) NOT NULL,
			count       BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (window_ms, bucket_ts, domain, kind)
		);

		CREATE INDEX IF NOT EXISTS idx_intel_rollups_bucket ON intel_rollups(window_ms, bucket_ts DESC);
	`)
	return err
}

// UpsertBatch adds the batch counts in a single multi-row statement.
func (p *PostgresStore) UpsertBatch(ctx context.Context, rows []*Row) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO intel_rollups (window_ms, bucket_ts, domain, kind, count) VALUES `)
	args := make([]interface{}, 0, len(rows)*5)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		sb.WriteString("($" + strconv.Itoa(base+1) + ", $" + strconv.Itoa(base+2) +
			", $" + strconv.Itoa(base+3) + ", $" + strconv.Itoa(base+4) + ", $" + strconv.Itoa(base+5) + ")")
		args = append(args, r.WindowMS, r.BucketTS.UTC(), r.Domain, r.Kind, r.Count)
	}
	sb.WriteString(` ON CONFLICT (window_ms, bucket_ts, domain, kind)
		DO UPDATE SET count = intel_rollups.count + EXCLUDED.count`)

	_, err := p.db.ExecContext(ctx, sb.String(), args...)
	return err
}

// Query returns matching rows, newest bucket first.
func (p *PostgresStore) Query(ctx context.Context, q Query) ([]*Row, error) {
	if !ValidWindow(q.WindowMS) {
		return nil, ErrUnknownWindow
	}

	query := `SELECT window_ms, bucket_ts, domain, kind, count
	          FROM intel_rollups WHERE window_ms = $1`
	args := []interface{}{q.WindowMS}
	n := 2

	if q.Domain != "" {
		query += " AND domain = $" + strconv.Itoa(n)
		args = append(args, q.Domain)
		n++
	}
	if q.Kind != "" {
		query += " AND kind = $" + strconv.Itoa(n)
		args = append(args, q.Kind)
		n++
	}
	if !q.From.IsZero() {
		query += " AND bucket_ts >= $" + strconv.Itoa(n)
		args = append(args, q.From.UTC())
		n++
	}
	if !q.To.IsZero() {
		query += " AND bucket_ts <= $" + strconv.Itoa(n)
		args = append(args, q.To.UTC())
		n++
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY bucket_ts DESC LIMIT $" + strconv.Itoa(n)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Row
	for rows.Next() {
		r := &Row{}
		if err := rows.Scan(&r.WindowMS, &r.BucketTS, &r.Domain, &r.Kind, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes rows with a bucket older than the cutoff.
func (p *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM intel_rollups WHERE bucket_ts < $1`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
