package rollup

import (
	"context"
	"sort"
	"sync"
	"time"
)

type rowKey struct {
	windowMs int64
	bucketTs int64
	domain   string
	kind     string
}

// MemoryStore is an in-memory implementation of Store for testing and for
// running without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[rowKey]*Row
}

// NewMemoryStore creates a new in-memory rollup store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[rowKey]*Row)}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// UpsertBatch adds counts to existing rows or inserts new ones.
func (m *MemoryStore) UpsertBatch(ctx context.Context, rows []*Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range rows {
		k := rowKey{r.WindowMS, r.BucketTS.UnixMilli(), r.Domain, r.Kind}
		if existing, ok := m.rows[k]; ok {
			existing.Count += r.Count
			continue
		}
		cp := *r
		m.rows[k] = &cp
	}
	return nil
}

// Query returns matching rows, newest bucket first.
func (m *MemoryStore) Query(ctx context.Context, q Query) ([]*Row, error) {
	if !ValidWindow(q.WindowMS) {
		return nil, ErrUnknownWindow
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Row
	for _, r := range m.rows {
		if r.WindowMS != q.WindowMS {
			continue
		}
		if q.Domain != "" && r.Domain != q.Domain {
			continue
		}
		if q.Kind != "" && r.Kind != q.Kind {
			continue
		}
		if !q.From.IsZero() && r.BucketTS.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && r.BucketTS.After(q.To) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].BucketTS.After(out[j].BucketTS) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Prune deletes rows older than the cutoff.
func (m *MemoryStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, r := range m.rows {
		if r.BucketTS.Before(olderThan) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}
