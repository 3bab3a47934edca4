// Package window implements fixed-size, multi-resolution time windows over
// the event stream. Each configured horizon (60s, 5m, 1h) is a ring of
// one-second buckets that is overwritten in place as time advances, so
// ingest is O(1) amortized and snapshots cost only the window's bucket
// span, never the ring capacity.
package window

import (
	"sync"
	"time"

	"github.com/iscgrou/skywalker/internal/event"
)

// BucketMS is the bucket granularity for every ring.
const BucketMS = int64(1000)

// DefaultWindows are the horizons tracked when none are configured.
var DefaultWindows = []int64{60_000, 300_000, 3_600_000}

// bucket is one time-aligned slot of a ring. ts==0 marks a slot that has
// never been stamped.
type bucket struct {
	ts       int64
	total    int
	byDomain map[event.Domain]int
	byKind   map[event.Kind]int
}

func (b *bucket) reset(ts int64) {
	b.ts = ts
	b.total = 0
	b.byDomain = make(map[event.Domain]int)
	b.byKind = make(map[event.Kind]int)
}

// ring is a circular buffer of one-second buckets covering windowMs.
type ring struct {
	windowMs int64
	buckets  []bucket
	idx      int // current bucket position
}

func newRing(windowMs int64) *ring {
	n := int(windowMs / BucketMS)
	if n < 1 {
		n = 1
	}
	return &ring{windowMs: windowMs, buckets: make([]bucket, n)}
}

// advance rolls the pointer forward to the bucket aligned at ts, zeroing
// every newly entered slot. Rolls are capped at the ring length; a gap
// longer than the window simply resets the whole ring one slot at a time.
func (r *ring) advance(aligned int64) {
	cur := &r.buckets[r.idx]
	if cur.ts == 0 {
		cur.reset(aligned)
		return
	}
	if aligned <= cur.ts {
		// Late or same-second event: fold into the current bucket.
		return
	}
	steps := (aligned - cur.ts) / BucketMS
	if steps > int64(len(r.buckets)) {
		steps = int64(len(r.buckets))
	}
	// Stamp each newly entered slot with its expected timestamp, counting
	// back from the target so a gap longer than the ring still lands the
	// current slot exactly at aligned.
	for i := int64(1); i <= steps; i++ {
		r.idx = (r.idx + 1) % len(r.buckets)
		r.buckets[r.idx].reset(aligned - (steps-i)*BucketMS)
	}
}

// Snapshot is a read-only aggregate over the live buckets of one horizon.
type Snapshot struct {
	WindowMS   int64                `json:"windowMs"`
	EventCount int                  `json:"eventCount"`
	ByDomain   map[event.Domain]int `json:"byDomain"`
	ByKind     map[event.Kind]int   `json:"byKind"`
	From       int64                `json:"from"`
	To         int64                `json:"to"`
}

// Stats reports ingest counters.
type Stats struct {
	Ingested int64 `json:"ingested"`
	Late     int64 `json:"late"` // folded into the current bucket (out of order)
}

// Store maintains one ring per configured horizon.
type Store struct {
	mu    sync.Mutex
	rings map[int64]*ring
	now   func() time.Time

	ingested int64
	late     int64
}

// Option configures the store.
type Option func(*Store)

// WithWindows overrides the tracked horizons (milliseconds).
func WithWindows(windowsMs ...int64) Option {
	return func(s *Store) {
		s.rings = make(map[int64]*ring, len(windowsMs))
		for _, w := range windowsMs {
			s.rings[w] = newRing(w)
		}
	}
}

// WithClock injects the time source. Tests use this to drive bucket
// rollover deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store tracking DefaultWindows unless overridden.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.rings == nil {
		s.rings = make(map[int64]*ring, len(DefaultWindows))
		for _, w := range DefaultWindows {
			s.rings[w] = newRing(w)
		}
	}
	return s
}

// Ingest folds an envelope into every ring. Fire-and-forget: malformed
// timestamps count as "now", late events fold into the current bucket
// (tracked in Stats.Late rather than silently hidden).
func (s *Store) Ingest(e *event.Envelope) {
	if e == nil {
		return
	}
	ts := e.TS
	if ts <= 0 {
		ts = s.now().UnixMilli()
	}
	aligned := ts - ts%BucketMS

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ingested++
	for _, r := range s.rings {
		cur := &r.buckets[r.idx]
		if cur.ts != 0 && aligned < cur.ts {
			s.late++
		}
		r.advance(aligned)
		b := &r.buckets[r.idx]
		b.total++
		b.byDomain[e.Domain]++
		b.byKind[e.Kind]++
	}
}

// GetSnapshot aggregates the live buckets of the horizon. Returns nil when
// the horizon is not tracked.
func (s *Store) GetSnapshot(windowMs int64) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rings[windowMs]
	if !ok {
		return nil
	}

	now := s.now().UnixMilli()
	horizon := now - windowMs

	snap := &Snapshot{
		WindowMS: windowMs,
		ByDomain: make(map[event.Domain]int),
		ByKind:   make(map[event.Kind]int),
		From:     now,
		To:       0,
	}

	// Walk backward from the current pointer; stop at the first unstamped
	// or out-of-horizon bucket (ring wrap boundary).
	n := len(r.buckets)
	for i := 0; i < n; i++ {
		b := &r.buckets[(r.idx-i+n)%n]
		if b.ts == 0 || b.ts < horizon {
			break
		}
		snap.EventCount += b.total
		for d, c := range b.byDomain {
			snap.ByDomain[d] += c
		}
		for k, c := range b.byKind {
			snap.ByKind[k] += c
		}
		if b.ts < snap.From {
			snap.From = b.ts
		}
		if b.ts > snap.To {
			snap.To = b.ts
		}
	}
	if snap.EventCount == 0 {
		snap.From = horizon
		snap.To = now
	}
	return snap
}

// Windows returns the tracked horizons in no particular order.
func (s *Store) Windows() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.rings))
	for w := range s.rings {
		out = append(out, w)
	}
	return out
}

// Stats returns ingest counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Ingested: s.ingested, Late: s.late}
}
