package window

import (
	"testing"
	"time"

	"github.com/iscgrou/skywalker/internal/event"
)

// fakeClock lets tests drive bucket rollover deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func (c *fakeClock) envelope(k event.Kind) *event.Envelope {
	e := event.New(event.DomainGovernance, k, "window_test")
	e.TS = c.t.UnixMilli()
	return e
}

func newTestStore(c *fakeClock, windows ...int64) *Store {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	return NewStore(WithClock(c.now), WithWindows(windows...))
}

func TestSameBucketConservation(t *testing.T) {
	c := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStore(c)

	const n = 17
	for i := 0; i < n; i++ {
		s.Ingest(c.envelope(event.KindGovernanceAlert))
	}

	snap := s.GetSnapshot(60_000)
	if snap == nil {
		t.Fatal("expected snapshot for tracked window")
	}
	if snap.EventCount != n {
		t.Errorf("eventCount = %d, want %d", snap.EventCount, n)
	}
	if snap.ByKind[event.KindGovernanceAlert] != n {
		t.Errorf("byKind = %d, want %d", snap.ByKind[event.KindGovernanceAlert], n)
	}
	if snap.ByDomain[event.DomainGovernance] != n {
		t.Errorf("byDomain = %d, want %d", snap.ByDomain[event.DomainGovernance], n)
	}
}

func TestRolloverAgesOutOldBuckets(t *testing.T) {
	c := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStore(c, 60_000)

	s.Ingest(c.envelope(event.KindSecuritySignal))
	s.Ingest(c.envelope(event.KindSecuritySignal))

	// Jump past the whole 60s horizon.
	c.advance(90 * time.Second)
	s.Ingest(c.envelope(event.KindSecuritySignal))

	snap := s.GetSnapshot(60_000)
	if snap.EventCount != 1 {
		t.Errorf("eventCount = %d, want only the event inside the trailing window", snap.EventCount)
	}
}

func TestPartialAging(t *testing.T) {
	c := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStore(c, 60_000)

	s.Ingest(c.envelope(event.KindSecuritySignal)) // t=0
	c.advance(30 * time.Second)
	s.Ingest(c.envelope(event.KindSecuritySignal)) // t=30

	if got := s.GetSnapshot(60_000).EventCount; got != 2 {
		t.Fatalf("both events should be live, got %d", got)
	}

	// At t=70 the first event (t=0) is out of the horizon, the second is not.
	c.advance(40 * time.Second)
	s.Ingest(c.envelope(event.KindSecuritySignal)) // t=70

	if got := s.GetSnapshot(60_000).EventCount; got != 2 {
		t.Errorf("eventCount = %d, want 2 (t=30 and t=70)", got)
	}
}

func TestMultipleResolutionsIndependent(t *testing.T) {
	c := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStore(c)

	s.Ingest(c.envelope(event.KindUserAnomaly))
	c.advance(2 * time.Minute)
	s.Ingest(c.envelope(event.KindUserAnomaly))

	if got := s.GetSnapshot(60_000).EventCount; got != 1 {
		t.Errorf("60s window = %d, want 1", got)
	}
	if got := s.GetSnapshot(300_000).EventCount; got != 2 {
		t.Errorf("5m window = %d, want 2", got)
	}
	if got := s.GetSnapshot(3_600_000).EventCount; got != 2 {
		t.Errorf("1h window = %d, want 2", got)
	}
}

func TestLateEventFoldsIntoCurrentBucket(t *testing.T) {
	c := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStore(c, 60_000)

	s.Ingest(c.envelope(event.KindSecuritySignal))
	c.advance(5 * time.Second)
	s.Ingest(c.envelope(event.KindSecuritySignal))

	// Out-of-order: stamped 3s in the past relative to the last bucket.
	late := c.envelope(event.KindSecuritySignal)
	late.TS -= 3000
	s.Ingest(late)

	if got := s.GetSnapshot(60_000).EventCount; got != 3 {
		t.Errorf("eventCount = %d, want 3 (late event folded in)", got)
	}
	if stats := s.Stats(); stats.Late != 1 {
		t.Errorf("late counter = %d, want 1", stats.Late)
	}
}

func TestUntrackedWindowReturnsNil(t *testing.T) {
	c := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s := newTestStore(c, 60_000)

	if snap := s.GetSnapshot(999); snap != nil {
		t.Errorf("expected nil snapshot for untracked window, got %+v", snap)
	}
}
