package rollup

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iscgrou/skywalker/internal/event"
)

func TestMemoryStoreUpsertMergesCounts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	bucket := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	row := func(count int64) *Row {
		return &Row{WindowMS: WindowMinute, BucketTS: bucket, Domain: "security", Kind: "security.signal", Count: count}
	}
	if err := s.UpsertBatch(ctx, []*Row{row(3)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertBatch(ctx, []*Row{row(4)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rows, err := s.Query(ctx, Query{WindowMS: WindowMinute})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Count != 7 {
		t.Errorf("rows = %+v, want single merged row with count 7", rows)
	}
}

func TestMemoryStoreQueryFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	seed := []*Row{
		{WindowMS: WindowMinute, BucketTS: base, Domain: "security", Kind: "security.signal", Count: 1},
		{WindowMS: WindowMinute, BucketTS: base.Add(time.Minute), Domain: "governance", Kind: "governance.alert", Count: 2},
		{WindowMS: WindowMinute, BucketTS: base.Add(2 * time.Minute), Domain: "security", Kind: "security.signal", Count: 3},
		{WindowMS: WindowHour, BucketTS: base, Domain: "security", Kind: "security.signal", Count: 9},
	}
	if err := s.UpsertBatch(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rows, err := s.Query(ctx, Query{WindowMS: WindowMinute, Domain: "security"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("domain filter returned %d rows, want 2", len(rows))
	}
	if !rows[0].BucketTS.After(rows[1].BucketTS) {
		t.Error("rows not ordered newest first")
	}

	rows, err = s.Query(ctx, Query{WindowMS: WindowMinute, From: base.Add(time.Minute), Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Count != 3 {
		t.Errorf("range+limit query = %+v, want newest in-range row", rows)
	}

	if _, err := s.Query(ctx, Query{WindowMS: 42}); err != ErrUnknownWindow {
		t.Errorf("err = %v, want ErrUnknownWindow", err)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	seed := []*Row{
		{WindowMS: WindowMinute, BucketTS: base.Add(-48 * time.Hour), Domain: "security", Kind: "security.signal", Count: 1},
		{WindowMS: WindowMinute, BucketTS: base, Domain: "security", Kind: "security.signal", Count: 1},
	}
	if err := s.UpsertBatch(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	n, err := s.Prune(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
	rows, _ := s.Query(ctx, Query{WindowMS: WindowMinute})
	if len(rows) != 1 {
		t.Errorf("%d rows remain, want 1", len(rows))
	}
}

func TestRecorderAccumulatesAllResolutions(t *testing.T) {
	r := NewRecorder(NewMemoryStore(), slog.Default())
	acc := make(map[rowKey]*Row)

	e := event.New(event.DomainSecurity, event.KindSecuritySignal, "rollup_test")
	e.TS = time.Date(2026, 8, 25, 10, 2, 30, 0, time.UTC).UnixMilli()
	r.accumulate(acc, e)
	r.accumulate(acc, e)

	if len(acc) != len(Windows) {
		t.Fatalf("accumulated %d keys, want one per resolution (%d)", len(acc), len(Windows))
	}
	for k, row := range acc {
		if row.Count != 2 {
			t.Errorf("key %+v count = %d, want 2", k, row.Count)
		}
		want := BucketStart(time.UnixMilli(e.TS), k.windowMs)
		if !row.BucketTS.Equal(want) {
			t.Errorf("bucket = %v, want %v", row.BucketTS, want)
		}
	}
}

func TestRecorderFlushesOnStop(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, slog.Default())

	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()

	e := event.New(event.DomainGovernance, event.KindGovernanceAlert, "rollup_test")
	r.Send(e)

	time.Sleep(50 * time.Millisecond)
	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}

	rows, err := store.Query(context.Background(), Query{WindowMS: WindowMinute})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Count != 1 {
		t.Errorf("rows after stop = %+v, want the flushed event", rows)
	}
}

func TestHistoryEndpointValidatesWindow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(NewMemoryStore()).RegisterRoutes(router.Group("/v1/intel"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/intel/history?windowMs=1234", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/intel/history?windowMs=60000", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
