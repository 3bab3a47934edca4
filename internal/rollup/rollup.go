// Package rollup persists per-bucket event counts so risk history survives
// restarts and can be queried over ranges longer than the in-memory rings.
package rollup

import (
	"context"
	"errors"
	"time"
)

// Tracked rollup resolutions (milliseconds).
const (
	WindowMinute = int64(60_000)
	Window5Min   = int64(300_000)
	WindowHour   = int64(3_600_000)
)

// Windows lists every persisted resolution.
var Windows = []int64{WindowMinute, Window5Min, WindowHour}

var (
	// ErrUnknownWindow is returned for a resolution that is not persisted.
	ErrUnknownWindow = errors.New("rollup: unknown window")
)

// Row is one persisted count bucket.
type Row struct {
	WindowMS int64     `json:"windowMs"`
	BucketTS time.Time `json:"bucketTs"`
	Domain   string    `json:"domain"`
	Kind     string    `json:"kind"`
	Count    int64     `json:"count"`
}

// Query filters a history read. Zero values mean "no filter" except
// WindowMS, which is required.
type Query struct {
	WindowMS int64
	Domain   string
	Kind     string
	From     time.Time
	To       time.Time
	Limit    int
}

// Store persists rollup rows.
type Store interface {
	// UpsertBatch adds the batch counts to any existing rows for the same
	// (window, bucket, domain, kind) key.
	UpsertBatch(ctx context.Context, rows []*Row) error
	// Query returns matching rows, newest bucket first.
	Query(ctx context.Context, q Query) ([]*Row, error)
	// Prune deletes rows with a bucket older than the cutoff and returns
	// the number removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// ValidWindow reports whether windowMs is a persisted resolution.
func ValidWindow(windowMs int64) bool {
	for _, w := range Windows {
		if w == windowMs {
			return true
		}
	}
	return false
}

// BucketStart truncates ts down to the bucket boundary of the window.
func BucketStart(ts time.Time, windowMs int64) time.Time {
	return ts.UTC().Truncate(time.Duration(windowMs) * time.Millisecond)
}
