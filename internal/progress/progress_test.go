package progress

import (
	"testing"

	"github.com/caldwell/syncron/internal/logstore"
)

func TestCompactFlushesOnThreshold(t *testing.T) {
	entries := []logstore.Entry{
		{TimestampMS: 1000, Bytes: 10},
		{TimestampMS: 2000, Bytes: 10},
		{TimestampMS: 9000, Bytes: 10}, // big jump should force a flush
		{TimestampMS: 9500, Bytes: 10},
	}
	buckets := Compact(entries, 0, 10000)
	if len(buckets) < 2 {
		t.Fatalf("expected at least 2 buckets, got %d: %+v", len(buckets), buckets)
	}
	last := buckets[len(buckets)-1]
	if last.Bytes != 40 {
		t.Fatalf("expected cumulative bytes 40 at end, got %d", last.Bytes)
	}
}

func TestCompactEmpty(t *testing.T) {
	if b := Compact(nil, 0, 1000); b != nil {
		t.Fatalf("expected nil for no entries, got %+v", b)
	}
}

func TestEstimateMonotonicInBytes(t *testing.T) {
	profile := Compact([]logstore.Entry{
		{TimestampMS: 1000, Bytes: 100},
		{TimestampMS: 3000, Bytes: 100},
		{TimestampMS: 9000, Bytes: 100},
	}, 0, 10000)

	prev := -1.0
	for _, bytes := range []int64{0, 50, 100, 150, 200, 300} {
		pct, ok := Estimate(profile, bytes, 5000)
		if !ok {
			continue
		}
		if pct < prev {
			t.Fatalf("percent decreased: bytes=%d pct=%f prev=%f", bytes, pct, prev)
		}
		if pct < 0 || pct > 1 {
			t.Fatalf("percent out of bounds: %f", pct)
		}
		prev = pct
	}
}

func TestEstimateNoProfile(t *testing.T) {
	if _, ok := Estimate(nil, 10, 10); ok {
		t.Fatal("expected no estimate for empty profile")
	}
}
