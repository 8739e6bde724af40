package keyindex

import (
	"context"
	"testing"
	"time"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/store"
	"go.uber.org/zap"
)

func testIndex(t *testing.T) (*Index, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	return New(st, zap.NewNop()), st
}

func register(t *testing.T, idx *Index, minTS, maxTS time.Time, seq uint64, events int) keys.JournalID {
	t.Helper()
	id := keys.MakeJournalID(minTS, maxTS, seq)
	if err := idx.Register(context.Background(), Entry{JournalID: id, Events: events, Size: int64(events) * 10}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return id
}

func TestQueryOverlap(t *testing.T) {
	idx, _ := testIndex(t)
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	j1 := register(t, idx, t0, t0.Add(time.Hour), 1, 5)
	j2 := register(t, idx, t0.Add(2*time.Hour), t0.Add(3*time.Hour), 2, 5)
	j3 := register(t, idx, t0.Add(4*time.Hour), t0.Add(5*time.Hour), 3, 5)

	// Window covering only the middle journal.
	got, err := idx.Query(ctx, t0.Add(90*time.Minute), t0.Add(210*time.Minute))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 1 || got[0].JournalID != j2 {
		t.Fatalf("expected [%s], got %+v", j2, got)
	}

	// Window touching boundaries of all three.
	got, err = idx.Query(ctx, t0.Add(time.Hour), t0.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].JournalID != j1 || got[2].JournalID != j3 {
		t.Fatalf("wrong order: %+v", got)
	}

	// Window before everything.
	got, err = idx.Query(ctx, t0.Add(-2*time.Hour), t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %+v", got)
	}
}

func TestQueryOpenWindow(t *testing.T) {
	idx, _ := testIndex(t)
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	register(t, idx, t0, t0.Add(time.Hour), 1, 2)
	register(t, idx, t0.Add(2*time.Hour), t0.Add(3*time.Hour), 2, 2)

	got, err := idx.Query(context.Background(), keys.DistantPast, keys.FarFuture)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
}

func TestLastAndCount(t *testing.T) {
	idx, _ := testIndex(t)
	ctx := context.Background()

	last, err := idx.Last(ctx)
	if err != nil {
		t.Fatalf("last failed: %v", err)
	}
	if last != nil {
		t.Fatalf("expected nil on empty registry, got %+v", last)
	}

	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	register(t, idx, t0, t0.Add(time.Hour), 1, 4)
	j2 := register(t, idx, t0.Add(2*time.Hour), t0.Add(3*time.Hour), 2, 7)

	last, err = idx.Last(ctx)
	if err != nil {
		t.Fatalf("last failed: %v", err)
	}
	if last == nil || last.JournalID != j2 || last.Events != 7 {
		t.Fatalf("unexpected last: %+v", last)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d", n)
	}
}

func TestMarkerRoundTrip(t *testing.T) {
	st := store.NewMemStore()
	ctx := context.Background()

	m, err := ReadMarker(ctx, st)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if m.NextSeq != 1 || m.LastLooseKey != "" {
		t.Fatalf("unexpected initial marker: %+v", m)
	}

	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m = Marker{
		LastLooseKey: keys.LooseKey(t0, "evt-z"),
		LastJournal:  keys.MakeJournalID(t0, t0, 1),
		NextSeq:      2,
	}
	if err := WriteMarker(ctx, st, m); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	got, err := ReadMarker(ctx, st)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got != m {
		t.Fatalf("round trip mismatch: %+v != %+v", got, m)
	}
}
