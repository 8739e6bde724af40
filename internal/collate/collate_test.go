package collate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/journal"
	"github.com/gftdcojp/floodgate/internal/keyindex"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/store"
	"github.com/gftdcojp/floodgate/internal/types"
	"go.uber.org/zap"
)

func testCollator(t *testing.T, cfg config.CollatorConfig) (*Collator, *store.MemStore, *keyindex.Index) {
	t.Helper()
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = config.DefaultMaxBatchSize
	}
	if cfg.MaxJournalBytes == 0 {
		cfg.MaxJournalBytes = config.ByteSize(64 * 1024 * 1024)
	}
	st := store.NewMemStore()
	idx := keyindex.New(st, zap.NewNop())
	return New(st, idx, cfg, zap.NewNop()), st, idx
}

func putLoose(t *testing.T, st *store.MemStore, ts time.Time, id, payload string) string {
	t.Helper()
	key := keys.LooseKey(ts, id)
	if err := st.Put(context.Background(), key, []byte(payload)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	return key
}

func TestCollateFoldsBatch(t *testing.T) {
	c, st, idx := testCollator(t, config.CollatorConfig{})
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		putLoose(t, st, t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("evt-%d", i), fmt.Sprintf("payload-%d", i))
	}

	res, err := c.Collate(ctx, 1)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if res.EventsFolded != 5 || res.NothingToDo() {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Loose originals are gone.
	var loose int
	st.List(ctx, keys.LoosePrefix, "", func(string) error { loose++; return nil })
	if loose != 0 {
		t.Fatalf("expected no loose objects, found %d", loose)
	}

	// Journal content round-trips.
	data, err := st.Get(ctx, keys.JournalKey(res.JournalID), nil)
	if err != nil {
		t.Fatalf("journal missing: %v", err)
	}
	idxBody, err := st.Get(ctx, keys.JournalIndexKey(res.JournalID), nil)
	if err != nil {
		t.Fatalf("journal index missing: %v", err)
	}
	jidx, err := journal.DecodeIndex(res.JournalID, idxBody)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	events, err := (&journal.Journal{ID: res.JournalID, Data: data, Index: jidx}).Events()
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(events) != 5 || events[0].ID != "evt-0" || string(events[4].Payload) != "payload-4" {
		t.Fatalf("unexpected events: %+v", events)
	}

	// Registry and marker advanced.
	last, err := idx.Last(ctx)
	if err != nil || last == nil || last.JournalID != res.JournalID {
		t.Fatalf("registry not updated: %+v, %v", last, err)
	}
	m, err := keyindex.ReadMarker(ctx, st)
	if err != nil {
		t.Fatalf("marker read failed: %v", err)
	}
	if m.LastJournal != res.JournalID || m.NextSeq != 2 {
		t.Fatalf("unexpected marker: %+v", m)
	}
}

func TestCollateUndersizedBatch(t *testing.T) {
	c, st, _ := testCollator(t, config.CollatorConfig{MinBatchSize: 10})
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		putLoose(t, st, t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("evt-%d", i), "x")
	}

	res, err := c.Collate(ctx, 0)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if !res.NothingToDo() {
		t.Fatalf("expected nothing to do, got %+v", res)
	}

	// Everything still loose, no journal written.
	var loose int
	st.List(ctx, keys.LoosePrefix, "", func(string) error { loose++; return nil })
	if loose != 3 {
		t.Fatalf("loose objects must survive, found %d", loose)
	}
}

func TestCollateSuccessiveRuns(t *testing.T) {
	c, st, idx := testCollator(t, config.CollatorConfig{})
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	putLoose(t, st, t0, "evt-a", "a")
	res1, err := c.Collate(ctx, 1)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}

	putLoose(t, st, t0.Add(time.Minute), "evt-b", "b")
	res2, err := c.Collate(ctx, 1)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}

	if res1.JournalID >= res2.JournalID {
		t.Fatalf("journal ids must ascend: %s then %s", res1.JournalID, res2.JournalID)
	}
	if res2.JournalID.Seq() != 2 {
		t.Fatalf("second journal seq = %d", res2.JournalID.Seq())
	}
	n, _ := idx.Count(ctx)
	if n != 2 {
		t.Fatalf("expected 2 registered journals, got %d", n)
	}
}

func TestCollateMaxBatchSize(t *testing.T) {
	c, st, _ := testCollator(t, config.CollatorConfig{MaxBatchSize: 3})
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		putLoose(t, st, t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("evt-%d", i), "x")
	}

	res, err := c.Collate(ctx, 1)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if res.EventsFolded != 3 {
		t.Fatalf("folded %d, want 3", res.EventsFolded)
	}

	var loose int
	st.List(ctx, keys.LoosePrefix, "", func(string) error { loose++; return nil })
	if loose != 2 {
		t.Fatalf("expected 2 loose leftovers, found %d", loose)
	}

	// The next run picks up the tail.
	res, err = c.Collate(ctx, 1)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if res.EventsFolded != 2 {
		t.Fatalf("second run folded %d, want 2", res.EventsFolded)
	}
}

func TestCollateMaxJournalBytes(t *testing.T) {
	c, st, _ := testCollator(t, config.CollatorConfig{MaxJournalBytes: 10})
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// 6 bytes each; the cap of 10 fits one whole payload plus nothing.
	for i := 0; i < 3; i++ {
		putLoose(t, st, t0.Add(time.Duration(i)*time.Second), fmt.Sprintf("evt-%d", i), "6bytes")
	}

	res, err := c.Collate(ctx, 1)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if res.EventsFolded != 1 {
		t.Fatalf("folded %d, want 1", res.EventsFolded)
	}
}

func TestCollateRecoversInterruptedRun(t *testing.T) {
	c, st, idx := testCollator(t, config.CollatorConfig{})
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Simulate a run that crashed after registering the journal but before
	// deleting the loose originals and advancing the marker.
	k1 := putLoose(t, st, t0, "evt-a", "a")
	k2 := putLoose(t, st, t0.Add(time.Second), "evt-b", "b")

	builder := journal.NewBuilder()
	for i, key := range []string{k1, k2} {
		ts, id, err := keys.ParseLooseKey(key)
		if err != nil {
			t.Fatalf("parse failed: %v", err)
		}
		ev := types.Event{ID: id, Timestamp: ts, Payload: []byte{byte('a' + i)}}
		if err := builder.Add(ev); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	j, err := builder.Seal(1)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	st.Put(ctx, keys.JournalKey(j.ID), j.Data)
	st.Put(ctx, keys.JournalIndexKey(j.ID), j.Index.Encode())
	if err := idx.Register(ctx, keyindex.Entry{JournalID: j.ID, Events: 2, Size: j.Index.DataSize}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	// Marker never advanced; loose objects never deleted.

	putLoose(t, st, t0.Add(time.Minute), "evt-c", "c")
	res, err := c.Collate(ctx, 1)
	if err != nil {
		t.Fatalf("collate failed: %v", err)
	}
	if res.EventsFolded != 1 {
		t.Fatalf("recovery run should fold only the new event, folded %d", res.EventsFolded)
	}
	if res.JournalID.Seq() != 2 {
		t.Fatalf("recovery must continue the sequence, got seq %d", res.JournalID.Seq())
	}

	// The interrupted run's loose objects were cleaned up.
	var loose int
	st.List(ctx, keys.LoosePrefix, "", func(string) error { loose++; return nil })
	if loose != 0 {
		t.Fatalf("expected no loose objects after recovery, found %d", loose)
	}
}

func TestCollateConflict(t *testing.T) {
	c, st, _ := testCollator(t, config.CollatorConfig{})
	ctx := context.Background()
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Marker claims a journal the registry has never seen.
	m := keyindex.Marker{
		LastJournal: keys.MakeJournalID(t0, t0, 7),
		NextSeq:     8,
	}
	if err := keyindex.WriteMarker(ctx, st, m); err != nil {
		t.Fatalf("marker write failed: %v", err)
	}
	putLoose(t, st, t0, "evt-a", "a")

	_, err := c.Collate(ctx, 1)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}
