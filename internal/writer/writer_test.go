package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/store"
	"go.uber.org/zap"
)

func testWriter(t *testing.T) (*Writer, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	w := New(st, zap.NewNop())
	w.now = func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	w.newID = func() string { return "generated-id" }
	return w, st
}

func TestPutWritesLooseAndPointer(t *testing.T) {
	w, st := testWriter(t)
	ctx := context.Background()
	ts := time.Date(2024, 6, 1, 12, 30, 0, 123456000, time.UTC)

	evt, err := w.Put(ctx, "evt-1", []byte("payload"), ts)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if evt.ID != "evt-1" || !evt.Timestamp.Equal(ts) {
		t.Fatalf("unexpected event: %+v", evt)
	}

	data, err := st.Get(ctx, keys.LooseKey(ts, "evt-1"), nil)
	if err != nil {
		t.Fatalf("loose object missing: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("loose payload = %q", data)
	}

	ptr, err := st.Get(ctx, keys.EventIndexKey("evt-1"), nil)
	if err != nil {
		t.Fatalf("event index pointer missing: %v", err)
	}
	if string(ptr) != keys.FormatTimestamp(ts) {
		t.Fatalf("pointer body = %q", ptr)
	}
}

func TestPutDefaults(t *testing.T) {
	w, _ := testWriter(t)

	evt, err := w.Put(context.Background(), "", []byte("x"), time.Time{})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if evt.ID != "generated-id" {
		t.Fatalf("expected generated id, got %q", evt.ID)
	}
	if !evt.Timestamp.Equal(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected clock time, got %v", evt.Timestamp)
	}
}

func TestPutTruncatesToMicroseconds(t *testing.T) {
	w, st := testWriter(t)
	ts := time.Date(2024, 6, 1, 12, 0, 0, 123456789, time.UTC)

	evt, err := w.Put(context.Background(), "evt-1", nil, ts)
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	want := ts.Truncate(time.Microsecond)
	if !evt.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %v, want %v", evt.Timestamp, want)
	}
	if _, err := st.Get(context.Background(), keys.LooseKey(want, "evt-1"), nil); err != nil {
		t.Fatalf("loose object not at truncated key: %v", err)
	}
}

func TestPutRejectsBadID(t *testing.T) {
	w, st := testWriter(t)

	for _, id := range []string{"a--b", "a/b"} {
		if _, err := w.Put(context.Background(), id, nil, time.Time{}); err == nil {
			t.Errorf("accepted invalid id %q", id)
		}
	}
	if st.Len() != 0 {
		t.Fatalf("rejected writes must not store objects, have %d", st.Len())
	}
}

type failingStore struct {
	*store.MemStore
}

func (f failingStore) Put(context.Context, string, []byte) error {
	return errors.New("slow down")
}

func TestPutStoreFailure(t *testing.T) {
	w := New(failingStore{store.NewMemStore()}, zap.NewNop())

	_, err := w.Put(context.Background(), "evt-1", nil, time.Now())
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if we.Key == "" {
		t.Fatal("WriteError should carry the failed key")
	}
}
