package serve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/eventlog"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/store"
	"go.uber.org/zap"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := eventlog.New(store.NewMemStore(), eventlog.Options{
		Collator: config.CollatorConfig{
			MinBatchSize:    1,
			MaxBatchSize:    config.DefaultMaxBatchSize,
			MaxJournalBytes: config.ByteSize(64 * 1024 * 1024),
		},
		PresignExpiry: time.Hour,
	}, zap.NewNop())
	srv := httptest.NewServer(NewMux(log, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
	return resp.StatusCode
}

func putEvent(t *testing.T, srv *httptest.Server, id, ts, payload string) {
	t.Helper()
	code := doJSON(t, http.MethodPost, srv.URL+"/v1/events", eventJSON{
		EventID:   id,
		Timestamp: ts,
		Payload:   []byte(payload),
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("put %s returned %d", id, code)
	}
}

func TestPutAndGet(t *testing.T) {
	srv := testServer(t)
	ts := keys.FormatTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	putEvent(t, srv, "evt-a", ts, "hello")

	var got eventJSON
	code := doJSON(t, http.MethodGet, srv.URL+"/v1/events/evt-a", nil, &got)
	if code != http.StatusOK {
		t.Fatalf("get returned %d", code)
	}
	if got.EventID != "evt-a" || string(got.Payload) != "hello" || got.Timestamp != ts {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestPutGeneratesID(t *testing.T) {
	srv := testServer(t)

	var created eventJSON
	code := doJSON(t, http.MethodPost, srv.URL+"/v1/events", eventJSON{Payload: []byte("x")}, &created)
	if code != http.StatusCreated {
		t.Fatalf("put returned %d", code)
	}
	if created.EventID == "" || created.Timestamp == "" {
		t.Fatalf("defaults not generated: %+v", created)
	}
}

func TestPutRejectsBadInput(t *testing.T) {
	srv := testServer(t)

	for _, req := range []eventJSON{
		{EventID: "a--b"},
		{EventID: "ok", Timestamp: "june 1st"},
	} {
		if code := doJSON(t, http.MethodPost, srv.URL+"/v1/events", req, nil); code != http.StatusBadRequest {
			t.Errorf("request %+v returned %d, want 400", req, code)
		}
	}
}

func TestGetMissingAndDeleted(t *testing.T) {
	srv := testServer(t)

	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/events/nope", nil, nil); code != http.StatusNotFound {
		t.Fatalf("missing event returned %d, want 404", code)
	}

	ts := keys.FormatTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	putEvent(t, srv, "evt-a", ts, "x")
	if code := doJSON(t, http.MethodDelete, srv.URL+"/v1/events/evt-a", nil, nil); code != http.StatusAccepted {
		t.Fatalf("delete returned %d", code)
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/events/evt-a", nil, nil); code != http.StatusGone {
		t.Fatalf("deleted event returned %d, want 410", code)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	srv := testServer(t)
	ts := keys.FormatTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	putEvent(t, srv, "evt-a", ts, "v1")

	code := doJSON(t, http.MethodPut, srv.URL+"/v1/events/evt-a", eventJSON{Payload: []byte("v2")}, nil)
	if code != http.StatusAccepted {
		t.Fatalf("update returned %d", code)
	}

	var got eventJSON
	doJSON(t, http.MethodGet, srv.URL+"/v1/events/evt-a", nil, &got)
	if string(got.Payload) != "v2" {
		t.Fatalf("payload = %q, want v2", got.Payload)
	}
}

func TestReplayAndCollate(t *testing.T) {
	srv := testServer(t)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		putEvent(t, srv, fmt.Sprintf("evt-%d", i),
			keys.FormatTimestamp(base.Add(time.Duration(i)*time.Second)), fmt.Sprintf("p%d", i))
	}

	var res struct {
		EventsFolded int    `json:"events_folded"`
		JournalID    string `json:"journal_id"`
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/admin/collate?min_batch=1", nil, &res); code != http.StatusOK {
		t.Fatalf("collate returned %d", code)
	}
	if res.EventsFolded != 3 || res.JournalID == "" {
		t.Fatalf("unexpected collation result: %+v", res)
	}

	var events []eventJSON
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/replay", nil, &events); code != http.StatusOK {
		t.Fatalf("replay returned %d", code)
	}
	if len(events) != 3 || events[0].EventID != "evt-0" {
		t.Fatalf("unexpected replay: %+v", events)
	}

	// Window excluding the first event.
	from := keys.FormatTimestamp(base.Add(time.Second))
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/replay?from="+from, nil, &events); code != http.StatusOK {
		t.Fatalf("windowed replay returned %d", code)
	}
	if len(events) != 2 || events[0].EventID != "evt-1" {
		t.Fatalf("unexpected window: %+v", events)
	}
}

func TestManifestEndpoint(t *testing.T) {
	srv := testServer(t)
	ts := keys.FormatTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	putEvent(t, srv, "evt-a", ts, "x")

	var manifest []struct {
		EventID  string `json:"event_id"`
		Locator  string `json:"locator"`
		Decision string `json:"decision"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/replay/manifest", nil, &manifest); code != http.StatusOK {
		t.Fatalf("manifest returned %d", code)
	}
	if len(manifest) != 1 || manifest[0].Locator == "" || manifest[0].Decision != "none" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := testServer(t)
	ts := keys.FormatTimestamp(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	putEvent(t, srv, "evt-a", ts, "x")

	var st struct {
		Journals    int `json:"journals"`
		LooseEvents int `json:"loose_events"`
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/status", nil, &st); code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	if st.LooseEvents != 1 || st.Journals != 0 {
		t.Fatalf("unexpected status: %+v", st)
	}
}
