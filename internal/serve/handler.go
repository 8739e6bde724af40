// Package serve exposes the event log over HTTP.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/floodgate/internal/collate"
	"github.com/gftdcojp/floodgate/internal/config"
	"github.com/gftdcojp/floodgate/internal/eventlog"
	"github.com/gftdcojp/floodgate/internal/journal"
	"github.com/gftdcojp/floodgate/internal/keys"
	"github.com/gftdcojp/floodgate/internal/types"
	"go.uber.org/zap"
)

type handler struct {
	log    *eventlog.Log
	logger *zap.Logger
}

// NewMux builds the API routes over a log.
func NewMux(log *eventlog.Log, logger *zap.Logger) *http.ServeMux {
	h := &handler{log: log, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.handlePut)
	mux.HandleFunc("GET /v1/events/{id}", h.handleGet)
	mux.HandleFunc("PUT /v1/events/{id}", h.handleUpdate)
	mux.HandleFunc("DELETE /v1/events/{id}", h.handleDelete)
	mux.HandleFunc("GET /v1/replay", h.handleReplay)
	mux.HandleFunc("GET /v1/replay/manifest", h.handleManifest)
	mux.HandleFunc("POST /v1/admin/collate", h.handleCollate)
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, log *eventlog.Log, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewMux(log, logger),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// eventJSON is the wire form of an event. Payload is base64 in JSON.
type eventJSON struct {
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

func toEventJSON(ev types.Event) eventJSON {
	return eventJSON{
		EventID:   ev.ID,
		Timestamp: keys.FormatTimestamp(ev.Timestamp),
		Payload:   ev.Payload,
	}
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	var req eventJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	var ts time.Time
	if req.Timestamp != "" {
		parsed, err := keys.ParseTimestamp(req.Timestamp)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		ts = parsed
	}

	ev, err := h.log.Put(r.Context(), req.EventID, req.Payload, ts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, eventJSON{EventID: ev.ID, Timestamp: keys.FormatTimestamp(ev.Timestamp)})
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ev, err := h.log.GetEvent(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventJSON(ev))
}

func (h *handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req eventJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body: " + err.Error()})
		return
	}
	if err := h.log.Update(r.Context(), r.PathValue("id"), req.Payload); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "updated"})
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.log.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "deleted"})
}

func (h *handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	stream, err := h.log.Replay(r.Context(), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	events := []eventJSON{}
	for stream.Next() {
		events = append(events, toEventJSON(stream.Event()))
	}
	if err := stream.Err(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) handleManifest(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseWindow(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	manifest, err := h.log.ReplayManifest(r.Context(), from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if manifest == nil {
		manifest = []types.ManifestEntry{}
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (h *handler) handleCollate(w http.ResponseWriter, r *http.Request) {
	minBatch := 0
	if raw := r.URL.Query().Get("min_batch"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid min_batch"})
			return
		}
		minBatch = n
	}

	res, err := h.log.Collate(r.Context(), minBatch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.log.Status(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func parseWindow(r *http.Request) (from, to time.Time, err error) {
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = keys.ParseTimestamp(raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = keys.ParseTimestamp(raw); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	var corrupt *journal.CorruptError
	var conflict *collate.ConflictError
	switch {
	case errors.Is(err, keys.ErrInvalidEventID):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, eventlog.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, eventlog.ErrDeleted):
		writeJSON(w, http.StatusGone, map[string]string{"error": err.Error()})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &corrupt):
		h.logger.Error("corrupt journal", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
