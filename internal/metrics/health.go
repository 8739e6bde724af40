package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gftdcojp/floodgate/internal/config"
)

// Pinger is anything whose connectivity can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the overall health state.
type HealthStatus struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks,omitempty"`
}

// Check represents an individual health check.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthChecker runs health probes against the store and the local cache.
type HealthChecker struct {
	probes map[string]Pinger
}

// NewHealthChecker creates a checker over named probes; nil probes are
// skipped.
func NewHealthChecker(probes map[string]Pinger) *HealthChecker {
	return &HealthChecker{probes: probes}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness checks if the service can reach its dependencies.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	status := HealthStatus{OK: true}
	for name, p := range h.probes {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: name, Status: "error", Error: err.Error()})
		} else {
			status.Checks = append(status.Checks, Check{Name: name, Status: "ok"})
		}
	}
	return status
}

// RunHealthServer starts the liveness/readiness HTTP server.
func RunHealthServer(ctx context.Context, cfg config.HealthConfig, checker *HealthChecker) error {
	mux := http.NewServeMux()

	livenessPath := cfg.LivenessPath
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	readinessPath := cfg.ReadinessPath
	if readinessPath == "" {
		readinessPath = "/readyz"
	}

	mux.HandleFunc(livenessPath, func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, checker.Liveness())
	})
	mux.HandleFunc(readinessPath, func(w http.ResponseWriter, r *http.Request) {
		probeCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		writeHealth(w, checker.Readiness(probeCtx))
	})

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeHealth(w http.ResponseWriter, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	if !status.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
