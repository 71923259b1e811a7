package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/storage"
	"github.com/nats-io/nats.go"
)

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

// Pinger is the probe surface of the access tracker.
type Pinger interface {
	Ping() error
}

// HealthChecker runs health probes over the NATS connection, every
// configured adapter and the access tracker.
type HealthChecker struct {
	natsConn *nats.Conn
	adapters []storage.Adapter
	tracker  Pinger
}

// NewHealthChecker creates a new health checker. Any argument may be nil
// when the corresponding component is not configured.
func NewHealthChecker(nc *nats.Conn, adapters []storage.Adapter, tracker Pinger) *HealthChecker {
	return &HealthChecker{
		natsConn: nc,
		adapters: adapters,
		tracker:  tracker,
	}
}

// Liveness checks if the process is alive.
func (h *HealthChecker) Liveness() HealthStatus {
	return HealthStatus{OK: true}
}

// Readiness probes every backend. One unhealthy adapter fails readiness.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	status := HealthStatus{OK: true}

	if h.natsConn != nil {
		if h.natsConn.IsConnected() {
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "connected"})
		} else {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "nats", Status: "disconnected"})
		}
	}

	for _, a := range h.adapters {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		res := a.HealthCheck(probeCtx)
		cancel()

		name := string(a.Class()) + "/" + a.Name()
		if res.Healthy {
			status.Checks = append(status.Checks, Check{Name: name, Status: "ok"})
			continue
		}
		status.OK = false
		errMsg := ""
		if len(res.Issues) > 0 {
			errMsg = res.Issues[0]
		}
		status.Checks = append(status.Checks, Check{Name: name, Status: "error", Error: errMsg})
	}

	if h.tracker != nil {
		if err := h.tracker.Ping(); err != nil {
			status.OK = false
			status.Checks = append(status.Checks, Check{Name: "tracker", Status: "error", Error: err.Error()})
		} else {
			status.Checks = append(status.Checks, Check{Name: "tracker", Status: "ok"})
		}
	}

	return status
}

// RefreshGauges pushes the adapters' usage figures into the StorageUsed
// gauge. Called periodically by the daemon.
func (h *HealthChecker) RefreshGauges() {
	for _, a := range h.adapters {
		StorageUsed.WithLabelValues(a.Name(), string(a.Class())).Set(float64(a.Stats().StorageUsed))
	}
}

// RunHealthServer starts the health check HTTP server.
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
		writeHealth(w, checker.Readiness(r.Context()))
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
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
