// Package serve exposes the router over HTTP and NATS request/reply.
package serve

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/finsight/tierstore/internal/config"
	"github.com/finsight/tierstore/internal/router"
	"github.com/finsight/tierstore/internal/storage"
	"go.uber.org/zap"
)

type handler struct {
	router *router.Router
	logger *zap.Logger
}

// NewMux builds the HTTP API routes over the router.
func NewMux(rt *router.Router, logger *zap.Logger) *http.ServeMux {
	h := &handler{router: rt, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/store/{class}/{key...}", h.handleGet)
	mux.HandleFunc("PUT /v1/store/{class}/{key...}", h.handlePut)
	mux.HandleFunc("DELETE /v1/store/{class}/{key...}", h.handleDelete)
	mux.HandleFunc("GET /v1/keys/{class}", h.handleList)
	mux.HandleFunc("POST /v1/admin/promote/{class}/{key...}", h.handlePromote)
	mux.HandleFunc("POST /v1/admin/demote/{class}/{key...}", h.handleDemote)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, rt *router.Router, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewMux(rt, logger),
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

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	health := h.router.HealthCheck(r.Context())
	var classes []string
	for _, a := range h.router.Adapters() {
		classes = append(classes, string(a.Class()))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  statusWord(health.Healthy),
		"classes": classes,
		"issues":  health.Issues,
	})
}

func statusWord(healthy bool) string {
	if healthy {
		return "ok"
	}
	return "degraded"
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.router.Stats())
}

func (h *handler) pathClass(w http.ResponseWriter, r *http.Request) (storage.Class, bool) {
	class, ok := storage.ParseClass(r.PathValue("class"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown storage class"})
		return "", false
	}
	return class, true
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	class, ok := h.pathClass(w, r)
	if !ok {
		return
	}

	res := h.router.Get(r.Context(), class, r.PathValue("key"))
	code := http.StatusOK
	if !res.Success {
		code = statusForErr(res.Err)
	}
	writeJSON(w, code, res)
}

func (h *handler) handlePut(w http.ResponseWriter, r *http.Request) {
	class, ok := h.pathClass(w, r)
	if !ok {
		return
	}

	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reading body: " + err.Error()})
		return
	}

	opts := storage.Options{Checksum: r.URL.Query().Get("checksum")}
	if ttlStr := r.URL.Query().Get("ttl"); ttlStr != "" {
		ttl, err := time.ParseDuration(ttlStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid ttl: " + ttlStr})
			return
		}
		opts.TTL = ttl
	}

	res := h.router.Put(r.Context(), class, r.PathValue("key"), value, opts)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

func (h *handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	class, ok := h.pathClass(w, r)
	if !ok {
		return
	}

	res := h.router.Delete(r.Context(), class, r.PathValue("key"))
	code := http.StatusOK
	if !res.Success {
		code = statusForErr(res.Err)
	}
	writeJSON(w, code, res)
}

func (h *handler) handleList(w http.ResponseWriter, r *http.Request) {
	class, ok := h.pathClass(w, r)
	if !ok {
		return
	}

	opts := storage.ListOptions{Prefix: r.URL.Query().Get("prefix")}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit: " + limitStr})
			return
		}
		opts.Limit = limit
	}

	res := h.router.List(r.Context(), class, opts)
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, res)
}

func (h *handler) handlePromote(w http.ResponseWriter, r *http.Request) {
	class, ok := h.pathClass(w, r)
	if !ok {
		return
	}

	res := h.router.Promote(r.Context(), r.PathValue("key"), class)
	code := http.StatusOK
	if !res.Success {
		code = statusForErr(res.Err)
	}
	writeJSON(w, code, res)
}

func (h *handler) handleDemote(w http.ResponseWriter, r *http.Request) {
	class, ok := h.pathClass(w, r)
	if !ok {
		return
	}

	res := h.router.Demote(r.Context(), r.PathValue("key"), class)
	code := http.StatusOK
	if !res.Success {
		code = statusForErr(res.Err)
	}
	writeJSON(w, code, res)
}

func statusForErr(errMsg string) int {
	switch errMsg {
	case storage.ErrKeyNotFound, storage.ErrKeyExpired:
		return http.StatusNotFound
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
