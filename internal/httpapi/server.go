package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"inventory-relay/internal/inventory"
	"inventory-relay/internal/telemetry"
)

const (
	defaultItemLimit = 200
	maxItemLimit     = 1000
)

// HealthFunc reports whether the service's dependencies are reachable.
type HealthFunc func(ctx context.Context) error

// ItemLister serves inventory snapshots. Implemented by inventory.Store.
type ItemLister interface {
	ListItems(ctx context.Context, limit int) ([]inventory.Item, error)
}

// Server wires the stream, read, health, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	logger     *logrus.Logger
}

// NewServer builds the router. ctx is the process context: every request
// context derives from it, so cancelling it ends live stream sessions and
// lets Shutdown drain. metrics may be nil to disable /metrics.
func NewServer(ctx context.Context, addr string, stream http.Handler, store ItemLister, health HealthFunc, metrics *telemetry.Metrics, logger *logrus.Logger) *Server {
	r := chi.NewRouter()

	r.Get("/api/stream", stream.ServeHTTP)
	r.Get("/api/items", handleItems(store, logger))
	r.Get("/healthz", handleHealth(health))
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     r,
			ReadTimeout: 10 * time.Second,
			// No write timeout: the stream endpoint holds its response open
			// indefinitely.
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the server, closing live streams.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close drops all connections immediately. Fallback for a drain that does not
// finish within its deadline.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func handleItems(store ItemLister, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultItemLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeErrorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		if limit > maxItemLimit {
			limit = maxItemLimit
		}

		items, err := store.ListItems(r.Context(), limit)
		if err != nil {
			logger.Errorf("Failed to list inventory items: %v", err)
			writeErrorResponse(w, http.StatusInternalServerError, "failed to load inventory")
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
	}
}

func handleHealth(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := health(ctx); err != nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
