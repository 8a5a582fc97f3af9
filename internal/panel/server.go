package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"proxyfleet/internal/config"
	"proxyfleet/internal/metrics"
	"proxyfleet/internal/store"
)

// Server provides the panel HTTP API.
type Server struct {
	cfg     config.PanelConfig
	store   *store.Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewServer constructs a panel server over an opened store.
func NewServer(cfg config.PanelConfig, st *store.Store, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		log:     logger,
		metrics: metrics.Get(),
	}
}

// Router builds the full route table. Exposed so tests can drive the
// server through httptest without a listener.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireAuth)
	api.HandleFunc("/nodes/register", s.handleRegisterNode).Methods(http.MethodPost)
	api.HandleFunc("/nodes", s.handleListNodes).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node_id}", s.handleDeleteNode).Methods(http.MethodDelete)
	api.HandleFunc("/nodes/{node_id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/nodes/{node_id}/clients", s.handleNodeClients).Methods(http.MethodGet)
	api.HandleFunc("/nodes/{node_id}/traffic", s.handleTraffic).Methods(http.MethodPost)
	api.HandleFunc("/clients", s.handleRegisterClient).Methods(http.MethodPost)
	api.HandleFunc("/clients", s.handleListClients).Methods(http.MethodGet)
	api.HandleFunc("/clients/{client_id}", s.handleUpdateClient).Methods(http.MethodPatch)
	api.HandleFunc("/clients/{client_id}", s.handleDeleteClient).Methods(http.MethodDelete)
	api.HandleFunc("/clients/{client_id}/nodes/{node_id}", s.handleAssign).Methods(http.MethodPut)
	api.HandleFunc("/clients/{client_id}/nodes/{node_id}", s.handleUnassign).Methods(http.MethodDelete)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

// ListenAndServe runs the HTTP server until ctx is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	s.log.Info("panel listening", zap.String("addr", s.cfg.Listen))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
