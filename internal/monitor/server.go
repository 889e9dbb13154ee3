// Package monitor serves the engine's HTTP monitoring surface: task
// listing and detail, execution logs, cancellation, metrics and a live
// websocket event stream.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tasklane/tasklane/internal/engine"
	"github.com/tasklane/tasklane/internal/events"
	"github.com/tasklane/tasklane/internal/platform/logger"
	"github.com/tasklane/tasklane/internal/platform/metrics"
	"github.com/tasklane/tasklane/internal/storage"
)

// Config holds the monitor server configuration.
type Config struct {
	Port         int
	JWTSecret    string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the monitoring HTTP server.
type Server struct {
	cfg    Config
	eng    *engine.Engine
	hub    *Hub
	log    logger.Logger
	server *http.Server
}

// NewServer wires the routes. The metrics handler may be nil.
func NewServer(cfg Config, eng *engine.Engine, bus *events.Bus, m *metrics.Metrics, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		cfg: cfg,
		eng: eng,
		hub: NewHub(bus, log),
		log: log.Named("monitor"),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	router.Handle("/ws", s.hub)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/logs", s.handleGetLogs).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/audits", s.handleGetAudits).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/cancel", s.handleCancelTask).Methods(http.MethodPost)

	handler := authMiddleware([]byte(cfg.JWTSecret), []string{"/health", "/metrics"})(router)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("monitor listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and disconnects websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) taskStore() storage.TaskStorage {
	return s.eng.Storage()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	store := s.taskStore()
	if store == nil {
		http.Error(w, "engine runs without storage", http.StatusServiceUnavailable)
		return
	}

	statusFilter := r.URL.Query().Get("status")
	tasks, err := store.Get(r.Context(), func(t *storage.QueuedTask) bool {
		return statusFilter == "" || string(t.Status) == statusFilter
	})
	if err != nil {
		s.log.Error("failed to list tasks", "error", err)
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	store := s.taskStore()
	if store == nil {
		http.Error(w, "engine runs without storage", http.StatusServiceUnavailable)
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	task, err := store.GetByID(r.Context(), id)
	if err == storage.ErrTaskNotFound {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	store := s.taskStore()
	if store == nil {
		http.Error(w, "engine runs without storage", http.StatusServiceUnavailable)
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	skip := queryInt(r, "skip", 0)
	take := queryInt(r, "take", 100)
	var minLevel *storage.LogLevel
	if l := r.URL.Query().Get("level"); l != "" {
		level := storage.ParseLogLevel(l)
		minLevel = &level
	}

	logs, err := store.GetExecutionLogs(r.Context(), id, skip, take, minLevel)
	if err != nil {
		http.Error(w, "failed to load logs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleGetAudits(w http.ResponseWriter, r *http.Request) {
	store := s.taskStore()
	if store == nil {
		http.Error(w, "engine runs without storage", http.StatusServiceUnavailable)
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	statuses, err := store.GetStatusAudits(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load audits", http.StatusInternalServerError)
		return
	}
	runs, err := store.GetRunsAudits(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load audits", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": statuses,
		"runs":   runs,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := s.eng.Cancel(r.Context(), id); err != nil {
		s.log.Error("failed to cancel task", "task_id", id.String(), "error", err)
		http.Error(w, "failed to cancel task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
