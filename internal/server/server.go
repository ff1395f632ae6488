// Package server exposes a read-and-command HTTP surface over the
// coordinator: fleet status, tasks, metrics, message flows, recent
// events, and message injection. Presentation layers poll these
// endpoints instead of linking the coordinator in.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"foreman/internal/bus"
	"foreman/internal/supervisor"
	"foreman/internal/task"
	"foreman/pkg/models"
)

// defaultEventHistory bounds the recent-events ring.
const defaultEventHistory = 256

// Server serves the coordinator's HTTP surface.
type Server struct {
	tasks *task.Store
	bus   *bus.Bus
	sup   *supervisor.Supervisor

	mu       sync.Mutex
	events   []models.Event
	eventCap int
}

// Option configures a Server.
type Option func(*Server)

// WithEventHistory overrides the recent-events ring capacity.
func WithEventHistory(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.eventCap = n
		}
	}
}

// New creates a Server over the coordinator's components.
func New(tasks *task.Store, b *bus.Bus, sup *supervisor.Supervisor, opts ...Option) *Server {
	s := &Server{
		tasks:    tasks,
		bus:      b,
		sup:      sup,
		eventCap: defaultEventHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordEvent appends a forwarded event to the recent-events ring. The
// run loop calls this while draining the supervisor's event stream.
func (s *Server) RecordEvent(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) >= s.eventCap {
		s.events = append(s.events[1:], ev)
		return
	}
	s.events = append(s.events, ev)
}

// Handler returns the HTTP handler for the status surface.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/workers", s.handleWorkers)
	r.Get("/workers/{project}/{type}", s.handleWorker)
	r.Get("/tasks", s.handleTasks)
	r.Get("/tasks/{id}", s.handleTask)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/flows", s.handleFlows)
	r.Get("/events", s.handleEvents)
	r.Post("/messages", s.handleSendMessage)

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := s.sup.HealthCheck()
	status := "ok"
	if len(report.Unhealthy) > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"report": report,
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	var workers []models.Worker
	if project != "" {
		workers = s.sup.ListForProject(project)
	} else {
		workers = s.sup.List()
	}
	if workers == nil {
		workers = []models.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	workerType := chi.URLParam(r, "type")
	worker, err := s.sup.Status(project, workerType)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var tasks []*models.Task
	switch {
	case q.Get("status") != "":
		tasks = s.tasks.TasksByStatus(models.TaskStatus(q.Get("status")))
	case q.Get("worker") != "":
		tasks = s.tasks.TasksByWorker(q.Get("worker"))
	case q.Get("project") != "":
		tasks = s.tasks.ProjectTasks(q.Get("project"))
	default:
		tasks = s.tasks.All()
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":          s.tasks.Metrics(),
		"workers":        s.sup.Count(),
		"dropped_events": s.sup.DroppedEventCount(),
	})
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	flows := s.bus.Flows()
	if flows == nil {
		flows = []bus.FlowEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flows":   flows,
		"history": s.bus.FlowHistory(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	s.mu.Lock()
	events := s.events
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	out := make([]models.Event, len(events))
	copy(out, events)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

// sendMessageRequest is the POST /messages body.
type sendMessageRequest struct {
	Project    string          `json:"project"`
	WorkerType string          `json:"worker_type"`
	From       string          `json:"from"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   models.Priority `json:"priority,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.Project == "" || req.WorkerType == "" {
		writeError(w, http.StatusBadRequest, errors.New("project and worker_type are required"))
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}

	msg := models.Message{
		From:     req.From,
		Type:     req.Type,
		Priority: req.Priority,
	}
	if len(req.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid payload"))
			return
		}
		msg.Payload = payload
	}

	if err := s.sup.SendMessage(req.Project, req.WorkerType, msg); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// statusFor maps coordinator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrWorkerNotFound), errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
