// Package gateway exposes the routing engine over HTTP: a small REST surface
// for the UI plus a websocket change feed driven by the event bus.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/basket/opspipe/internal/analytics"
	"github.com/basket/opspipe/internal/audit"
	"github.com/basket/opspipe/internal/bus"
	"github.com/basket/opspipe/internal/dispatch"
	"github.com/basket/opspipe/internal/fieldops"
	"github.com/basket/opspipe/internal/otel"
	"github.com/basket/opspipe/internal/persistence"
	"github.com/basket/opspipe/internal/shared"
)

type Config struct {
	Store     *persistence.Store
	Dispatch  *dispatch.Engine
	FieldOps  *fieldops.Engine
	Analytics *analytics.Engine
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg       Config
	validator *dispatchValidator

	clientsMu sync.RWMutex
	clients   map[*feedClient]struct{}
}

func New(cfg Config) (*Server, error) {
	v, err := newDispatchValidator()
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		validator: v,
		clients:   map[*feedClient]struct{}{},
	}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.traceContext)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Get("/{taskID}", s.handleGetTask)
			r.Get("/{taskID}/steps", s.handleListSteps)
			r.Get("/{taskID}/audit", s.handleTaskAudit)
			r.Post("/{taskID}/dispatch", s.handleDispatch)
			r.Post("/{taskID}/mockup-complete", s.handleMockupComplete)
		})
		r.Post("/api/steps/{stepID}/complete", s.handleCompleteStep)
		r.Get("/api/operations/board", s.handleBoard)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/api/analytics/stages", s.handleStageDurations)
		r.Get("/api/analytics/activity", s.handleActivity)
		r.Get("/api/analytics/badges/{userID}", s.handleBadges)
	})

	return r
}

// traceContext seeds the request context with trace id and actor identity
// from headers, so store mutations attribute audit rows correctly.
func (s *Server) traceContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		if actor := strings.TrimSpace(r.Header.Get("X-User-ID")); actor != "" {
			ctx = shared.WithActor(ctx, actor)
		}
		if role := strings.TrimSpace(r.Header.Get("X-User-Role")); role != "" {
			ctx = shared.WithRole(ctx, role)
		}
		if device := strings.TrimSpace(r.Header.Get("X-Device-Info")); device != "" {
			ctx = shared.WithDeviceInfo(ctx, device)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListTasks(r.Context(), persistence.TaskFilter{Status: persistence.StatusDone}); err != nil {
		dbOK = false
	}
	s.clientsMu.RLock()
	feedClients := len(s.clients)
	s.clientsMu.RUnlock()

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"feed_clients":       feedClients,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	mc, err := s.cfg.Store.MetricsCounts(r.Context())
	if err != nil {
		s.serveFailure(w, r, "metrics counts", err)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	s.clientsMu.RLock()
	feedClients := len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_todo":        mc.Todo,
		"tasks_estimation":  mc.EstimationOpen,
		"tasks_production":  mc.Production,
		"tasks_with_client": mc.WithClient,
		"tasks_done":        mc.Done,
		"steps_pending":     mc.StepsPending,
		"steps_completed":   mc.StepsCompleted,
		"audit_records":     audit.RecordCount(),
		"feed_clients":      feedClients,
		"alloc_bytes":       mem.Alloc,
	})
}

type createTaskRequest struct {
	Title           string     `json:"title"`
	Type            string     `json:"type"`
	Status          string     `json:"status"`
	AssignedTo      string     `json:"assigned_to"`
	ClientName      string     `json:"client_name"`
	Supplier        string     `json:"supplier"`
	Priority        int        `json:"priority"`
	DueDate         *time.Time `json:"due_date"`
	AdminRemarks    string     `json:"admin_remarks"`
	DeliveryAddress string     `json:"delivery_address"`
	DeliveryNotes   string     `json:"delivery_instructions"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	task, err := s.cfg.Store.CreateTask(r.Context(), persistence.NewTask{
		Title:           req.Title,
		Type:            persistence.TaskType(req.Type),
		Status:          persistence.Status(req.Status),
		AssignedTo:      req.AssignedTo,
		CreatedBy:       shared.Actor(r.Context()),
		ClientName:      req.ClientName,
		Supplier:        req.Supplier,
		Priority:        req.Priority,
		DueDate:         req.DueDate,
		AdminRemarks:    req.AdminRemarks,
		DeliveryAddress: req.DeliveryAddress,
		DeliveryNotes:   req.DeliveryNotes,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.cfg.Store.ListTasks(r.Context(), persistence.TaskFilter{
		Status:     persistence.Status(q.Get("status")),
		Type:       persistence.TaskType(q.Get("type")),
		AssignedTo: q.Get("assigned_to"),
	})
	if err != nil {
		s.serveFailure(w, r, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.serveFailure(w, r, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	steps, err := s.cfg.Store.ListSteps(r.Context(), taskID)
	if err != nil {
		s.serveFailure(w, r, "list steps", err)
		return
	}
	products, err := s.cfg.Store.ListProductLines(r.Context(), taskID)
	if err != nil {
		s.serveFailure(w, r, "list products", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "products": products})
}

func (s *Server) handleTaskAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Store.ListAuditEntries(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.serveFailure(w, r, "list audit entries", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	req, err := s.validator.parse(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.cfg.Dispatch.Dispatch(r.Context(), chi.URLParam(r, "taskID"), req.destinations(), req.operationsDetails())
	switch {
	case errors.Is(err, dispatch.ErrNoDestination):
		writeError(w, http.StatusBadRequest, "no destination selected")
	case errors.Is(err, dispatch.ErrNoEstimatorConfigured):
		writeError(w, http.StatusConflict, "no estimator configured")
	case errors.Is(err, persistence.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case err != nil:
		s.serveFailure(w, r, "dispatch", err)
	default:
		// Device metadata arrives with the request; stamp it onto the trail.
		if err := s.cfg.Store.EnrichLatestDevice(r.Context(), res.Original.ID); err != nil {
			s.cfg.Logger.Warn("audit device enrichment failed", "error", err)
		}
		writeJSON(w, http.StatusOK, res)
	}
}

type mockupCompleteRequest struct {
	DesignerID string `json:"designer_id"`
	Remarks    string `json:"remarks"`
}

func (s *Server) handleMockupComplete(w http.ResponseWriter, r *http.Request) {
	var req mockupCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DesignerID == "" {
		req.DesignerID = shared.Actor(r.Context())
	}
	original, clone, err := s.cfg.Dispatch.CompleteMockup(r.Context(), chi.URLParam(r, "taskID"), req.DesignerID, req.Remarks)
	if errors.Is(err, persistence.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.serveFailure(w, r, "complete mockup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"original": original, "clone": clone})
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request) {
	userID := shared.Actor(r.Context())
	step, err := s.cfg.FieldOps.CompleteStep(r.Context(), chi.URLParam(r, "stepID"), userID)
	if errors.Is(err, persistence.ErrStepNotFound) {
		writeError(w, http.StatusNotFound, "step not found")
		return
	}
	if err != nil {
		s.serveFailure(w, r, "complete step", err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

func (s *Server) handleBoard(w http.ResponseWriter, r *http.Request) {
	board, err := s.cfg.FieldOps.Board(r.Context())
	if err != nil {
		s.serveFailure(w, r, "operations board", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": board})
}

func (s *Server) handleStageDurations(w http.ResponseWriter, r *http.Request) {
	window := analytics.Window(r.URL.Query().Get("window"))
	switch window {
	case "":
		window = analytics.WindowAllTime
	case analytics.WindowToday, analytics.WindowThisWeek, analytics.WindowAllTime:
	default:
		writeError(w, http.StatusBadRequest, "unknown window")
		return
	}
	report, err := s.cfg.Analytics.StageDurations(r.Context(), window)
	if err != nil {
		s.serveFailure(w, r, "stage durations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"window": window, "stages": report})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	activity, err := s.cfg.Analytics.Activity(r.Context())
	if err != nil {
		s.serveFailure(w, r, "activity", err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	if limit > 0 && len(activity) > limit {
		activity = activity[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": activity})
}

func (s *Server) handleBadges(w http.ResponseWriter, r *http.Request) {
	badges, streak, err := s.cfg.Analytics.UserBadges(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.serveFailure(w, r, "user badges", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"badges": badges, "streak_days": streak})
}

func (s *Server) serveFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.cfg.Logger.Error("request failed",
		"op", op,
		"path", r.URL.Path,
		"trace_id", shared.TraceID(r.Context()),
		"error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
