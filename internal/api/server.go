package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pldconsole/pldconsole/internal/backend"
	"github.com/pldconsole/pldconsole/internal/config"
	"github.com/pldconsole/pldconsole/internal/environment"
	"github.com/pldconsole/pldconsole/internal/health"
	"github.com/pldconsole/pldconsole/internal/jobsync"
	"github.com/pldconsole/pldconsole/internal/model"
	"github.com/pldconsole/pldconsole/internal/monitor"
	"github.com/pldconsole/pldconsole/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// Backend is the part of the backend API served directly by handlers.
type Backend interface {
	Login(ctx context.Context, username, password string) (backend.LoginResult, error)
	ListEnvironments(ctx context.Context, descriptorPath string) ([]model.Environment, error)
	CheckNormalization(ctx context.Context, configKey string) (backend.Normalization, error)
	SetupNormalization(ctx context.Context, configKey string) (backend.Normalization, error)
	RunCoTitLoad(ctx context.Context, configKey, layout string) (backend.LoadResult, error)
}

// Components are the services the API exposes.
type Components struct {
	Session      *session.Service
	Jobs         *jobsync.Manager
	Monitor      *monitor.Board
	Environments *environment.Registry
	Health       *health.Checker
	Backend      Backend
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// DescriptorPath is the default environment descriptor for discovery.
	DescriptorPath string
}

// Server is the local console REST API and metrics server.
type Server struct {
	c          Components
	httpServer *http.Server
	startTime  time.Time
	listenCfg  config.ListenConfig

	jobStartMu sync.Mutex // held while a job start request is in flight
	setupMu    sync.Mutex // held while a normalization setup is in flight
	loadMu     sync.Mutex // held while a data load is in flight
}

// NewServer creates a new API server.
func NewServer(c Components, lc config.ListenConfig) *Server {
	return &Server{
		c:         c,
		startTime: time.Now(),
		listenCfg: lc,
	}
}

// authMiddleware returns a middleware that checks for a valid API key.
// Unauthenticated routes (health, metrics, dashboard page) are excluded.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" || path == "/" || path == "/dashboard" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := s.listenCfg.APIKey
		if apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != apiKey {
			writeError(w, http.StatusUnauthorized, "unauthorized: invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the complete HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/login", s.login).Methods("POST")

	// Configuration session
	api.HandleFunc("/session", s.getSession).Methods("GET")
	api.HandleFunc("/session", s.validateSession).Methods("POST")
	api.HandleFunc("/session", s.disconnectSession).Methods("DELETE")
	api.HandleFunc("/session/test", s.testSession).Methods("POST")

	// Environments
	api.HandleFunc("/environments", s.listEnvironments).Methods("GET")
	api.HandleFunc("/environments", s.discoverEnvironments).Methods("POST")

	// Jobs
	api.HandleFunc("/jobs", s.listJobs).Methods("GET")
	api.HandleFunc("/jobs", s.startJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.getJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.cancelJob).Methods("DELETE")

	// Monitoring
	api.HandleFunc("/monitor", s.listViews).Methods("GET")
	api.HandleFunc("/monitor/{view}", s.getView).Methods("GET")
	api.HandleFunc("/monitor/{view}", s.startView).Methods("PUT")
	api.HandleFunc("/monitor/{view}", s.stopView).Methods("DELETE")

	// Database normalization
	api.HandleFunc("/normalization", s.checkNormalization).Methods("GET")
	api.HandleFunc("/normalization", s.setupNormalization).Methods("POST")

	// Data loads
	api.HandleFunc("/loads/co-tit", s.runCoTitLoad).Methods("POST")

	// Server status
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	if s.c.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.c.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.HandleFunc("/", s.dashboardHandler).Methods("GET")
	r.HandleFunc("/dashboard", s.dashboardHandler).Methods("GET")

	return s.securityHeaders(s.authMiddleware(r))
}

// Start starts the HTTP API server.
func (s *Server) Start() error {
	bind := s.listenCfg.APIBind
	if bind == "" {
		bind = "127.0.0.1"
	}
	addr := fmt.Sprintf("%s:%d", bind, s.listenCfg.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	if s.listenCfg.APIKey == "" {
		slog.Warn("API key not configured, console endpoints are unauthenticated")
	}
	slog.Info("console API listening", "addr", addr, "tls", s.listenCfg.TLSEnabled())

	go func() {
		var err error
		if s.listenCfg.TLSEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.listenCfg.TLSCert, s.listenCfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("API server error", "err", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// --- Session Handlers ---

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	res, err := s.c.Backend.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			writeError(w, http.StatusUnauthorized, backend.Message(err))
			return
		}
		s.backendError(w, err)
		return
	}
	slog.Info("backend login", "user", res.User.Username)
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "user": res.User})
}

type sessionRequest struct {
	model.ConnectionProfile
	EnvironmentID string `json:"environment_id,omitempty"`
}

type sessionResponse struct {
	session.Info
	Health *health.SessionHealth `json:"health,omitempty"`
}

func (s *Server) sessionView() sessionResponse {
	resp := sessionResponse{Info: s.c.Session.Info()}
	if s.c.Health != nil {
		h := s.c.Health.GetStatus()
		resp.Health = &h
	}
	return resp
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) validateSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var env *model.Environment
	if req.EnvironmentID != "" {
		e, err := s.c.Environments.Resolve(req.EnvironmentID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		env = &e
	}

	if _, err := s.c.Session.Validate(r.Context(), req.ConnectionProfile, env); err != nil {
		s.backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) disconnectSession(w http.ResponseWriter, r *http.Request) {
	s.c.Session.Disconnect(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": string(session.StateDisconnected)})
}

func (s *Server) testSession(w http.ResponseWriter, r *http.Request) {
	var profile model.ConnectionProfile
	if !decodeBody(w, r, &profile) {
		return
	}
	res, err := s.c.Session.TestConnection(r.Context(), profile)
	if err != nil {
		s.backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Environment Handlers ---

func (s *Server) listEnvironments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Environments.List())
}

type discoverRequest struct {
	DescriptorPath string `json:"descriptor_path"`
}

func (s *Server) discoverEnvironments(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	path := req.DescriptorPath
	if path == "" {
		path = s.c.DescriptorPath
	}
	if path == "" {
		writeError(w, http.StatusBadRequest, "descriptor_path is required")
		return
	}

	envs, err := s.c.Environments.Discover(r.Context(), s.c.Backend, path)
	if err != nil {
		s.backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

// --- Job Handlers ---

type jobRequest struct {
	Kind backend.JobKind `json:"kind"`
	backend.JobParams
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Jobs.List())
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown job kind %q", req.Kind))
		return
	}
	if err := req.JobParams.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key, ok := s.c.Session.Token()
	if !ok {
		writeError(w, http.StatusConflict, session.ErrNotConnected.Error())
		return
	}

	if !s.jobStartMu.TryLock() {
		writeError(w, http.StatusConflict, "a job start is already in progress")
		return
	}
	defer s.jobStartMu.Unlock()

	info, err := s.c.Jobs.Start(r.Context(), key, req.Kind, req.JobParams)
	if err != nil {
		s.backendError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	info, ok := s.c.Jobs.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.c.Jobs.Cancel(id) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	slog.Info("job tracking cancelled", "job", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "job_id": id})
}

// --- Monitoring Handlers ---

func (s *Server) listViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.c.Monitor.Statuses())
}

func (s *Server) getView(w http.ResponseWriter, r *http.Request) {
	view := mux.Vars(r)["view"]

	st, ok := s.c.Monitor.Status(view)
	if !ok {
		writeError(w, http.StatusNotFound, "monitoring view not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) startView(w http.ResponseWriter, r *http.Request) {
	view := mux.Vars(r)["view"]

	if !monitor.KnownView(view) {
		writeError(w, http.StatusNotFound, "monitoring view not found")
		return
	}
	if err := s.c.Monitor.StartView(view); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, _ := s.c.Monitor.Status(view)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stopView(w http.ResponseWriter, r *http.Request) {
	view := mux.Vars(r)["view"]

	if err := s.c.Monitor.StopView(view); err != nil {
		writeError(w, http.StatusNotFound, "monitoring view not found")
		return
	}
	st, _ := s.c.Monitor.Status(view)
	writeJSON(w, http.StatusOK, st)
}

// --- Normalization Handlers ---

func (s *Server) checkNormalization(w http.ResponseWriter, r *http.Request) {
	key, ok := s.c.Session.Token()
	if !ok {
		writeError(w, http.StatusConflict, session.ErrNotConnected.Error())
		return
	}
	n, err := s.c.Backend.CheckNormalization(r.Context(), key)
	if err != nil {
		s.backendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) setupNormalization(w http.ResponseWriter, r *http.Request) {
	key, ok := s.c.Session.Token()
	if !ok {
		writeError(w, http.StatusConflict, session.ErrNotConnected.Error())
		return
	}
	if !s.setupMu.TryLock() {
		writeError(w, http.StatusConflict, "a normalization setup is already in progress")
		return
	}
	defer s.setupMu.Unlock()

	n, err := s.c.Backend.SetupNormalization(r.Context(), key)
	if err != nil {
		s.backendError(w, err)
		return
	}
	slog.Info("database normalization applied", "complete", n.Complete())
	writeJSON(w, http.StatusOK, n)
}

// --- Load Handlers ---

type loadRequest struct {
	Layout string `json:"layout"`
}

func (s *Server) runCoTitLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	key, ok := s.c.Session.Token()
	if !ok {
		writeError(w, http.StatusConflict, session.ErrNotConnected.Error())
		return
	}
	if !s.loadMu.TryLock() {
		writeError(w, http.StatusConflict, "a data load is already in progress")
		return
	}
	defer s.loadMu.Unlock()

	slog.Info("co-holder load started", "layout", req.Layout)
	res, err := s.c.Backend.RunCoTitLoad(r.Context(), key, req.Layout)
	if err != nil {
		s.backendError(w, err)
		return
	}
	slog.Info("co-holder load finished", "processed", res.TotalProcessed)
	writeJSON(w, http.StatusOK, res)
}

// --- Health & Status Handlers ---

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthy := s.c.Health == nil || s.c.Health.IsHealthy()

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	resp := map[string]interface{}{
		"status":  boolToStatus(healthy),
		"session": s.c.Session.State(),
	}
	if s.c.Health != nil {
		resp["check"] = s.c.Health.GetStatus()
	}
	writeJSON(w, status, resp)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startTime).Seconds()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":   int(uptime),
		"go_version":       runtime.Version(),
		"goroutines":       runtime.NumGoroutine(),
		"memory_mb":        float64(mem.Alloc) / 1024 / 1024,
		"session_state":    s.c.Session.State(),
		"active_jobs":      s.c.Jobs.Active(),
		"num_environments": len(s.c.Environments.List()),
		"api_port":         s.listenCfg.APIPort,
	})
}

// securityHeaders adds security-related HTTP headers to all responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// --- Helpers ---

// backendError maps a service or backend error to a response. A stale config
// key expires the session and is reported as 410 so the operator re-validates.
func (s *Server) backendError(w http.ResponseWriter, err error) {
	var profileErr *model.ProfileError
	var verrs validator.ValidationErrors
	var apiErr *backend.APIError
	switch {
	case errors.As(err, &profileErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":   profileErr.Error(),
			"missing": profileErr.Missing,
		})
	case errors.As(err, &verrs):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case s.c.Session.ObserveRequestError(err):
		writeError(w, http.StatusGone, "configuration session expired: "+backend.Message(err))
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		writeError(w, http.StatusUnprocessableEntity, backend.Message(err))
	default:
		slog.Warn("backend request failed", "err", err)
		writeError(w, http.StatusBadGateway, backend.Message(err))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
