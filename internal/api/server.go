package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"prediction-platform/internal/config"
	"prediction-platform/internal/dispatch"
	"prediction-platform/internal/logging"
	"prediction-platform/internal/models"
	"prediction-platform/internal/ratelimit"
	"prediction-platform/internal/repofetch"
	"prediction-platform/internal/service"
	"prediction-platform/internal/telemetry"
)

// Activator serves activation requests.
type Activator interface {
	Activate(ctx context.Context, instanceName string, input json.RawMessage) (dispatch.Result, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the platform API.
type Server struct {
	cfg      config.Config
	svc      *service.Service
	activate Activator
	fetcher  repofetch.Fetcher
	limiter  *ratelimit.TokenBucket
	health   map[string]Pinger
	log      zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, svc *service.Service, act Activator, f repofetch.Fetcher, limiter *ratelimit.TokenBucket, health map[string]Pinger, log zerolog.Logger) *Server {
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		svc:      svc,
		activate: act,
		fetcher:  f,
		limiter:  limiter,
		health:   health,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/upload-module", s.handleUploadModule)
	r.Post("/create-instance", s.handleCreateInstance)
	r.Post("/activate-instance", s.handleActivate)

	r.Get("/modules", s.handleListModules)
	r.Get("/modules/{name}", s.handleGetModule)
	r.Get("/modules/{name}/events", s.handleModuleEvents)
	r.Post("/modules/{name}/resubmit", s.handleResubmit)
	r.Get("/instances", s.handleListInstances)
	r.Get("/instances/{name}", s.handleGetInstance)
	r.Get("/instances/{name}/events", s.handleInstanceEvents)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := make(map[string]string, len(s.health))
	code := http.StatusOK
	for name, p := range s.health {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	status := "ok"
	if code != http.StatusOK {
		status = "error"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) handleUploadModule(w http.ResponseWriter, r *http.Request) {
	var req service.UploadModuleRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.svc.UploadModule(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "ok",
		"message": fmt.Sprintf("module %s queued for build", m.Name),
		"module":  m,
	})
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req service.CreateInstanceRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	inst, err := s.svc.CreateInstance(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":   "ok",
		"message":  fmt.Sprintf("instance %s queued for build", inst.InstanceName),
		"instance": inst,
	})
}

// activateRequest carries the input inline or as a file in a repository.
type activateRequest struct {
	InstanceName  string          `json:"instance_name"`
	Input         json.RawMessage `json:"input,omitempty"`
	RepositoryURL string          `json:"github_url,omitempty"`
	InputFile     string          `json:"file_name,omitempty"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := models.ValidateName("instance_name", req.InstanceName); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !s.allow(w, r, "activate:"+req.InstanceName) {
		return
	}
	input, err := s.resolveInput(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.activate.Activate(r.Context(), req.InstanceName, input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Outcome == dispatch.Starting {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "starting",
			"message": fmt.Sprintf("instance %s is starting; repeat the request for its output", req.InstanceName),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "ok",
		"output":  res.Output,
	})
}

func (s *Server) resolveInput(ctx context.Context, req activateRequest) (json.RawMessage, error) {
	hasInline := len(req.Input) > 0
	hasRef := req.RepositoryURL != "" || req.InputFile != ""
	switch {
	case hasInline && hasRef:
		return nil, models.Validationf("send either input or github_url with file_name, not both")
	case hasInline:
		return req.Input, nil
	case req.RepositoryURL == "" || req.InputFile == "":
		return nil, models.Validationf("input, or github_url with file_name, is required")
	}
	body, err := s.fetcher.Fetch(ctx, req.RepositoryURL, req.InputFile)
	switch {
	case err == nil:
	case errors.Is(err, repofetch.ErrFileNotFound):
		return nil, models.Validationf("file %q does not exist in %s", req.InputFile, req.RepositoryURL)
	case errors.Is(err, models.ErrValidation):
		return nil, err
	default:
		return nil, models.Transient("fetch input", err)
	}
	if !json.Valid(body) {
		return nil, models.Validationf("%s is not valid JSON", req.InputFile)
	}
	return body, nil
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.ResubmitModule(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "module": m})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	mods, err := s.svc.ListModules(r.Context())
	if err != nil {
		s.writeError(w, r, models.Transient("list modules", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "modules": mods})
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.GetModule(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "module": m})
}

func (s *Server) handleModuleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.ModuleEvents(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "events": events})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	insts, err := s.svc.ListInstances(r.Context())
	if err != nil {
		s.writeError(w, r, models.Transient("list instances", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "instances": insts})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.svc.GetInstance(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "instance": inst})
}

func (s *Server) handleInstanceEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.InstanceEvents(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "events": events})
}

// allow applies the token bucket for key. It writes the rejection itself.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.limiter == nil {
		return true
	}
	d, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		s.writeError(w, r, models.Transient("rate limit", err))
		return false
	}
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		secs := int(d.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody("rate limited"))
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.Validationf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return models.Validationf("invalid json: %v", err)
	}
	return nil
}

// statusFor maps the error taxonomy onto transport status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrDuplicate), errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	case models.IsRuntimeError(err):
		return http.StatusUnprocessableEntity
	case models.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	ev := s.log.Debug()
	if code >= http.StatusInternalServerError || code == http.StatusUnprocessableEntity {
		ev = s.log.Error()
	}
	ev.Err(err).Str("request_id", middleware.GetReqID(r.Context())).Int("status", code).Msg("request failed")
	writeJSON(w, code, errorBody(err.Error()))
}

func errorBody(msg string) map[string]any {
	return map[string]any{"status": "error", "error": msg}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
