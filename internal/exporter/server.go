package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cync-lan/cync-lan/internal/infrastructure/config"
)

// gracefulShutdownTimeout bounds in-flight requests during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// restartDelay gives the HTTP reply a moment to flush before the
// process restarts. Clients are told to treat a connection reset during
// the request as success anyway.
const restartDelay = 250 * time.Millisecond

// Restarter restarts the controller after a fresh export.
type Restarter interface {
	Restart()
}

// Deps holds the dependencies required by the exporter server.
type Deps struct {
	Config     config.ExporterConfig
	ConfigPath string // controller YAML config the export writes into
	Cloud      CloudAPI
	Tokens     *TokenStore
	Restarter  Restarter // optional
	Logger     Logger
}

// Server is the export HTTP API.
//
// Thread Safety: all methods are safe for concurrent use.
type Server struct {
	cfg        config.ExporterConfig
	configPath string
	cloud      CloudAPI
	tokens     *TokenStore
	restarter  Restarter
	logger     Logger
	server     *http.Server
}

// New creates the exporter server. It is not started until Start().
func New(deps Deps) (*Server, error) {
	if deps.Cloud == nil {
		return nil, fmt.Errorf("cloud client is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if deps.ConfigPath == "" {
		return nil, fmt.Errorf("config path is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{
		cfg:        deps.Config,
		configPath: deps.ConfigPath,
		cloud:      deps.Cloud,
		tokens:     deps.Tokens,
		restarter:  deps.Restarter,
		logger:     logger,
	}, nil
}

// Start launches the HTTP listener in a background goroutine.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("export API listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("export API server error", "error", err)
		}
	}()
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down export API: %w", err)
	}
	return nil
}

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Route("/export", func(r chi.Router) {
			r.Get("/status", s.handleStatus)
			r.Post("/otp", s.handleRequestOTP)
			r.Post("/verify", s.handleVerify)
			r.Get("/download", s.handleDownload)
		})
		r.Post("/restart", s.handleRestart)
	})

	return r
}

// handleStatus reports whether an OTP round-trip is still needed and
// whether a configuration file already exists.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	_, authenticated := s.tokens.Get()
	_, err := os.Stat(s.configPath)

	writeJSON(w, http.StatusOK, map[string]bool{
		"otp_required":   !authenticated,
		"config_present": err == nil,
	})
}

// handleRequestOTP asks the cloud to e-mail a one-time code.
func (s *Server) handleRequestOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeBadRequest(w, "email is required")
		return
	}

	if err := s.cloud.RequestOTP(r.Context(), req.Email); err != nil {
		s.logger.Warn("OTP request failed", "error", err)
		writeUpstreamError(w, "requesting OTP from cloud failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"otp_sent": true})
}

// handleVerify performs the login with the e-mailed code, exports the
// account topology, and writes the configuration file. The bearer token
// goes into memory before any file I/O so an immediately following
// request sees the authenticated state.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}

	tok, err := s.cloud.Login(r.Context(), req.Email, req.Password, req.Code)
	if err != nil {
		s.logger.Warn("cloud login failed", "error", err)
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "cloud login failed")
		return
	}

	if err := s.tokens.Set(tok); err != nil {
		// Memory holds the token regardless; the export proceeds.
		s.logger.Warn("token cache write failed", "error", err)
	}

	account, err := s.cloud.Export(r.Context(), tok)
	if err != nil {
		s.logger.Error("account export failed", "error", err)
		writeUpstreamError(w, "exporting account topology failed")
		return
	}

	if err := writeAccountConfig(s.configPath, account); err != nil {
		s.logger.Error("writing config failed", "error", err, "path", s.configPath)
		writeInternalError(w, "writing configuration file failed")
		return
	}

	s.logger.Info("configuration exported",
		"path", s.configPath,
		"devices", len(account.Devices),
		"groups", len(account.Groups))

	writeJSON(w, http.StatusOK, map[string]any{
		"devices":     len(account.Devices),
		"groups":      len(account.Groups),
		"config_path": s.configPath,
	})
}

// handleDownload serves the current configuration file.
func (s *Server) handleDownload(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeNotFound(w, "no configuration file present")
			return
		}
		writeInternalError(w, "reading configuration file failed")
		return
	}

	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Content-Disposition", `attachment; filename="cync.yaml"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

// handleRestart restarts the controller so a freshly exported config
// takes effect. The reply may be dropped as the process goes down;
// clients treat a connection reset here as success.
func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if s.restarter == nil {
		writeError(w, http.StatusNotImplemented, ErrCodeInternal, "restart not available")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]bool{"restarting": true})

	go func() {
		time.Sleep(restartDelay)
		s.restarter.Restart()
	}()
}
