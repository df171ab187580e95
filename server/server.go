// Package server exposes the admin HTTP API for the monitor.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"otp-notifier/clock"
	"otp-notifier/pkg/otp"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// Controller is the monitor surface the API drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ForceFetch(ctx context.Context) ([]*otp.Record, error)
	RestartSession(ctx context.Context) error
	Statistics() otp.Statistics
	HealthCheck(ctx context.Context) otp.Health
	Running() bool
}

// Store interface for read-only record queries.
type Store interface {
	Recent(ctx context.Context, limit int) ([]*otp.Record, error)
	Last(ctx context.Context) (*otp.Record, error)
	Info(ctx context.Context) (*otp.StoreInfo, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	controller Controller
	store      Store
	isNotFound IsNotFound
	limiter    *rateLimiter
	logger     *slog.Logger
	token      string
}

// Config holds server configuration.
type Config struct {
	Controller Controller
	Store      Store
	IsNotFound IsNotFound
	Clock      clock.Clock
	Logger     *slog.Logger
	Token      string // Bearer token for admin routes; empty disables them
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	isNotFound := cfg.IsNotFound
	if isNotFound == nil {
		isNotFound = func(error) bool { return false }
	}
	return &Server{
		controller: cfg.Controller,
		store:      cfg.Store,
		isNotFound: isNotFound,
		limiter:    newRateLimiter(clk, maxAuthFailures, authFailureWindow),
		logger:     cfg.Logger,
		token:      cfg.Token,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.admin(s.handleStats))
	mux.HandleFunc("GET /info", s.admin(s.handleInfo))
	mux.HandleFunc("GET /otps/recent", s.admin(s.handleRecent))
	mux.HandleFunc("GET /otps/last", s.admin(s.handleLast))
	mux.HandleFunc("POST /start", s.admin(s.handleStart))
	mux.HandleFunc("POST /stop", s.admin(s.handleStop))
	mux.HandleFunc("POST /fetch", s.admin(s.handleFetch))
	mux.HandleFunc("POST /restart", s.admin(s.handleRestart))
	return mux
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      3 * time.Minute, // Forced fetches include login retries
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// admin wraps h with bearer-token authentication and per-client throttling
// of failed attempts.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusForbidden, "admin API disabled: ADMIN_TOKEN not set")
			return
		}

		ip := clientIP(r)
		if s.limiter.blocked(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
			return
		}

		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(raw)), []byte(s.token)) != 1 {
			s.limiter.fail(ip)
			s.logger.Warn("Rejected admin request", "ip", ip, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		h(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.controller.HealthCheck(r.Context())
	status := http.StatusOK
	if h.Status == otp.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, h)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Statistics())
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.Info(r.Context())
	if err != nil {
		s.logger.Error("Failed to read database info", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read database info")
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}

	records, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list recent OTPs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list recent OTPs")
		return
	}
	if records == nil {
		records = []*otp.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(records), "otps": records})
}

func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Last(r.Context())
	if err != nil {
		if s.isNotFound(err) {
			writeError(w, http.StatusNotFound, "no OTPs stored yet")
			return
		}
		s.logger.Error("Failed to read last OTP", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read last OTP")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.controller.Running() {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "already running"})
		return
	}
	if err := s.controller.Start(r.Context()); err != nil {
		s.logger.Error("Start via API failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// handleStop always calls Stop so a session opened by a forced fetch while
// stopped is released too.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	wasRunning := s.controller.Running()
	if err := s.controller.Stop(r.Context()); err != nil {
		s.logger.Error("Stop via API failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := "stopped"
	if !wasRunning {
		status = "not running"
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Fetch endpoint triggered")
	records, err := s.controller.ForceFetch(r.Context())
	if err != nil {
		s.logger.Error("Forced fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if records == nil {
		records = []*otp.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"new": len(records), "otps": records})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.RestartSession(r.Context()); err != nil {
		s.logger.Error("Session restart failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
