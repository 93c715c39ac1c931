// Package server exposes the operational HTTP surface: health, rule set
// info, Prometheus metrics, audit chain verification and the audit event
// stream. No endpoint accepts or returns clinical records.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/phi-sentinel/internal/audit"
	"github.com/raaihank/phi-sentinel/internal/config"
	"github.com/raaihank/phi-sentinel/internal/logger"
	"github.com/raaihank/phi-sentinel/internal/metrics"
	"github.com/raaihank/phi-sentinel/internal/rules"
	"github.com/raaihank/phi-sentinel/internal/surrogate"
	"github.com/raaihank/phi-sentinel/internal/websocket"
)

// statusInterval is how often a system status event is pushed to websocket clients.
const statusInterval = 30 * time.Second

// Options carries the components the server reports on.
type Options struct {
	Rules   *rules.RuleSet
	Sink    audit.Sink
	Audit   *audit.Logger
	Mapper  *surrogate.Mapper
	Hub     *websocket.Hub // nil disables /ws
	Version string
}

// Server represents the ops HTTP server
type Server struct {
	config  *config.Config
	opts    Options
	logger  *logger.Logger
	router  *mux.Router
	server  *http.Server
	limiter *clientLimiter
	started time.Time
}

// New creates a new ops server instance
func New(cfg *config.Config, opts Options, log *logger.Logger) *Server {
	s := &Server{
		config:  cfg,
		opts:    opts,
		logger:  log.WithComponent("server"),
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = newClientLimiter(cfg.Server.RateLimit)
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/audit/verify", s.rateLimited(s.handleAuditVerify)).Methods(http.MethodGet)

	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, metrics.Handler()).Methods(http.MethodGet)
	}
	if s.config.WebSocket.Enabled && s.opts.Hub != nil {
		s.router.HandleFunc(s.config.WebSocket.Path, s.opts.Hub.HandleWebSocket).Methods(http.MethodGet)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting ops server",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("websocket", s.opts.Hub != nil && s.config.WebSocket.Enabled),
		zap.Bool("metrics", s.config.Metrics.Enabled))

	if s.opts.Hub != nil {
		go s.opts.Hub.Run(ctx)
		go s.reportStatus(ctx)
	}
	if s.limiter != nil {
		go s.pruneLimiter(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping ops server")
	return s.server.Shutdown(ctx)
}

func (s *Server) reportStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.opts.Hub.BroadcastStatus(s.status())
		}
	}
}

func (s *Server) pruneLimiter(ctx context.Context) {
	ticker := time.NewTicker(visitorTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.limiter.cleanup(now.Add(-visitorTTL)); n > 0 {
				s.logger.Debug("Pruned idle rate limiters", zap.Int("removed", n))
			}
		}
	}
}

func (s *Server) status() websocket.SystemStatusEvent {
	st := websocket.SystemStatusEvent{
		Status: "healthy",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.opts.Rules != nil {
		st.RuleSetVersion = s.opts.Rules.Fingerprint()
		st.ActiveRules = len(s.opts.Rules.Rules())
	}
	if s.opts.Audit != nil {
		st.AuditNextSeq, _ = s.opts.Audit.Head()
	}
	if s.opts.Mapper != nil {
		st.SurrogateEntries = s.opts.Mapper.Len()
		metrics.SetSurrogateEntries(int(st.SurrogateEntries))
	}
	return st
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.LogRequest(r.Method, r.URL.Path, rw.status, r.Header, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Info describes the running instance.
type Info struct {
	Name             string  `json:"name"`
	Version          string  `json:"version"`
	RuleSetVersion   string  `json:"ruleset_version"`
	RuleCount        int     `json:"rule_count"`
	ConfidenceFloor  float64 `json:"confidence_floor"`
	AuditSink        string  `json:"audit_sink"`
	AuditNextSeq     int64   `json:"audit_next_sequence"`
	SurrogateEntries int64   `json:"surrogate_entries"`
	Uptime           string  `json:"uptime"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	info := Info{
		Name:             "phi-sentinel",
		Version:          s.opts.Version,
		RuleSetVersion:   st.RuleSetVersion,
		RuleCount:        st.ActiveRules,
		AuditSink:        s.config.Audit.Sink,
		AuditNextSeq:     st.AuditNextSeq,
		SurrogateEntries: st.SurrogateEntries,
		Uptime:           st.Uptime,
	}
	if s.opts.Rules != nil {
		info.ConfidenceFloor = s.opts.Rules.ConfidenceFloor()
	}
	writeJSON(w, http.StatusOK, info)
}

// VerifyResponse is the /audit/verify body.
type VerifyResponse struct {
	Verification audit.VerifyResult `json:"verification"`
	Summary      audit.Summary      `json:"summary"`
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sink == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no audit sink configured"})
		return
	}
	records, err := s.opts.Sink.ReadAll(r.Context())
	if err != nil {
		s.logger.Error("Failed to read audit log", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read audit log"})
		return
	}

	resp := VerifyResponse{Verification: audit.Verify(records), Summary: audit.Summarize(records)}
	status := http.StatusOK
	if !resp.Verification.Valid {
		status = http.StatusConflict
		s.logger.Error("Audit chain verification failed",
			zap.Int64("first_broken_sequence", resp.Verification.FirstBrokenSequence),
			zap.String("reason", resp.Verification.Error))
	}
	writeJSON(w, status, resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
