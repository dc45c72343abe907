// Package channel holds the inbound adapters: the telephony webhook, the
// widget and agent-chat JSON endpoints, and the HTTP server that hosts them.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"agentdesk/internal/domain"
)

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration // default: 15s
	WriteTimeout   time.Duration // default: 45s
	Voice          *Voice
	Chat           *Chat
	Health         Pinger
	Metrics        http.Handler // nil disables /metrics
	MetricsPath    string       // default: /metrics
	Audio          domain.AudioStore
	AudioRetention time.Duration // clips older than this are pruned (default: 24h)
	Logger         *slog.Logger
}

// Server hosts every channel on one listener.
type Server struct {
	addr           string
	readTimeout    time.Duration
	writeTimeout   time.Duration
	voice          *Voice
	chat           *Chat
	health         Pinger
	metrics        http.Handler
	metricsPath    string
	audio          domain.AudioStore
	audioRetention time.Duration
	logger         *slog.Logger
	server         *http.Server
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 45 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.AudioRetention <= 0 {
		cfg.AudioRetention = 24 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		readTimeout:    cfg.ReadTimeout,
		writeTimeout:   cfg.WriteTimeout,
		voice:          cfg.Voice,
		chat:           cfg.Chat,
		health:         cfg.Health,
		metrics:        cfg.Metrics,
		metricsPath:    cfg.MetricsPath,
		audio:          cfg.Audio,
		audioRetention: cfg.AudioRetention,
		logger:         cfg.Logger,
	}
}

func (s *Server) Addr() string { return s.addr }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.voice != nil {
		// The voice handler recovers on its own so a panic still yields TwiML.
		mux.HandleFunc("POST "+s.voice.WebhookPath(), s.voice.HandleWebhook)
		mux.HandleFunc("GET "+AudioPathPrefix+"{id}", s.voice.HandleAudio)
	}
	if s.chat != nil {
		mux.Handle("POST /api/widget/chat", s.recoverJSON(s.chat.HandleWidget))
		mux.HandleFunc("OPTIONS /api/widget/chat", s.chat.HandleWidgetPreflight)
		mux.Handle("POST /api/agents/{agentID}/chat", s.recoverJSON(s.chat.HandleAgentChat))
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics)
	}

	return s.logRequests(mux)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if s.audio != nil {
		go s.pruneLoop(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server started", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "err", err)
			writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

// pruneLoop drops stored audio past the retention window.
func (s *Server) pruneLoop(ctx context.Context) {
	interval := s.audioRetention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.audio.PruneAudio(ctx, time.Now().Add(-s.audioRetention))
			if err != nil {
				s.logger.Warn("prune audio failed", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("pruned audio clips", "count", n)
			}
		}
	}
}

// recoverJSON turns a handler panic into a JSON 500.
func (s *Server) recoverJSON(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", p, "stack", string(debug.Stack()))
				writeError(rw, http.StatusInternalServerError, "internal error")
			}
		}()
		next(rw, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
