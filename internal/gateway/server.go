// Package gateway is the HTTP surface: send endpoints, admin session
// operations, health, metrics, and the websocket event feed.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/courier/internal/auth"
	"github.com/haasonsaas/courier/internal/notify"
	"github.com/haasonsaas/courier/internal/observability"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Server serves the relay's HTTP API.
type Server struct {
	cfg     Config
	notify  *notify.Service
	auth    *auth.Service
	logger  *slog.Logger
	metrics *observability.Metrics

	broadcaster *Broadcaster
	httpServer  *http.Server
}

// NewServer wires the HTTP surface. metrics may be nil.
func NewServer(cfg Config, notifier *notify.Service, authService *auth.Service, logger *slog.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		notify:      notifier,
		auth:        authService,
		logger:      logger.With("component", "gateway"),
		metrics:     metrics,
		broadcaster: NewBroadcaster(logger),
	}
}

// Handler builds the route table. Health and metrics are open; the API
// and websocket feed sit behind API-key auth.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /notifications/{service}", s.handleSend)
	api.HandleFunc("POST /notifications/{service}/media", s.handleSendMedia)
	api.HandleFunc("GET /messages/{id}", s.handleGetMessage)

	api.HandleFunc("GET /admin/status", s.handleStatuses)
	api.HandleFunc("GET /admin/{service}/status", s.handleStatus)
	api.HandleFunc("GET /admin/messages/stats", s.handleStats)

	api.HandleFunc("POST /admin/{service}/connect", s.handleConnect)
	api.HandleFunc("POST /admin/{service}/disconnect", s.handleDisconnect)
	api.HandleFunc("POST /admin/{service}/force-reset", s.handleForceReset)
	api.HandleFunc("POST /admin/{service}/stop-reconnection", s.handleStopReconnection)

	api.HandleFunc("GET /admin/whatsapp/qr", s.handleWhatsAppQR)
	api.HandleFunc("POST /admin/whatsapp/clean-restart", s.handleCleanRestart)
	api.HandleFunc("POST /admin/whatsapp/recover", s.handleRecoverStreamError)

	api.HandleFunc("POST /admin/telegram/provide-code", s.handleTelegramCode)
	api.HandleFunc("POST /admin/telegram/provide-password", s.handleTelegramPassword)

	api.Handle("GET /ws/events", s.broadcaster)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("/", s.auth.Middleware(s.instrument(api)))
	return mux
}

// Start listens and serves until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	go s.broadcaster.Run(ctx, s.notify.Events())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.logger.Info("http server listening", "addr", listener.Addr().String())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// instrument counts requests by method, route pattern and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, path, strconv.Itoa(recorder.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack keeps websocket upgrades working through the metrics wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
