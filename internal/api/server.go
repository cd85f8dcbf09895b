package api

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
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/chainconn/rpc-connector/internal/config"
	"github.com/chainconn/rpc-connector/pkg/interfaces"
	"github.com/chainconn/rpc-connector/pkg/metrics"
)

// Version is reported by the health endpoint.
var Version = "dev"

// Server is the HTTP gateway in front of a Connector.
type Server struct {
	config     config.ServerConfig
	connector  interfaces.Connector
	collector  *metrics.Collector
	logger     *zap.Logger
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

var _ interfaces.APIServer = (*Server)(nil)

// NewServer creates a new API server. collector may be nil, in which case
// /metrics and the latency endpoint are not served.
func NewServer(cfg config.ServerConfig, conn interfaces.Connector, collector *metrics.Collector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:    cfg,
		connector: conn,
		collector: collector,
		logger:    logger.Named("api"),
		router:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupServer()
	return s
}

// setupServer configures the HTTP server with routes and middleware
func (s *Server) setupServer() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.healthCheck).Methods("GET")
	if s.collector != nil {
		s.router.Handle("/metrics", s.collector.Handler()).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/chains", s.listChains).Methods("GET")
	api.HandleFunc("/chains/{chainId}/rpc", s.callRPC).Methods("POST")
	api.HandleFunc("/chains/{chainId}/subscribe", s.subscribe).Methods("GET")
	if s.collector != nil {
		api.HandleFunc("/chains/{chainId}/latency", s.chainLatency).Methods("GET")
	}

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.httpServer = &http.Server{
		Addr:         s.config.Address(),
		Handler:      c.Handler(s.router),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// GetRouter returns the HTTP handler including middleware.
func (s *Server) GetRouter() http.Handler {
	return s.httpServer.Handler
}

// healthCheck handles health check requests
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   Version,
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
