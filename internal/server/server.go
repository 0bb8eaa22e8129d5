package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/tsdecrypt/internal/config"
	apperrors "github.com/zsiec/tsdecrypt/internal/errors"
	"github.com/zsiec/tsdecrypt/internal/health"
	"github.com/zsiec/tsdecrypt/internal/logger"
)

const healthInterval = 30 * time.Second

// Server serves the control API over HTTP/1.1 and, when TLS files are
// configured, HTTP/3.
type Server struct {
	config       *config.ServerConfig
	router       *mux.Router
	httpServer   *http.Server
	http3Server  *http3.Server
	log          logger.Logger
	healthMgr    *health.Manager
	errorHandler *apperrors.ErrorHandler

	apiRoutes []func(*mux.Router)
	setupOnce sync.Once
	handler   http.Handler

	mu   sync.Mutex
	addr net.Addr
}

// New creates a server. Routes are mounted on first use of Handler or
// Start, so RegisterRoutes must be called before that.
func New(cfg *config.ServerConfig, log logger.Logger) *Server {
	log = logger.OrNull(log)
	return &Server{
		config:       cfg,
		router:       mux.NewRouter(),
		log:          log,
		healthMgr:    health.NewManager(log),
		errorHandler: apperrors.NewErrorHandler(log),
	}
}

// Health returns the health manager so callers can register checkers
func (s *Server) Health() *health.Manager {
	return s.healthMgr
}

// RegisterRoutes adds handlers under /api/v1
func (s *Server) RegisterRoutes(registerFunc func(*mux.Router)) {
	s.apiRoutes = append(s.apiRoutes, registerFunc)
}

// Handler returns the fully wired router
func (s *Server) Handler() http.Handler {
	s.setupOnce.Do(s.setupRoutes)
	return s.handler
}

// Addr returns the bound HTTP/1.1 address once Start is listening
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()

	var h3 *http3.Server
	if s.config.HTTP3Enabled() {
		var err error
		if h3, err = s.newHTTP3Server(handler); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.config.ListenAddr, fmt.Sprint(s.config.Port)))
	if err != nil {
		return fmt.Errorf("control listener: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("Starting control API server")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if h3 != nil {
		s.http3Server = h3
		go func() {
			s.log.WithField("addr", h3.Addr).Info("Starting HTTP/3 control server")
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http3 server: %w", err)
			}
		}()
	}

	healthCtx, stopHealth := context.WithCancel(ctx)
	defer stopHealth()
	go s.healthMgr.StartPeriodicChecks(healthCtx, healthInterval)

	select {
	case err := <-errCh:
		_ = s.Shutdown(context.Background())
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

func (s *Server) newHTTP3Server(handler http.Handler) (*http3.Server, error) {
	cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	return &http3.Server{
		Addr:    net.JoinHostPort(s.config.ListenAddr, fmt.Sprint(s.config.HTTP3Port)),
		Handler: handler,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS13,
			NextProtos:   []string{"h3"},
			Certificates: []tls.Certificate{cert},
		},
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
		},
	}, nil
}

// Shutdown stops both listeners
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down control API server")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// http3.Server.Close does not take a context
	if s.http3Server != nil {
		if err := s.http3Server.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) setupRoutes() {
	s.router.Use(logger.RequestLoggerMiddleware(s.log))
	s.router.Use(s.errorHandler.Middleware)
	s.router.Use(s.metricsMiddleware)

	healthHandler := health.NewHandler(s.healthMgr)
	s.router.HandleFunc("/health", healthHandler.HandleHealth).Methods("GET")
	s.router.HandleFunc("/ready", healthHandler.HandleReady).Methods("GET")
	s.router.HandleFunc("/live", healthHandler.HandleLive).Methods("GET")
	s.router.HandleFunc("/version", s.handleVersion).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	for _, register := range s.apiRoutes {
		register(api)
	}

	s.router.NotFoundHandler = http.HandlerFunc(s.errorHandler.HandleNotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.errorHandler.HandleMethodNotAllowed)

	// preflight requests never match a route, so CORS wraps the router
	s.handler = s.corsMiddleware(s.router)
}
