package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"example.com/staticservlet/internal/config"
	"example.com/staticservlet/internal/logger"
	"example.com/staticservlet/internal/util"
)

// Server manages the HTTP server lifecycle: listening sockets, connection limits,
// log reopening on SIGHUP and graceful shutdown.
type Server struct {
	cfg        *config.Config
	log        *logger.Logger
	handler    http.Handler
	httpServer *http.Server

	shutdownTimeout time.Duration

	mu        sync.RWMutex
	listeners []net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer creates a Server that dispatches every request to handler.
// cfg must already be defaulted and validated.
func NewServer(cfg *config.Config, lg *logger.Logger, handler http.Handler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server == nil {
		return nil, fmt.Errorf("server configuration section (server) is missing")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if cfg.Server.Address == nil || *cfg.Server.Address == "" {
		return nil, fmt.Errorf("server listen address (server.address) is not configured")
	}

	shutdownTimeout, err := config.ParseDurationField("server.graceful_shutdown_timeout", cfg.Server.GracefulShutdownTimeout)
	if err != nil {
		return nil, err
	}
	readHeaderTimeout, err := config.ParseDurationField("server.read_header_timeout", cfg.Server.ReadHeaderTimeout)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:             cfg,
		log:             lg,
		handler:         handler,
		shutdownTimeout: shutdownTimeout,
		ready:           make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          log.New(&httpErrorLogWriter{lg: lg}, "", 0),
	}
	return s, nil
}

// httpErrorLogWriter forwards net/http's internal error messages to the error log.
type httpErrorLogWriter struct {
	lg *logger.Logger
}

func (w *httpErrorLogWriter) Write(p []byte) (int, error) {
	w.lg.Warn("http server error", logger.LogFields{"detail": strings.TrimSpace(string(p))})
	return len(p), nil
}

// initializeListeners sets up the server's network listeners, either inherited
// through LISTEN_FDS or freshly bound on server.address.
func (s *Server) initializeListeners() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	address := *s.cfg.Server.Address
	listeners, err := util.Listeners(address)
	if err != nil {
		return fmt.Errorf("failed to create listeners for %s: %w", address, err)
	}
	if len(listeners) == 0 {
		return fmt.Errorf("no listeners were initialized for the server")
	}

	maxConns := 0
	if s.cfg.Server.MaxConnections != nil {
		maxConns = *s.cfg.Server.MaxConnections
	}
	for i, ln := range listeners {
		s.log.Info("Listening", logger.LogFields{"address": ln.Addr().String(), "max_connections": maxConns})
		if maxConns > 0 {
			listeners[i] = netutil.LimitListener(ln, maxConns)
		}
	}
	s.listeners = listeners
	return nil
}

// Addrs returns the bound addresses. It is only meaningful after Ready is closed.
func (s *Server) Addrs() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Ready is closed once the listeners are accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve binds the listeners and serves until ctx is cancelled or a listener fails,
// then shuts down gracefully within server.graceful_shutdown_timeout.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.initializeListeners(); err != nil {
		return err
	}

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	errCh := make(chan error, len(listeners))
	var wg sync.WaitGroup
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serving on %s: %w", ln.Addr(), err)
			}
		}(ln)
	}
	s.readyOnce.Do(func() { close(s.ready) })

	var serveErr error
	select {
	case <-ctx.Done():
		s.log.Info("Shutdown requested, draining connections", logger.LogFields{"timeout": s.shutdownTimeout.String()})
	case serveErr = <-errCh:
		s.log.Error("Listener failed, shutting down", logger.LogFields{"error": serveErr.Error()})
	}

	shutdownErr := s.Shutdown()
	wg.Wait()
	if serveErr != nil {
		return serveErr
	}
	return shutdownErr
}

// Shutdown stops accepting new connections and waits for in-flight requests,
// closing any that outlive the graceful shutdown timeout.
func (s *Server) Shutdown() error {
	ctx := context.Background()
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("Graceful shutdown timed out, closing remaining connections", logger.LogFields{"error": err.Error()})
		s.httpServer.Close()
		return fmt.Errorf("graceful shutdown incomplete: %w", err)
	}
	s.log.Info("Server stopped", nil)
	return nil
}

// Start serves until SIGINT or SIGTERM. SIGHUP reopens file log targets.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				} else {
					s.log.Info("Reopened log files", nil)
				}
			}
		}
	}()

	return s.Serve(ctx)
}
