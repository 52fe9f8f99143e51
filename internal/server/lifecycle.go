package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/droidrig/internal/logging"
)

type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

// ManagedServer runs an http.Server in the background with a bounded
// shutdown.
type ManagedServer struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
	name     string
	errCh    chan error
}

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	logger := logging.OrNop(cfg.Logger)
	errLog, _ := zap.NewStdLogAt(logger, zapcore.ErrorLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: logger,
		name:   name,
		errCh:  make(chan error, 1),
	}
}

// Start binds the listen address and serves in the background. Bind errors
// are returned directly.
func (m *ManagedServer) Start() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("%s failed to start: %w", m.name, err)
	}
	m.listener = ln
	m.logger.Info("server listening", zap.String("server", m.name), logging.Addr(ln.Addr().String()))

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- err
		}
		close(m.errCh)
	}()
	return nil
}

// Addr is the bound address, valid after Start.
func (m *ManagedServer) Addr() string {
	if m.listener == nil {
		return m.server.Addr
	}
	return m.listener.Addr().String()
}

// Err delivers a serve failure and is closed when the server stops.
func (m *ManagedServer) Err() <-chan error {
	return m.errCh
}

func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.listener == nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
	}
}
