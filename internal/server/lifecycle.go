package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/mcpgate/internal/fleet"
	"github.com/rsclarke/mcpgate/internal/logging"
)

type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	TLSConfig         *tls.Config
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig is used for the front door. WriteTimeout stays zero:
// relayed event streams outlive any fixed deadline.
func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// AliasServerConfig binds a per-alias listener to loopback on port.
func AliasServerConfig(port int, handler http.Handler, logger *zap.Logger) ServerConfig {
	cfg := DefaultServerConfig(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), handler, logger)
	cfg.ReadTimeout = 0
	return cfg
}

// ManagedServer runs one http.Server. Start binds synchronously so port
// conflicts surface to the caller instead of a background goroutine.
type ManagedServer struct {
	server *http.Server
	logger *zap.Logger
	name   string
	useTLS bool

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
	err  error
}

var _ fleet.Listener = (*ManagedServer)(nil)

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	errLog, _ := zap.NewStdLogAt(cfg.Logger, zapcore.ErrorLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		TLSConfig:         cfg.TLSConfig,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: cfg.Logger,
		name:   name,
		useTLS: cfg.TLSConfig != nil,
		done:   make(chan struct{}),
	}
}

func (m *ManagedServer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return fmt.Errorf("%s already started", m.name)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("%s failed to start: %w", m.name, err)
	}
	if m.useTLS {
		ln = tls.NewListener(ln, m.server.TLSConfig)
	}
	m.ln = ln

	m.logger.Info("listener started", zap.String("server", m.name), logging.Addr(ln.Addr().String()))

	go func() {
		defer close(m.done)
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("serve error", zap.String("server", m.name), zap.Error(err))
			m.mu.Lock()
			m.err = err
			m.mu.Unlock()
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (m *ManagedServer) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.server.Addr
}

// Done is closed once Serve returns.
func (m *ManagedServer) Done() <-chan struct{} { return m.done }

// Err reports a serve failure other than a normal shutdown.
func (m *ManagedServer) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *ManagedServer) started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ln != nil
}

func (m *ManagedServer) Shutdown(ctx context.Context) error {
	if !m.started() {
		return nil
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
		return err
	}
	m.logger.Info("listener stopped", zap.String("server", m.name))
	return nil
}

func (m *ManagedServer) Close() error {
	if !m.started() {
		return nil
	}
	return m.server.Close()
}
