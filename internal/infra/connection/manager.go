package connection

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/vietddude/collector/internal/collector/metrics"
)

// Lifecycle events carried in the "event" log attribute.
const (
	EventEstablished = "CONNECTION_ESTABLISHED"
	EventFailed      = "CONNECTION_FAILED"
	EventFallback    = "FALLBACK_ENABLED"
	EventReconnect   = "RECONNECTING"
	EventShutdown    = "SHUTDOWN"
)

// DialFunc opens a client connection.
type DialFunc func(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error)

// Status is a point-in-time view of the managed connection.
type Status struct {
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Connected          bool   `json:"connected"`
	FallbackMode       bool   `json:"fallback_mode"`
	RequesterAvailable bool   `json:"requester_available"`
	State              string `json:"state"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialFunc replaces the dialer, mainly for tests.
func WithDialFunc(dial DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// Manager owns the single multiplexed connection to the persistent-connection
// source family. The handle is swapped wholesale under mu.
type Manager struct {
	cfg    Config
	dial   DialFunc
	logger *slog.Logger

	mu        sync.RWMutex
	conn      *grpc.ClientConn
	connected bool
	fallback  bool
	shutdown  bool
}

// NewManager creates a manager. Nothing is dialed until Establish.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		dial:   grpc.DialContext,
		logger: slog.Default().With("component", "connection", "target", cfg.Target()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Establish validates the configuration and dials. Configuration errors are
// returned; dial failures switch the manager to fallback mode and return nil.
func (m *Manager) Establish(ctx context.Context) error {
	if err := m.cfg.Validate(); err != nil {
		return err
	}

	m.mu.RLock()
	down := m.shutdown
	m.mu.RUnlock()
	if down {
		return ErrShutdown
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dial(dialCtx, m.cfg.Target(), m.dialOptions()...)
	if err != nil {
		m.enterFallback(err)
		return nil
	}

	m.probe(ctx, conn)

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrShutdown
	}
	old := m.conn
	m.conn = conn
	m.connected = true
	m.fallback = false
	m.mu.Unlock()

	if old != nil && old != conn {
		_ = old.Close()
	}

	metrics.ConnectionEvents.WithLabelValues(EventEstablished).Inc()
	metrics.ConnectionAvailable.Set(1)
	m.logger.Info("Persistent connection established", "event", EventEstablished)
	return nil
}

func (m *Manager) dialOptions() []grpc.DialOption {
	var opts []grpc.DialOption
	if m.cfg.TLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts,
		grpc.WithBlock(), // Wait for connection
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                m.cfg.KeepAlive,
			Timeout:             m.cfg.KeepAliveTimeout,
			PermitWithoutStream: true,
		}),
	)
	return opts
}

// probe checks the standard health service. A failing probe is logged only.
func (m *Manager) probe(ctx context.Context, conn *grpc.ClientConn) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(probeCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		m.logger.Warn("Health probe failed", "error", err)
		return
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		m.logger.Warn("Health probe reports not serving", "status", resp.GetStatus().String())
	}
}

func (m *Manager) enterFallback(err error) {
	metrics.ConnectionFailures.Inc()
	metrics.ConnectionEvents.WithLabelValues(EventFailed).Inc()
	m.logger.Error("Persistent connection failed", "event", EventFailed, "error", err)

	m.mu.Lock()
	m.connected = false
	m.fallback = true
	m.mu.Unlock()

	metrics.ConnectionFallback.Inc()
	metrics.ConnectionEvents.WithLabelValues(EventFallback).Inc()
	metrics.ConnectionAvailable.Set(0)
	m.logger.Warn("Fallback mode enabled", "event", EventFallback)
}

// Conn returns the live connection, or nil when it is not usable.
func (m *Manager) Conn() grpc.ClientConnInterface {
	conn := m.usable()
	if conn == nil {
		return nil
	}
	return conn
}

func (m *Manager) usable() *grpc.ClientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected || m.fallback || m.shutdown || m.conn == nil {
		return nil
	}
	if m.conn.GetState() == connectivity.Shutdown {
		return nil
	}
	return m.conn
}

// IsConnectionAvailable reports whether Conn would return a connection.
func (m *Manager) IsConnectionAvailable() bool {
	return m.usable() != nil
}

// InFallback reports whether the last connection attempt failed.
func (m *Manager) InFallback() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fallback
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	available := m.usable() != nil

	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Status{
		Host:               m.cfg.Host,
		Port:               m.cfg.Port,
		Connected:          m.connected,
		FallbackMode:       m.fallback,
		RequesterAvailable: available,
		State:              "IDLE",
	}
	switch {
	case m.shutdown:
		st.State = connectivity.Shutdown.String()
	case m.conn != nil:
		st.State = m.conn.GetState().String()
	}
	return st
}

// ForceReconnect drops the current handle, clears fallback mode and dials again.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrShutdown
	}
	old := m.conn
	m.conn = nil
	m.connected = false
	m.fallback = false
	m.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	metrics.ConnectionEvents.WithLabelValues(EventReconnect).Inc()
	metrics.ConnectionAvailable.Set(0)
	m.logger.Info("Reconnecting", "event", EventReconnect)
	return m.Establish(ctx)
}

// Start supervises the connection until ctx is done or Shutdown is called.
// A lost or failed connection is re-dialed after ReconnectDelay.
func (m *Manager) Start(ctx context.Context) {
	for {
		if ctx.Err() != nil || m.isShutdown() {
			return
		}

		conn := m.current()
		if conn == nil {
			if !m.sleep(ctx, m.cfg.ReconnectDelay) {
				return
			}
			if err := m.ForceReconnect(ctx); err != nil {
				m.logger.Error("Reconnect failed", "error", err)
			}
			continue
		}

		state := conn.GetState()
		if state == connectivity.TransientFailure || state == connectivity.Shutdown {
			if m.current() != conn {
				continue // replaced meanwhile
			}
			m.logger.Warn("Connection lost, scheduling reconnect",
				"state", state.String(),
				"delay", m.cfg.ReconnectDelay,
			)
			if !m.sleep(ctx, m.cfg.ReconnectDelay) {
				return
			}
			if m.current() != conn {
				continue
			}
			if err := m.ForceReconnect(ctx); err != nil {
				m.logger.Error("Reconnect failed", "error", err)
			}
			continue
		}

		if !conn.WaitForStateChange(ctx, state) {
			return
		}
	}
}

func (m *Manager) current() *grpc.ClientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.shutdown || m.fallback {
		return nil
	}
	return m.conn
}

func (m *Manager) isShutdown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shutdown
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return !m.isShutdown()
	}
}

// Shutdown closes the connection. It is safe to call more than once and
// without a prior Establish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.shutdown = true
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Warn("Error closing connection", "error", err)
		}
	}
	metrics.ConnectionEvents.WithLabelValues(EventShutdown).Inc()
	metrics.ConnectionAvailable.Set(0)
	m.logger.Info("Connection manager shut down", "event", EventShutdown)
}
