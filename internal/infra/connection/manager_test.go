package connection

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) (host string, port int) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	addr := lis.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func validConfig(host string, port int) Config {
	return Config{
		Host:             host,
		Port:             port,
		Timeout:          2 * time.Second,
		ConnectTimeout:   2 * time.Second,
		KeepAlive:        30 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
		ReconnectDelay:   50 * time.Millisecond,
	}
}

// switchableDialer fails until allowed, then dials for real.
type switchableDialer struct {
	mu    sync.Mutex
	allow bool
	calls int
}

func (d *switchableDialer) dial(ctx context.Context, target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	d.mu.Lock()
	d.calls++
	allow := d.allow
	d.mu.Unlock()
	if !allow {
		return nil, errors.New("simulated dial failure")
	}
	return grpc.DialContext(ctx, target, opts...)
}

func (d *switchableDialer) setAllow(v bool) {
	d.mu.Lock()
	d.allow = v
	d.mu.Unlock()
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	base := validConfig("localhost", 9090)
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"empty host", func(c *Config) { c.Host = "" }, ErrEmptyHost},
		{"port zero", func(c *Config) { c.Port = 0 }, ErrInvalidPort},
		{"port too large", func(c *Config) { c.Port = 70000 }, ErrInvalidPort},
		{"timeout", func(c *Config) { c.Timeout = 0 }, ErrInvalidTimeout},
		{"connect timeout", func(c *Config) { c.ConnectTimeout = -time.Second }, ErrInvalidConnectTimeout},
		{"keep alive", func(c *Config) { c.KeepAlive = 0 }, ErrInvalidKeepAlive},
		{"keep alive timeout", func(c *Config) { c.KeepAliveTimeout = 0 }, ErrInvalidKeepAliveTimeout},
		{"reconnect delay", func(c *Config) { c.ReconnectDelay = 0 }, ErrInvalidReconnectDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected *ConfigError, got %T", err)
			}
		})
	}

	if err := base.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestManager_EstablishRejectsPortZero(t *testing.T) {
	m := NewManager(validConfig("localhost", 0))
	err := m.Establish(context.Background())
	if !errors.Is(err, ErrInvalidPort) {
		t.Fatalf("expected ErrInvalidPort, got %v", err)
	}
	if !strings.Contains(err.Error(), "port must be between 1 and 65535, got: 0") {
		t.Errorf("unexpected message: %v", err)
	}
	if m.IsConnectionAvailable() {
		t.Error("expected connection unavailable")
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestManager_EstablishAndShutdown(t *testing.T) {
	host, port := startHealthServer(t)
	m := NewManager(validConfig(host, port))

	if err := m.Establish(context.Background()); err != nil {
		t.Fatalf("establish failed: %v", err)
	}
	if m.Conn() == nil {
		t.Fatal("expected live connection")
	}
	st := m.Status()
	if !st.Connected || st.FallbackMode || !st.RequesterAvailable {
		t.Errorf("unexpected status: %+v", st)
	}

	m.Shutdown()
	m.Shutdown()
	if m.Conn() != nil {
		t.Error("expected no connection after shutdown")
	}
	if err := m.Establish(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestManager_ShutdownWithoutConnection(t *testing.T) {
	m := NewManager(validConfig("localhost", 9090))
	m.Shutdown()
	m.Shutdown()
	if m.Status().State != "SHUTDOWN" {
		t.Errorf("expected SHUTDOWN state, got %s", m.Status().State)
	}
}

func TestManager_FallbackThenForceReconnect(t *testing.T) {
	host, port := startHealthServer(t)
	dialer := &switchableDialer{}
	m := NewManager(validConfig(host, port), WithDialFunc(dialer.dial))
	defer m.Shutdown()

	if err := m.Establish(context.Background()); err != nil {
		t.Fatalf("dial failure must not be returned, got %v", err)
	}
	st := m.Status()
	if !st.FallbackMode || st.Connected || m.Conn() != nil {
		t.Fatalf("expected fallback mode, got %+v", st)
	}

	dialer.setAllow(true)
	if err := m.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("force reconnect failed: %v", err)
	}
	st = m.Status()
	if st.FallbackMode || !st.Connected || m.Conn() == nil {
		t.Errorf("expected live connection after reconnect, got %+v", st)
	}
}

func TestManager_SupervisorRecoversFromFallback(t *testing.T) {
	host, port := startHealthServer(t)
	dialer := &switchableDialer{}
	m := NewManager(validConfig(host, port), WithDialFunc(dialer.dial))
	defer m.Shutdown()

	_ = m.Establish(context.Background())
	if !m.InFallback() {
		t.Fatal("expected fallback mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Start(ctx)

	dialer.setAllow(true)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsConnectionAvailable() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected supervisor to reconnect")
}
