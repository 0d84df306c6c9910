package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cync-lan/cync-lan/internal/protocol"
)

// Logger is the minimal logging interface the server needs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// StatusSink receives parsed status tuples. The device registry
// implements it.
type StatusSink interface {
	ApplyStatus(st protocol.DeviceStatus)
}

// Config carries the server's listener and timing settings.
type Config struct {
	Host     string
	Port     int
	CertFile string
	KeyFile  string

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	AckTimeout       time.Duration
	PoolCapacity     int
}

// Server terminates device TLS connections on the impersonated cloud
// port, maintains the ready bridge pool and the ack correlator.
//
// Thread Safety: safe for concurrent use after Start.
type Server struct {
	cfg    Config
	logger Logger

	pool       *Pool
	correlator *Correlator
	statusSink StatusSink

	// authorize reports whether a device id is a configured WiFi
	// bridge. Unauthorized devices stay connected but out of the pool.
	authorize func(deviceID int) bool

	// relayFactory builds a packet observer per connection (the cloud
	// relay tee). nil disables relaying.
	relayFactory func(c *Conn) PacketObserver

	ln        net.Listener
	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once

	connMu sync.Mutex
	conns  map[*Conn]struct{}
}

// New creates a server. The pool and correlator are created here and
// exposed to the command layer through Pool and Correlator.
func New(cfg Config, statusSink StatusSink, authorize func(int) bool, logger Logger) *Server {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	return &Server{
		cfg:        cfg,
		logger:     logger,
		statusSink: statusSink,
		authorize:  authorize,
		pool:       NewPool(cfg.PoolCapacity, logger),
		correlator: NewCorrelator(cfg.AckTimeout),
		closed:     make(chan struct{}),
		conns:      make(map[*Conn]struct{}),
	}
}

// SetRelayFactory attaches the cloud relay. Call before Start.
func (s *Server) SetRelayFactory(f func(c *Conn) PacketObserver) {
	s.relayFactory = f
}

// Pool returns the ready bridge pool.
func (s *Server) Pool() *Pool {
	return s.pool
}

// Correlator returns the ack correlator.
func (s *Server) Correlator() *Correlator {
	return s.correlator
}

// Start loads TLS material (generating a self-signed certificate if
// absent) and begins accepting device connections. Non-blocking.
func (s *Server) Start() error {
	cert, err := loadOrCreateCertificate(s.cfg.CertFile, s.cfg.KeyFile, s.logger)
	if err != nil {
		return fmt.Errorf("loading TLS material: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		// Shipping firmware negotiates down to TLS 1.0 and ignores the
		// certificate chain entirely once DNS points it here.
		MinVersion: tls.VersionTLS10, //nolint:gosec
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("device server listening", "addr", addr)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop accepts device connections until shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

// handleConn wires and runs one device connection.
func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	var conn *Conn
	handlers := ConnHandlers{
		OnReady: func(c *Conn, hs protocol.Handshake) bool {
			if s.authorize != nil && !s.authorize(hs.DeviceID()) {
				s.logger.Warn("connection from unconfigured device, not pooling",
					"device_id", hs.DeviceID(), "remote", c.RemoteAddr())
				return false
			}
			return s.pool.Register(c)
		},
		OnStatus: func(st protocol.DeviceStatus) {
			if s.statusSink != nil {
				s.statusSink.ApplyStatus(st)
			}
		},
		OnAck: func(c *Conn, ack protocol.CommandAck) {
			if latency, ok := s.correlator.Resolve(c.DeviceID(), ack); ok {
				s.pool.RecordAck(c.DeviceID(), latency)
			}
		},
		OnClose: func(c *Conn, err error) {
			s.pool.Unregister(c)
			s.connMu.Lock()
			delete(s.conns, c)
			s.connMu.Unlock()
			if err != nil && !errors.Is(err, ErrIdleTimeout) {
				s.logger.Warn("device connection closed",
					"device_id", c.DeviceID(), "error", err)
				return
			}
			s.logger.Info("device connection closed",
				"device_id", c.DeviceID(), "reason", closeReason(err))
		},
	}

	conn = NewConn(nc, ConnConfig{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		IdleTimeout:      s.cfg.IdleTimeout,
	}, handlers, s.logger)

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()

	if s.relayFactory != nil {
		conn.SetObserver(s.relayFactory(conn))
	}

	conn.Run() //nolint:errcheck // Run's error is delivered to OnClose
}

func closeReason(err error) string {
	switch {
	case err == nil:
		return "eof"
	case errors.Is(err, ErrIdleTimeout):
		return "idle"
	default:
		return "error"
	}
}

// Shutdown closes the listener and all device connections, waiting for
// handlers to drain or the context to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	if s.ln != nil {
		s.ln.Close() //nolint:errcheck // Listener teardown is best effort
	}

	s.connMu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.Close() //nolint:errcheck
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	s.correlator.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server shutdown: %w", ctx.Err())
	}
}
