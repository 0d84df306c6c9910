package relay

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cync-lan/cync-lan/internal/protocol"
	"github.com/cync-lan/cync-lan/internal/server"
)

// Logger is the minimal logging interface the relay needs.
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

// DeviceLeg is the device-side connection the relay pipes cloud
// responses back into.
type DeviceLeg interface {
	DeviceID() int
	SendRaw(frame []byte) error
}

// Config carries relay settings.
type Config struct {
	// CloudHost and CloudPort name the real vendor endpoint.
	CloudHost string
	CloudPort int

	// DisableTLSVerify skips cloud certificate verification. Debug
	// only; enabling it is loudly logged.
	DisableTLSVerify bool

	// DebugPacketLogging logs every frame in both directions with
	// decoded fields.
	DebugPacketLogging bool

	DialTimeout time.Duration
}

// Cloud write queue size. The device reader never blocks on a slow
// cloud; frames beyond the buffer are dropped and the leg degrades.
const cloudQueueSize = 64

const (
	defaultDialTimeout = 10 * time.Second
	cloudWriteTimeout  = 5 * time.Second
	defaultCloudPort   = 23779
)

// Factory builds one Relay per device connection.
type Factory struct {
	cfg    Config
	logger Logger
}

// NewFactory creates the relay factory. Wire it to the server with
// SetRelayFactory.
func NewFactory(cfg Config, logger Logger) *Factory {
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.CloudPort == 0 {
		cfg.CloudPort = defaultCloudPort
	}
	if cfg.DisableTLSVerify {
		logger.Warn("cloud relay TLS verification DISABLED; debug use only",
			"cloud_host", cfg.CloudHost)
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Observer creates the relay for one device connection.
func (f *Factory) Observer(c *server.Conn) server.PacketObserver {
	return newRelay(f.cfg, c, f.dial, f.logger)
}

// Inspector creates an observe-only observer for one device connection.
// Frames are decoded and logged per DebugPacketLogging but nothing is
// forwarded and no cloud leg is dialed. Used when the relay is enabled
// without cloud forwarding.
func (f *Factory) Inspector(c *server.Conn) server.PacketObserver {
	return newInspector(f.cfg, c, f.logger)
}

// inspector is the no-forwarding observer behind Factory.Inspector.
type inspector struct {
	cfg    Config
	device DeviceLeg
	logger Logger
}

func newInspector(cfg Config, device DeviceLeg, logger Logger) *inspector {
	if logger == nil {
		logger = noopLogger{}
	}
	return &inspector{cfg: cfg, device: device, logger: logger}
}

// DevicePacket logs one device frame. Nothing leaves the controller.
func (i *inspector) DevicePacket(pkt protocol.Packet) {
	if i.cfg.DebugPacketLogging {
		i.logger.Debug("relay observed device frame",
			"device_id", i.device.DeviceID(), "packet", pkt.String())
	}
}

// Close is a no-op; the inspector holds no resources.
func (i *inspector) Close() {}

// dial opens the TLS leg to the vendor cloud.
func (f *Factory) dial() (net.Conn, error) {
	d := &net.Dialer{Timeout: f.cfg.DialTimeout}
	addr := fmt.Sprintf("%s:%d", f.cfg.CloudHost, f.cfg.CloudPort)
	return tls.DialWithDialer(d, "tcp", addr, &tls.Config{
		ServerName:         f.cfg.CloudHost,
		InsecureSkipVerify: f.cfg.DisableTLSVerify, //nolint:gosec // Explicit debug switch
	})
}

// Relay tees one device connection to the real vendor cloud. Device
// packets are observed by the controller as usual and forwarded on the
// cloud leg; cloud frames are piped back to the device verbatim.
//
// The cloud leg is strictly best-effort: any failure on it degrades the
// relay to observe-only and never disturbs the device leg.
//
// Thread Safety: safe for concurrent use.
type Relay struct {
	cfg    Config
	device DeviceLeg
	logger Logger

	toCloud   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	cloud    net.Conn
	degraded bool
}

// newRelay starts the cloud leg asynchronously; the device proceeds
// regardless of how the dial goes.
func newRelay(cfg Config, device DeviceLeg, dial func() (net.Conn, error), logger Logger) *Relay {
	if logger == nil {
		logger = noopLogger{}
	}
	r := &Relay{
		cfg:     cfg,
		device:  device,
		logger:  logger,
		toCloud: make(chan []byte, cloudQueueSize),
		closed:  make(chan struct{}),
	}
	go r.connect(dial)
	return r
}

// connect dials the cloud and runs both pump loops.
func (r *Relay) connect(dial func() (net.Conn, error)) {
	conn, err := dial()
	if err != nil {
		r.degrade(fmt.Errorf("dialing cloud: %w", err))
		return
	}

	r.mu.Lock()
	select {
	case <-r.closed:
		r.mu.Unlock()
		conn.Close() //nolint:errcheck
		return
	default:
	}
	r.cloud = conn
	r.mu.Unlock()

	r.logger.Info("cloud relay established",
		"device_id", r.device.DeviceID(), "cloud", conn.RemoteAddr().String())

	go r.writeLoop(conn)
	go r.readLoop(conn)
}

// DevicePacket forwards one device frame to the cloud. Called by the
// connection for every inbound packet, degraded or not; observation
// happens in the connection's own dispatch either way.
func (r *Relay) DevicePacket(pkt protocol.Packet) {
	if r.cfg.DebugPacketLogging {
		r.logger.Debug("relay device->cloud",
			"device_id", r.device.DeviceID(), "packet", pkt.String())
	}

	r.mu.Lock()
	degraded := r.degraded || r.cloud == nil
	r.mu.Unlock()
	if degraded {
		return
	}

	select {
	case r.toCloud <- pkt.Encode():
	default:
		r.degrade(fmt.Errorf("cloud write queue full"))
	}
}

// Close tears down the cloud leg. Called when the device connection
// ends.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.mu.Lock()
	conn := r.cloud
	r.cloud = nil
	r.mu.Unlock()
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
}

// degrade switches to observe-only mode. The device leg lives on.
func (r *Relay) degrade(err error) {
	r.mu.Lock()
	already := r.degraded
	r.degraded = true
	conn := r.cloud
	r.cloud = nil
	r.mu.Unlock()

	if conn != nil {
		conn.Close() //nolint:errcheck
	}
	if !already {
		select {
		case <-r.closed:
			// Normal teardown, not worth a warning.
		default:
			r.logger.Warn("cloud leg failed, relay degraded to observe-only",
				"device_id", r.device.DeviceID(), "error", err)
		}
	}
}

// writeLoop drains queued device frames onto the cloud socket.
func (r *Relay) writeLoop(conn net.Conn) {
	for {
		select {
		case <-r.closed:
			return
		case frame := <-r.toCloud:
			if err := conn.SetWriteDeadline(time.Now().Add(cloudWriteTimeout)); err != nil {
				r.degrade(err)
				return
			}
			if _, err := conn.Write(frame); err != nil {
				r.degrade(err)
				return
			}
		}
	}
}

// readLoop pipes cloud frames back to the device verbatim.
func (r *Relay) readLoop(conn net.Conn) {
	dec := protocol.NewDecoder(conn)
	for {
		pkt, err := dec.ReadPacket()
		if err != nil {
			r.degrade(err)
			return
		}
		if r.cfg.DebugPacketLogging {
			r.logger.Debug("relay cloud->device",
				"device_id", r.device.DeviceID(), "packet", pkt.String())
		}
		if err := r.device.SendRaw(pkt.Encode()); err != nil {
			// Device gone; the connection teardown will close us.
			return
		}
	}
}
