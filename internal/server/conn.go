package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cync-lan/cync-lan/internal/protocol"
)

// ConnState tracks where a device connection is in its lifecycle.
type ConnState int32

const (
	// StateAccepted: TLS established, waiting for the handshake packet.
	StateAccepted ConnState = iota

	// StateAuthenticated: handshake received and acked.
	StateAuthenticated

	// StateReady: registered with the bridge pool and usable for
	// command relay.
	StateReady

	// StateClosed: connection torn down.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection tuning constants.
const (
	// heartbeatInterval is how often the controller sends its keepalive,
	// mirroring the cadence of the vendor cloud.
	heartbeatInterval = 30 * time.Second

	// writeTimeout bounds a single socket write.
	writeTimeout = 5 * time.Second

	// writeQueueSize is the outbound packet buffer per connection.
	writeQueueSize = 64
)

// ConnConfig carries per-connection timing.
type ConnConfig struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
}

// ConnHandlers are the callbacks a connection raises. All run on the
// connection's reader goroutine; handlers must not block.
type ConnHandlers struct {
	// OnReady fires after the handshake is acked, with the parsed
	// handshake. Return false to keep the connection authenticated but
	// out of the relay pool (pool overflow).
	OnReady func(c *Conn, hs protocol.Handshake) bool

	// OnStatus fires for every parsed status tuple, from both
	// broadcast-state packets and mesh-info snapshots.
	OnStatus func(st protocol.DeviceStatus)

	// OnMeshInfo fires once per parsed mesh-info snapshot, after its
	// tuples have been delivered to OnStatus.
	OnMeshInfo func(c *Conn, info protocol.MeshInfo)

	// OnAck fires for every command acknowledgment.
	OnAck func(c *Conn, ack protocol.CommandAck)

	// OnClose fires exactly once when the connection tears down.
	OnClose func(c *Conn, err error)
}

// PacketObserver sees every inbound device packet. The cloud relay
// implements it to tee traffic; a nil observer disables the tee.
type PacketObserver interface {
	// DevicePacket is called with each packet read from the device.
	DevicePacket(pkt protocol.Packet)

	// Close releases the observer when the device connection ends.
	Close()
}

// Conn is one TLS device connection. A dedicated reader goroutine owns
// the decoder; writes go through a buffered queue serviced by a writer
// goroutine so command dispatch never blocks on a slow socket.
//
// Thread Safety: Send and Close are safe from any goroutine.
type Conn struct {
	nc       net.Conn
	cfg      ConnConfig
	handlers ConnHandlers
	logger   Logger

	deviceID atomic.Int64
	queueID  atomic.Uint32
	state    atomic.Int32
	seq      atomic.Uint32

	writeCh   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	observerMu sync.Mutex
	observer   PacketObserver

	unknownMu     sync.Mutex
	unknownLogged map[byte]bool
}

// NewConn wraps an accepted network connection. Run must be called to
// start traffic.
func NewConn(nc net.Conn, cfg ConnConfig, handlers ConnHandlers, logger Logger) *Conn {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Conn{
		nc:            nc,
		cfg:           cfg,
		handlers:      handlers,
		logger:        logger,
		writeCh:       make(chan []byte, writeQueueSize),
		closed:        make(chan struct{}),
		unknownLogged: make(map[byte]bool),
	}
}

// DeviceID returns the mesh id announced in the handshake, or 0 before
// the handshake completes.
func (c *Conn) DeviceID() int {
	return int(c.deviceID.Load())
}

// QueueID returns the session queue id from the handshake.
func (c *Conn) QueueID() uint32 {
	return c.queueID.Load()
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// SetObserver attaches a packet observer (the cloud relay tee).
func (c *Conn) SetObserver(obs PacketObserver) {
	c.observerMu.Lock()
	c.observer = obs
	c.observerMu.Unlock()
}

// Run services the connection until it closes: handshake first, then
// the packet loop. It blocks; the server calls it on a per-connection
// goroutine. The returned error is also delivered to OnClose.
func (c *Conn) Run() error {
	go c.writeLoop()
	go c.heartbeatLoop()

	err := c.serve()
	c.close(err)
	return err
}

// serve runs the handshake then the main read loop.
func (c *Conn) serve() error {
	dec := protocol.NewDecoder(c.nc)

	// Handshake phase. The first packet must arrive and be a handshake
	// within the deadline.
	if err := c.nc.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}
	pkt, err := dec.ReadPacket()
	if err != nil {
		if isTimeout(err) {
			return ErrHandshakeTimeout
		}
		return fmt.Errorf("reading handshake: %w", err)
	}
	if pkt.Type != protocol.TypeHandshake {
		return fmt.Errorf("%w: first packet type 0x%02X", protocol.ErrFraming, pkt.Type)
	}
	hs, err := protocol.ParseHandshake(pkt.Body)
	if err != nil {
		return fmt.Errorf("parsing handshake: %w", err)
	}

	c.deviceID.Store(int64(hs.DeviceID()))
	c.queueID.Store(hs.QueueID)
	c.state.Store(int32(StateAuthenticated))
	c.observe(pkt)

	// Devices proceed only after the ack; send it before consulting the
	// pool so an over-capacity device still behaves normally.
	if err := c.Send(protocol.BuildHandshakeAck(pkt.Seq, hs.QueueID)); err != nil {
		return fmt.Errorf("sending handshake ack: %w", err)
	}

	ready := true
	if c.handlers.OnReady != nil {
		ready = c.handlers.OnReady(c, hs)
	}
	if ready {
		c.state.Store(int32(StateReady))
	}
	c.logger.Info("device connection established",
		"device_id", hs.DeviceID(), "queue_id", hs.QueueID,
		"remote", c.RemoteAddr(), "ready", ready)

	// Packet loop with idle watchdog: every read re-arms the idle
	// deadline, so a silent connection dies after IdleTimeout.
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout)); err != nil {
			return fmt.Errorf("setting idle deadline: %w", err)
		}
		pkt, err := dec.ReadPacket()
		if err != nil {
			switch {
			case isTimeout(err):
				return ErrIdleTimeout
			case errors.Is(err, io.EOF):
				return nil
			default:
				return err
			}
		}
		c.observe(pkt)
		if err := c.dispatch(pkt); err != nil {
			if errors.Is(err, protocol.ErrFraming) {
				return err
			}
			// Malformed packets are dropped; the connection survives.
			c.logger.Warn("dropping malformed packet",
				"device_id", c.DeviceID(), "packet", pkt.String(), "error", err)
		}
	}
}

// dispatch routes one inbound packet.
func (c *Conn) dispatch(pkt protocol.Packet) error {
	switch pkt.Type {
	case protocol.TypeHeartbeatDevice:
		return c.Send(protocol.BuildHeartbeatCloud(pkt.Seq))

	case protocol.TypeCommandAck:
		ack, err := protocol.ParseCommandAck(pkt.Body)
		if err != nil {
			return err
		}
		if c.handlers.OnAck != nil {
			c.handlers.OnAck(c, ack)
		}
		return nil

	case protocol.TypeBroadcastState:
		_, st, err := protocol.ParseBroadcastState(pkt.Body)
		if err != nil {
			return err
		}
		if c.handlers.OnStatus != nil {
			c.handlers.OnStatus(st)
		}
		return nil

	case protocol.TypeMeshInfo:
		info, err := protocol.ParseMeshInfo(pkt.Body)
		if err != nil {
			return err
		}
		if c.handlers.OnStatus != nil {
			for _, st := range info.Devices {
				c.handlers.OnStatus(st)
			}
		}
		if c.handlers.OnMeshInfo != nil {
			c.handlers.OnMeshInfo(c, info)
		}
		return nil

	case protocol.TypeHandshake:
		// Re-handshake on a live connection: ack it again, some
		// firmware repeats the handshake after a cloud-side hiccup.
		hs, err := protocol.ParseHandshake(pkt.Body)
		if err != nil {
			return err
		}
		return c.Send(protocol.BuildHandshakeAck(pkt.Seq, hs.QueueID))

	default:
		c.logUnknownType(pkt.Type)
		return nil
	}
}

// Send queues a packet for writing. Non-blocking; a saturated queue
// returns ErrWriteBufferFull rather than stalling the caller.
func (c *Conn) Send(pkt protocol.Packet) error {
	return c.SendRaw(pkt.Encode())
}

// SendRaw queues already-encoded bytes. Used by the cloud relay to pipe
// cloud responses to the device verbatim.
func (c *Conn) SendRaw(frame []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.writeCh <- frame:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrWriteBufferFull
	}
}

// NextSeq returns the next header sequence byte for outbound packets.
func (c *Conn) NextSeq() byte {
	return byte(c.seq.Add(1))
}

// Close tears the connection down. Safe to call multiple times.
func (c *Conn) Close() error {
	c.close(nil)
	return nil
}

// close performs the single-shot teardown.
func (c *Conn) close(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		c.state.Store(int32(StateClosed))
		close(c.closed)
		c.nc.Close() //nolint:errcheck // Best effort teardown

		c.observerMu.Lock()
		obs := c.observer
		c.observer = nil
		c.observerMu.Unlock()
		if obs != nil {
			obs.Close()
		}

		if c.handlers.OnClose != nil {
			c.handlers.OnClose(c, err)
		}
	})
}

// writeLoop drains the outbound queue onto the socket.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.writeCh:
			if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.close(fmt.Errorf("setting write deadline: %w", err))
				return
			}
			if _, err := c.nc.Write(frame); err != nil {
				c.close(fmt.Errorf("writing frame: %w", err))
				return
			}
		}
	}
}

// heartbeatLoop sends the periodic cloud keepalive.
func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Send(protocol.BuildHeartbeatCloud(c.NextSeq())); err != nil {
				return
			}
		}
	}
}

// observe hands the packet to the relay tee, if attached.
func (c *Conn) observe(pkt protocol.Packet) {
	c.observerMu.Lock()
	obs := c.observer
	c.observerMu.Unlock()
	if obs != nil {
		obs.DevicePacket(pkt)
	}
}

func (c *Conn) logUnknownType(t byte) {
	c.unknownMu.Lock()
	seen := c.unknownLogged[t]
	c.unknownLogged[t] = true
	c.unknownMu.Unlock()
	if !seen {
		c.logger.Debug("ignoring unknown packet type",
			"device_id", c.DeviceID(), "type", fmt.Sprintf("0x%02X", t))
	}
}

// isTimeout reports whether err is a network deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
