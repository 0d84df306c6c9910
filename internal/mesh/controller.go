package mesh

import (
	"sort"
	"sync"
	"time"

	"github.com/cync-lan/cync-lan/internal/protocol"
)

// Logger is the minimal logging interface the controller needs.
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

// Bridge is one ready connection a snapshot request can be sent on.
type Bridge interface {
	DeviceID() int
	QueueID() uint32
	NextSeq() byte
	Send(pkt protocol.Packet) error
}

// Source exposes the ready bridge set.
type Source interface {
	Bridge(deviceID int) (Bridge, bool)
	Bridges() []Bridge
}

// DefaultInterval is the periodic snapshot cadence.
const DefaultInterval = 5 * time.Second

// requestQueueSize bounds queued event-driven refreshes. Requests
// beyond the buffer coalesce into the ones already queued.
const requestQueueSize = 8

// Controller drives mesh-info snapshots through the bridge pool.
//
// A periodic tick asks one bridge at a time, rotating so no single
// bridge carries all snapshot traffic; with no bridge ready the tick is
// a no-op. Event-driven requests (post-command-ack, explicit refresh)
// jump the queue and may name the bridge that acked, since that bridge
// demonstrably has mesh reach right now.
//
// Thread Safety: safe for concurrent use after Start.
type Controller struct {
	interval time.Duration
	source   Source
	logger   Logger

	requests  chan int
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu       sync.Mutex
	rotation int
}

// New creates a controller. interval <= 0 selects DefaultInterval.
func New(interval time.Duration, source Source, logger Logger) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Controller{
		interval: interval,
		source:   source,
		logger:   logger,
		requests: make(chan int, requestQueueSize),
		closed:   make(chan struct{}),
	}
}

// Start launches the refresh loop.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop terminates the refresh loop and waits for it to exit.
func (c *Controller) Stop() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()
}

// RequestRefresh queues an immediate snapshot request. preferredBridge
// names the bridge to ask, 0 for any. Never blocks; when the queue is
// full the request coalesces into those already pending.
func (c *Controller) RequestRefresh(preferredBridge int) {
	select {
	case c.requests <- preferredBridge:
	default:
	}
}

func (c *Controller) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.refresh(0)
		case preferred := <-c.requests:
			c.refresh(preferred)
		}
	}
}

// refresh sends one mesh-info request to the chosen bridge.
func (c *Controller) refresh(preferred int) {
	b := c.pick(preferred)
	if b == nil {
		return
	}
	pkt := protocol.BuildMeshInfoRequest(b.NextSeq(), b.QueueID())
	if err := b.Send(pkt); err != nil {
		c.logger.Warn("mesh snapshot request failed",
			"bridge_id", b.DeviceID(), "error", err)
		return
	}
	c.logger.Debug("mesh snapshot requested", "bridge_id", b.DeviceID())
}

// pick chooses the preferred bridge when it is still pooled, otherwise
// the next bridge in id-ordered rotation.
func (c *Controller) pick(preferred int) Bridge {
	if preferred != 0 {
		if b, ok := c.source.Bridge(preferred); ok {
			return b
		}
	}

	bridges := c.source.Bridges()
	if len(bridges) == 0 {
		return nil
	}
	sort.Slice(bridges, func(i, j int) bool {
		return bridges[i].DeviceID() < bridges[j].DeviceID()
	})

	c.mu.Lock()
	b := bridges[c.rotation%len(bridges)]
	c.rotation++
	c.mu.Unlock()
	return b
}
