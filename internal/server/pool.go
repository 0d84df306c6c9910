package server

import (
	"sort"
	"sync"
	"time"
)

// Pool capacity and selection constants.
const (
	// DefaultPoolCapacity bounds how many bridges are kept ready for
	// relay. Extra WiFi devices still connect and stay authenticated,
	// they just are not used for dispatch.
	DefaultPoolCapacity = 8

	// emaAlpha is the smoothing factor for per-bridge ack latency.
	emaAlpha = 0.2

	// defaultLatencyMs seeds the estimate for bridges with no acks yet,
	// high enough that proven-fast bridges win, low enough that new
	// bridges still get traffic ahead of slow ones.
	defaultLatencyMs = 250
)

// Pool holds the ready bridge connections and picks dispatch targets.
//
// Selection prefers bridges with the lowest smoothed ack latency and
// rotates among ties so load spreads across an untested pool.
//
// Thread Safety: safe for concurrent use.
type Pool struct {
	mu       sync.RWMutex
	capacity int
	conns    map[int]*Conn    // keyed by device id
	latency  map[int]float64  // smoothed ack latency, milliseconds
	rotation int
	logger   Logger
}

// NewPool creates a pool with the given capacity; 0 means
// DefaultPoolCapacity.
func NewPool(capacity int, logger Logger) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Pool{
		capacity: capacity,
		conns:    make(map[int]*Conn),
		latency:  make(map[int]float64),
		logger:   logger,
	}
}

// Register adds a bridge connection to the ready set. Returns false
// when the pool is full; the connection stays open but is not used for
// relay. A reconnecting device replaces its previous entry.
func (p *Pool) Register(c *Conn) bool {
	id := c.DeviceID()

	p.mu.Lock()
	if old, ok := p.conns[id]; ok {
		// Same device reconnected; the stale connection is superseded.
		p.conns[id] = c
		p.mu.Unlock()
		old.Close()
		p.logger.Info("bridge replaced in pool", "device_id", id)
		return true
	}
	if len(p.conns) >= p.capacity {
		p.mu.Unlock()
		p.logger.Warn("bridge pool full, connection kept out of relay set",
			"device_id", id, "capacity", p.capacity)
		return false
	}
	p.conns[id] = c
	size := len(p.conns)
	p.mu.Unlock()

	p.logger.Info("bridge registered", "device_id", id, "pool_size", size)
	return true
}

// Unregister removes a connection. A newer connection for the same
// device id is left in place.
func (p *Pool) Unregister(c *Conn) {
	id := c.DeviceID()

	p.mu.Lock()
	if cur, ok := p.conns[id]; ok && cur == c {
		delete(p.conns, id)
	}
	size := len(p.conns)
	p.mu.Unlock()

	p.logger.Info("bridge unregistered", "device_id", id, "pool_size", size)
}

// Size returns the number of ready bridges.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// Get returns the ready connection for a device id, if any.
func (p *Pool) Get(deviceID int) (*Conn, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[deviceID]
	return c, ok
}

// Select returns up to n dispatch targets, fastest estimated bridges
// first. Returns ErrNoBridges when the pool is empty.
func (p *Pool) Select(n int) ([]*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return nil, ErrNoBridges
	}

	type candidate struct {
		conn *Conn
		ms   float64
	}
	cands := make([]candidate, 0, len(p.conns))
	for id, c := range p.conns {
		ms, ok := p.latency[id]
		if !ok {
			ms = defaultLatencyMs
		}
		cands = append(cands, candidate{conn: c, ms: ms})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].ms != cands[j].ms {
			return cands[i].ms < cands[j].ms
		}
		return cands[i].conn.DeviceID() < cands[j].conn.DeviceID()
	})

	// Rotate among the leading latency tie so fresh pools round-robin
	// instead of hammering the lowest device id.
	tie := 1
	for tie < len(cands) && cands[tie].ms == cands[0].ms {
		tie++
	}
	if tie > 1 {
		offset := p.rotation % tie
		p.rotation++
		rotated := append(append([]candidate{}, cands[offset:tie]...), cands[:offset]...)
		copy(cands, rotated)
	}

	if n > len(cands) {
		n = len(cands)
	}
	out := make([]*Conn, n)
	for i := 0; i < n; i++ {
		out[i] = cands[i].conn
	}
	return out, nil
}

// RecordAck folds an observed ack latency into the bridge's estimate.
func (p *Pool) RecordAck(deviceID int, latency time.Duration) {
	ms := float64(latency.Milliseconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.latency[deviceID]; ok {
		p.latency[deviceID] = (1-emaAlpha)*cur + emaAlpha*ms
	} else {
		p.latency[deviceID] = ms
	}
}

// Conns returns a snapshot of the ready connections.
func (p *Pool) Conns() []*Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}
