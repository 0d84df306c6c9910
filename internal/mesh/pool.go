package mesh

import "github.com/cync-lan/cync-lan/internal/server"

// PoolSource adapts the server's bridge pool to the Source seam.
type PoolSource struct {
	pool *server.Pool
}

// NewPoolSource wraps the ready bridge pool.
func NewPoolSource(p *server.Pool) PoolSource {
	return PoolSource{pool: p}
}

// Bridge returns the pooled connection for a device id.
func (s PoolSource) Bridge(deviceID int) (Bridge, bool) {
	c, ok := s.pool.Get(deviceID)
	if !ok {
		return nil, false
	}
	return c, true
}

// Bridges returns a snapshot of the ready connections.
func (s PoolSource) Bridges() []Bridge {
	conns := s.pool.Conns()
	out := make([]Bridge, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out
}
