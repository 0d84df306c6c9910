package commands

import "github.com/cync-lan/cync-lan/internal/server"

// PoolSelector adapts the server's bridge pool to the BridgeSelector
// seam. The server's Correlator satisfies Tracker directly.
type PoolSelector struct {
	pool *server.Pool
}

// NewPoolSelector wraps the ready bridge pool.
func NewPoolSelector(p *server.Pool) PoolSelector {
	return PoolSelector{pool: p}
}

// Select returns up to n dispatch targets, fastest bridges first.
func (s PoolSelector) Select(n int) ([]Target, error) {
	conns, err := s.pool.Select(n)
	if err != nil {
		return nil, err
	}
	out := make([]Target, len(conns))
	for i, c := range conns {
		out[i] = c
	}
	return out, nil
}
