package metrics

import (
	"context"
	"time"

	"github.com/tunnelmesh/linkwatch/internal/connection"
)

// ConnectionManager reports how many connections are in each state.
type ConnectionManager interface {
	CountByState(state connection.State) int
}

// Collector periodically samples connection counts into Metrics.Connections.
type Collector struct {
	metrics     *Metrics
	connections ConnectionManager
}

// NewCollector creates a new metrics collector.
func NewCollector(m *Metrics, connections ConnectionManager) *Collector {
	return &Collector{
		metrics:     m,
		connections: connections,
	}
}

// Collect updates all sampled metrics from the current state.
func (c *Collector) Collect() {
	if c.connections == nil {
		return
	}
	for s := connection.StateReady; s <= connection.StateClosed; s++ {
		c.metrics.Connections.WithLabelValues(s.String()).Set(float64(c.connections.CountByState(s)))
	}
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
