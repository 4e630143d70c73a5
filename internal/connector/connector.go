// Package connector moves stitched records from the connection registry into
// their output tables on a fixed interval.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/mrzor/socket-tracer/internal/output"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/telemetry"
	"github.com/mrzor/socket-tracer/internal/timesync"
	"go.uber.org/zap"
)

// DefaultTransferInterval is used when New gets a non-positive interval.
const DefaultTransferInterval = 200 * time.Millisecond

// Registry is the part of conntracker.Registry the connector drives.
type Registry interface {
	TransferRecords(p protocols.Protocol, now uint64) []protocols.Record
	CollectGarbage(now uint64) int
	Len() int
}

// SocketTraceConnector owns one emitter per enabled protocol.
type SocketTraceConnector struct {
	registry Registry
	clock    timesync.Clock
	interval time.Duration

	emitters map[protocols.Protocol]*output.Emitter
	order    []protocols.Protocol

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// New creates a connector with no tables.
func New(registry Registry, clock timesync.Clock, interval time.Duration, logger *zap.Logger, metrics *telemetry.Metrics) *SocketTraceConnector {
	if interval <= 0 {
		interval = DefaultTransferInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketTraceConnector{
		registry: registry,
		clock:    clock,
		interval: interval,
		emitters: make(map[protocols.Protocol]*output.Emitter),
		logger:   logger.Named("connector"),
		metrics:  metrics,
	}
}

// AddTable routes records of p to e. Tables are transferred in the order
// they were added.
func (c *SocketTraceConnector) AddTable(p protocols.Protocol, e *output.Emitter) error {
	if _, dup := c.emitters[p]; dup {
		return fmt.Errorf("table for %s added twice", p)
	}
	c.emitters[p] = e
	c.order = append(c.order, p)
	return nil
}

// Protocols returns the protocols with a table, in transfer order.
func (c *SocketTraceConnector) Protocols() []protocols.Protocol {
	return c.order
}

// TransferData drains ready records of p into its table and returns how many
// the table accepted.
func (c *SocketTraceConnector) TransferData(p protocols.Protocol) (int, error) {
	e, ok := c.emitters[p]
	if !ok {
		return 0, fmt.Errorf("transferring %s: %w", p, protocols.ErrUnknownProtocol)
	}
	records := c.registry.TransferRecords(p, c.clock.MonotonicNow())
	return e.Emit(records), nil
}

// Step transfers every table, then collects finished trackers.
func (c *SocketTraceConnector) Step() {
	for _, p := range c.order {
		n, err := c.TransferData(p)
		if err != nil {
			c.logger.Error("transfer failed", zap.Error(err))
			continue
		}
		if n > 0 {
			c.logger.Debug("records transferred", zap.Stringer("protocol", p), zap.Int("count", n))
		}
	}

	if evicted := c.registry.CollectGarbage(c.clock.MonotonicNow()); evicted > 0 {
		c.logger.Debug("trackers evicted", zap.Int("count", evicted), zap.Int("live", c.registry.Len()))
	}
}

// Run calls Step every interval until ctx is cancelled, then runs one last
// Step so records already stitched are not lost.
func (c *SocketTraceConnector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("transfer loop started",
		zap.Duration("interval", c.interval),
		zap.Stringers("protocols", c.order),
	)

	for {
		select {
		case <-ctx.Done():
			c.Step()
			c.logStats()
			return nil
		case <-ticker.C:
			c.Step()
		}
	}
}

func (c *SocketTraceConnector) logStats() {
	for _, p := range c.order {
		e := c.emitters[p]
		fields := []zap.Field{
			zap.Stringer("protocol", p),
			zap.Uint64("appended", e.Appended()),
			zap.Uint64("dropped", e.Dropped()),
			zap.Int("buffered", e.Buffered()),
		}
		if p50, err := e.LatencyQuantile(0.5); err == nil {
			fields = append(fields, zap.Duration("latency_p50", time.Duration(p50)))
		}
		if p99, err := e.LatencyQuantile(0.99); err == nil {
			fields = append(fields, zap.Duration("latency_p99", time.Duration(p99)))
		}
		c.logger.Info("table summary", fields...)
	}
}
