package output

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/telemetry"
	"go.uber.org/zap"
)

// RelativeAccuracy bounds the error of latency quantiles: with 0.01 a true
// p50 of 100ms is reported between 99ms and 101ms.
const RelativeAccuracy = 0.01

// DefaultMaxBuffered is used when NewEmitter gets a non-positive bound.
const DefaultMaxBuffered = 65536

// Emitter buffers records in front of a DataTable. It is safe for concurrent use.
type Emitter struct {
	mu        sync.Mutex
	table     DataTable
	max       int
	buf       []protocols.Record
	dropped   uint64
	appended  uint64
	latencies *ddsketch.DDSketch

	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// NewEmitter creates an emitter holding at most maxBuffered records.
func NewEmitter(table DataTable, maxBuffered int, logger *zap.Logger, metrics *telemetry.Metrics) (*Emitter, error) {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBuffered
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sketch, err := ddsketch.NewDefaultDDSketch(RelativeAccuracy)
	if err != nil {
		return nil, fmt.Errorf("creating latency sketch: %w", err)
	}
	return &Emitter{
		table:     table,
		max:       maxBuffered,
		latencies: sketch,
		logger:    logger.Named("emitter").With(zap.String("table", table.Schema().Name)),
		metrics:   metrics,
	}, nil
}

// Table returns the destination table.
func (e *Emitter) Table() DataTable {
	return e.table
}

// Emit queues records and appends as many buffered records as the table
// accepts. It returns the number appended.
func (e *Emitter) Emit(records []protocols.Record) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buf = append(e.buf, records...)
	if over := len(e.buf) - e.max; over > 0 {
		e.buf = e.buf[over:]
		e.drop("overflow", over)
	}
	return e.flush()
}

func (e *Emitter) flush() int {
	appended := 0
	i := 0
	for ; i < len(e.buf); i++ {
		rec := e.buf[i]
		err := e.table.AppendRecord(rec)
		if errors.Is(err, ErrTableFull) {
			break
		}
		if err != nil {
			e.logger.Warn("dropping record", zap.Stringer("conn", rec.Conn), zap.Error(err))
			e.drop("schema", 1)
			continue
		}
		appended++
		e.observe(rec)
	}

	if i == len(e.buf) {
		e.buf = nil
	} else {
		e.buf = append(e.buf[:0], e.buf[i:]...)
	}
	e.appended += uint64(appended)
	return appended
}

func (e *Emitter) observe(rec protocols.Record) {
	if rec.LatencyNS <= 0 {
		return
	}
	if err := e.latencies.Add(float64(rec.LatencyNS)); err != nil {
		e.logger.Debug("could not add latency to sketch", zap.Error(err))
	}
	e.metrics.Latency(rec.Protocol.String(), rec.LatencyNS)
}

func (e *Emitter) drop(reason string, n int) {
	e.dropped += uint64(n)
	e.metrics.Dropped("emitter_"+reason, n)
}

// Buffered returns the number of records waiting for the table.
func (e *Emitter) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

// Dropped returns the number of records lost to overflow or schema errors.
func (e *Emitter) Dropped() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Appended returns the number of records the table accepted.
func (e *Emitter) Appended() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appended
}

// LatencyQuantile returns the latency in nanoseconds at quantile q of every
// appended record with a known latency.
func (e *Emitter) LatencyQuantile(q float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latencies.GetValueAtQuantile(q)
}
