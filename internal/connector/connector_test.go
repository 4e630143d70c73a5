package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/conntracker"
	"github.com/mrzor/socket-tracer/internal/output"
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/protocols/http"
	"github.com/mrzor/socket-tracer/internal/socket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type manualClock struct {
	mu  sync.Mutex
	now uint64
}

func (c *manualClock) MonotonicNow() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) set(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type fakeRegistry struct {
	mu       sync.Mutex
	pending  map[protocols.Protocol][]protocols.Record
	gcCalls  int
	lastNows []uint64
}

func (r *fakeRegistry) TransferRecords(p protocols.Protocol, now uint64) []protocols.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastNows = append(r.lastNows, now)
	out := r.pending[p]
	delete(r.pending, p)
	return out
}

func (r *fakeRegistry) CollectGarbage(uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gcCalls++
	return 0
}

func (r *fakeRegistry) Len() int { return 0 }

func (r *fakeRegistry) push(p protocols.Protocol, recs ...protocols.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		r.pending = make(map[protocols.Protocol][]protocols.Record)
	}
	r.pending[p] = append(r.pending[p], recs...)
}

var oneColumn = protocols.Schema{
	Name:    "one",
	Columns: []protocols.Column{{Name: "v", Type: protocols.Int64}},
}

func rec(p protocols.Protocol, v int64) protocols.Record {
	return protocols.Record{Protocol: p, Values: []any{v}}
}

func newTable(t *testing.T, c *SocketTraceConnector, p protocols.Protocol, schema protocols.Schema) *output.ColumnTable {
	t.Helper()
	table := output.NewColumnTable(schema, 0)
	e, err := output.NewEmitter(table, 16, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	require.NoError(t, c.AddTable(p, e))
	return table
}

func TestTransferData(t *testing.T) {
	reg := &fakeRegistry{}
	clock := &manualClock{now: 42}
	c := New(reg, clock, time.Second, zaptest.NewLogger(t), nil)
	httpTable := newTable(t, c, protocols.HTTP, oneColumn)
	mysqlTable := newTable(t, c, protocols.MySQL, oneColumn)

	reg.push(protocols.HTTP, rec(protocols.HTTP, 1), rec(protocols.HTTP, 2))
	reg.push(protocols.MySQL, rec(protocols.MySQL, 3))

	n, err := c.TransferData(protocols.HTTP)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []any{int64(1), int64(2)}, httpTable.Column("v"))
	assert.Equal(t, 0, mysqlTable.Len(), "only the requested protocol moves")
	assert.Equal(t, []uint64{42}, reg.lastNows)

	_, err = c.TransferData(protocols.Unknown)
	assert.ErrorIs(t, err, protocols.ErrUnknownProtocol)
}

func TestAddTable_Duplicate(t *testing.T) {
	c := New(&fakeRegistry{}, &manualClock{}, 0, nil, nil)
	newTable(t, c, protocols.HTTP, oneColumn)

	e, err := output.NewEmitter(output.NewDiscard(oneColumn), 1, nil, nil)
	require.NoError(t, err)
	assert.Error(t, c.AddTable(protocols.HTTP, e))
	assert.Equal(t, []protocols.Protocol{protocols.HTTP}, c.Protocols())
}

func TestStep(t *testing.T) {
	reg := &fakeRegistry{}
	c := New(reg, &manualClock{}, time.Second, zaptest.NewLogger(t), nil)
	httpTable := newTable(t, c, protocols.HTTP, oneColumn)
	mysqlTable := newTable(t, c, protocols.MySQL, oneColumn)

	reg.push(protocols.HTTP, rec(protocols.HTTP, 1))
	reg.push(protocols.MySQL, rec(protocols.MySQL, 2))
	c.Step()

	assert.Equal(t, 1, httpTable.Len())
	assert.Equal(t, 1, mysqlTable.Len())
	assert.Equal(t, 1, reg.gcCalls)
}

func TestRun_FinalStepOnCancel(t *testing.T) {
	reg := &fakeRegistry{}
	c := New(reg, &manualClock{}, time.Hour, zaptest.NewLogger(t), nil)
	table := newTable(t, c, protocols.HTTP, oneColumn)
	reg.push(protocols.HTTP, rec(protocols.HTTP, 7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx))

	assert.Equal(t, []any{int64(7)}, table.Column("v"))
	assert.Equal(t, 1, reg.gcCalls)
}

func TestRun_Ticks(t *testing.T) {
	reg := &fakeRegistry{}
	c := New(reg, &manualClock{}, time.Millisecond, zaptest.NewLogger(t), nil)
	table := newTable(t, c, protocols.HTTP, oneColumn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	reg.push(protocols.HTTP, rec(protocols.HTTP, 1))
	assert.Eventually(t, func() bool { return table.Len() == 1 }, 5*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEndToEnd_HTTP(t *testing.T) {
	const (
		req  = "GET /ping HTTP/1.1\r\nHost: example\r\n\r\n"
		resp = "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}"
	)

	cfg := config.Defaults()
	cfg.Tracker.CloseGracePeriod = time.Duration(1000)
	handlers, err := protocols.NewTable(http.NewHandler(http.Options{}))
	require.NoError(t, err)
	registry := conntracker.NewRegistry(cfg, handlers, nil, zaptest.NewLogger(t), nil)

	clock := &manualClock{}
	c := New(registry, clock, time.Second, zaptest.NewLogger(t), nil)
	table := newTable(t, c, protocols.HTTP, http.Schema)

	id := socket.ConnID{UPID: procmeta.NewUPID(77, 1234), FD: 4, Generation: 1}
	events := []socket.Event{
		&socket.DataEvent{Conn: id, Direction: socket.Egress, Payload: []byte(req), TimestampNS: 100, Syscall: socket.SyscallWrite},
		&socket.DataEvent{Conn: id, Direction: socket.Ingress, Payload: []byte(resp), TimestampNS: 200, Syscall: socket.SyscallRead},
		&socket.ConnEvent{Conn: id, Kind: socket.ConnClose, TimestampNS: 300, WrittenBytes: uint64(len(req)), ReadBytes: uint64(len(resp))},
	}
	for _, ev := range events {
		require.NoError(t, registry.Route(ev))
	}

	clock.set(400)
	c.Step()

	require.Equal(t, 1, table.Len())
	row := table.Row(0)
	assert.Equal(t, "/ping", row[http.ColPath])
	assert.Equal(t, int64(200), row[http.ColResponseStatus])
	assert.Equal(t, int64(http.ContentTypeJSON), row[http.ColContentType])
	assert.Equal(t, int64(100), row[http.ColLatencyNS])
	assert.Equal(t, 0, registry.Len(), "drained tracker is collected in the same step")
}
