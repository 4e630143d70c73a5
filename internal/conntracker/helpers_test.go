package conntracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/protocols/http"
	"github.com/mrzor/socket-tracer/internal/protocols/mysql"
	"github.com/mrzor/socket-tracer/internal/socket"
)

const (
	httpReq  = "GET /index.html HTTP/1.1\r\nHost: www.pixielabs.ai\r\nAccept: */*\r\n\r\n"
	httpResp = "HTTP/1.1 200 OK\r\nContent-Type: application/json; charset=utf-8\r\nContent-Length: 16\r\n\r\n{\"status\":\"ok\"}\n"
)

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := config.Defaults()
	cfg.Registry.Shards = 4
	cfg.Tracker.GapTimeout = time.Duration(1000)
	cfg.Tracker.CloseGracePeriod = time.Duration(1000)
	cfg.Tracker.OrphanGrace = time.Duration(1000)
	cfg.Tracker.InactivityTimeout = time.Duration(1_000_000)
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func testTable(t *testing.T) *protocols.Table {
	t.Helper()
	table, err := protocols.NewTable(http.NewHandler(http.Options{}), mysql.NewHandler())
	require.NoError(t, err)
	return table
}

func newTestRegistry(t *testing.T, mutate func(*config.Config)) *Registry {
	t.Helper()
	return NewRegistry(testConfig(mutate), testTable(t), nil, zaptest.NewLogger(t), nil)
}

func newTestTracker(t *testing.T, mutate func(*config.Config)) *Tracker {
	t.Helper()
	cfg := testConfig(mutate)
	return NewTracker(testConn(1), &Options{
		Tracker:   cfg.Tracker,
		Protocols: cfg.Protocols,
		Table:     testTable(t),
		Logger:    zaptest.NewLogger(t),
	})
}

func testConn(fd int32) socket.ConnID {
	return socket.ConnID{UPID: procmeta.NewUPID(12345, 11223344), FD: fd, Generation: 1}
}

// connFeed builds the events of one connection, tracking each direction's
// stream position.
type connFeed struct {
	id  socket.ConnID
	pos [2]uint64
}

func newFeed(id socket.ConnID) *connFeed {
	return &connFeed{id: id}
}

func (f *connFeed) data(d socket.Direction, ts uint64, payload string) *socket.DataEvent {
	ev := &socket.DataEvent{
		Conn:        f.id,
		Direction:   d,
		Position:    f.pos[d],
		Payload:     []byte(payload),
		TimestampNS: ts,
		Syscall:     socket.SyscallWrite,
	}
	if d == socket.Ingress {
		ev.Syscall = socket.SyscallRead
	}
	f.pos[d] += uint64(len(payload))
	return ev
}

func (f *connFeed) egress(ts uint64, payload string) *socket.DataEvent {
	return f.data(socket.Egress, ts, payload)
}

func (f *connFeed) ingress(ts uint64, payload string) *socket.DataEvent {
	return f.data(socket.Ingress, ts, payload)
}

func (f *connFeed) open(ts uint64, role socket.Role) *socket.ConnEvent {
	return &socket.ConnEvent{Conn: f.id, Kind: socket.ConnOpen, Role: role, TimestampNS: ts}
}

// close announces the bytes fed so far as the connection totals.
func (f *connFeed) close(ts uint64) *socket.ConnEvent {
	return &socket.ConnEvent{
		Conn:         f.id,
		Kind:         socket.ConnClose,
		TimestampNS:  ts,
		WrittenBytes: f.pos[socket.Egress],
		ReadBytes:    f.pos[socket.Ingress],
	}
}

func route(t *testing.T, r *Registry, events ...socket.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, r.Route(ev))
	}
}
