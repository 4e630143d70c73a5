package output

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/socket"
)

var testSchema = protocols.Schema{
	Name: "test_events",
	Columns: []protocols.Column{
		{Name: "upid", Type: protocols.UInt128},
		{Name: "conn_id", Type: protocols.String},
		{Name: "timestamp", Type: protocols.Time64NS},
		{Name: "name", Type: protocols.String},
		{Name: "latency_ns", Type: protocols.Int64},
		{Name: "trace_role", Type: protocols.Int64},
		{Name: "remote_addr", Type: protocols.String},
	},
}

var testUPID = procmeta.NewUPID(321, 9000)

// newManager returns a metadata manager over an empty proc root.
func newManager(t *testing.T) *procmeta.Manager {
	t.Helper()
	m, err := procmeta.NewManager(t.TempDir(), 16, time.Minute)
	require.NoError(t, err)
	return m
}

func testRecord(name string, wallNS, latency int64) protocols.Record {
	conn := socket.ConnID{UPID: testUPID, FD: 5, Generation: 1}
	return protocols.Record{
		Protocol:    protocols.HTTP,
		Conn:        conn,
		TimestampNS: uint64(wallNS),
		LatencyNS:   latency,
		Values: []any{
			protocols.UInt128Value{High: testUPID.High(), Low: testUPID.Low()},
			conn.String(),
			wallNS,
			name,
			latency,
			int64(socket.RoleClient),
			"10.0.0.7",
		},
	}
}

func names(t *ColumnTable) []any {
	return t.Column("name")
}
