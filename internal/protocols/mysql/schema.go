package mysql

import (
	"github.com/mrzor/socket-tracer/internal/protocols"
)

// Column indexes of the mysql_events table.
const (
	ColUPID = iota
	ColConnID
	ColTimestamp
	ColCommandType
	ColRequestPayload
	ColResponsePayload
	ColLatencyNS
	ColRemoteAddr
	ColRemotePort
	ColTraceRole
	ColResponseStatus
)

// ResponseStatus is the response_status column.
type ResponseStatus int64

const (
	StatusUnknown ResponseStatus = iota
	StatusNone
	StatusOK
	StatusErr
)

// Schema is the mysql_events column layout.
var Schema = protocols.Schema{
	Name: "mysql_events",
	Columns: []protocols.Column{
		{Name: "upid", Type: protocols.UInt128},
		{Name: "conn_id", Type: protocols.String},
		{Name: "timestamp", Type: protocols.Time64NS},
		{Name: "command_type", Type: protocols.Int64, Desc: "Command byte, -1 for a response without a command"},
		{Name: "request_payload", Type: protocols.String},
		{Name: "response_payload", Type: protocols.String},
		{Name: "latency_ns", Type: protocols.Int64},
		{Name: "remote_addr", Type: protocols.String},
		{Name: "remote_port", Type: protocols.Int64},
		{Name: "trace_role", Type: protocols.Int64},
		{Name: "response_status", Type: protocols.Int64, Desc: "0 unknown, 1 none, 2 ok, 3 err"},
	},
}
