package http

import (
	"github.com/mrzor/socket-tracer/internal/protocols"
)

// Column indexes of the http_events table.
const (
	ColUPID = iota
	ColConnID
	ColTimestamp
	ColMajorVersion
	ColMinorVersion
	ColMethod
	ColPath
	ColRequestHeaders
	ColResponseStatus
	ColResponseMessage
	ColResponseHeaders
	ColResponseBody
	ColContentType
	ColLatencyNS
	ColRemoteAddr
	ColRemotePort
	ColTraceRole
	ColRequestBody
	ColResponseBodySize
)

// Schema is the http_events column layout. Downstream consumers address columns
// by position, so new columns are only ever appended.
var Schema = protocols.Schema{
	Name: "http_events",
	Columns: []protocols.Column{
		{Name: "upid", Type: protocols.UInt128, Desc: "Process lifetime owning the connection"},
		{Name: "conn_id", Type: protocols.String, Desc: "pid:start:fd:generation"},
		{Name: "timestamp", Type: protocols.Time64NS, Desc: "Response time, or request time when there is no response"},
		{Name: "major_version", Type: protocols.Int64},
		{Name: "minor_version", Type: protocols.Int64},
		{Name: "method", Type: protocols.String},
		{Name: "path", Type: protocols.String},
		{Name: "request_headers", Type: protocols.String, Desc: "JSON object"},
		{Name: "response_status", Type: protocols.Int64},
		{Name: "response_message", Type: protocols.String},
		{Name: "response_headers", Type: protocols.String, Desc: "JSON object"},
		{Name: "response_body", Type: protocols.String},
		{Name: "content_type", Type: protocols.Int64, Desc: "0 unknown, 1 JSON"},
		{Name: "latency_ns", Type: protocols.Int64},
		{Name: "remote_addr", Type: protocols.String},
		{Name: "remote_port", Type: protocols.Int64},
		{Name: "trace_role", Type: protocols.Int64, Desc: "1 client, 2 server"},
		{Name: "request_body", Type: protocols.String},
		{Name: "response_body_size", Type: protocols.Int64},
	},
}
