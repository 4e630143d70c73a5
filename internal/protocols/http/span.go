package http

import (
	"github.com/mrzor/socket-tracer/internal/protocols"
)

// Summarize names a span for an http_events record and reports whether the
// exchange failed.
func Summarize(rec protocols.Record) (string, bool) {
	method, _ := rec.Values[ColMethod].(string)
	path, _ := rec.Values[ColPath].(string)
	status, _ := rec.Values[ColResponseStatus].(int64)

	name := "HTTP"
	if method != "" {
		name = method
		if path != "" {
			name += " " + path
		}
	}
	return name, status >= 500
}
