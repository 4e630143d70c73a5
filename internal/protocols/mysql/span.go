package mysql

import (
	"github.com/mrzor/socket-tracer/internal/protocols"
)

// Summarize names a span for a mysql_events record and reports whether the
// server answered with an error packet.
func Summarize(rec protocols.Record) (string, bool) {
	cmd, _ := rec.Values[ColCommandType].(int64)
	status, _ := rec.Values[ColResponseStatus].(int64)

	name := "MySQL"
	if cmd >= 0 && cmd <= 0xff {
		name += " " + Command(cmd).String()
	}
	return name, ResponseStatus(status) == StatusErr
}
