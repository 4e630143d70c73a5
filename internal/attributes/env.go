package attributes

import (
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
)

// typeEnv declares the variables expressions may reference.
func typeEnv() map[string]any {
	return map[string]any{
		"protocol": "",
		"record":   map[string]any{},
		"pid":      0,
		"comm":     "",
		"cmdline":  "",
		"args":     []string{},
	}
}

// NewEnv builds the evaluation environment for rec. md may be nil when the
// process already exited or its PID was reused.
func NewEnv(rec protocols.Record, schema protocols.Schema, md *procmeta.ProcessMetadata) map[string]any {
	columns := make(map[string]any, len(schema.Columns))
	for i, c := range schema.Columns {
		if i >= len(rec.Values) {
			break
		}
		v := rec.Values[i]
		if u, ok := v.(protocols.UInt128Value); ok {
			v = procmeta.FromUint128(u.High, u.Low).String()
		}
		columns[c.Name] = v
	}

	env := typeEnv()
	env["protocol"] = rec.Protocol.String()
	env["record"] = columns
	env["pid"] = int(rec.Conn.UPID.PID)
	if md != nil {
		env["comm"] = md.Comm
		env["cmdline"] = md.CmdlineFull
		env["args"] = md.Args
	}
	return env
}
