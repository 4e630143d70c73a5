package output

import (
	"context"
	"net/netip"
	"time"

	"github.com/mrzor/socket-tracer/internal/attributes"
	"github.com/mrzor/socket-tracer/internal/peername"
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/socket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Summarizer names the span for a record and reports whether it failed.
type Summarizer func(rec protocols.Record) (name string, failed bool)

// SpanOptions configures a SpanTable. Only Tracer is required.
type SpanOptions struct {
	Tracer     trace.Tracer
	Summarize  Summarizer
	Attributes *attributes.Evaluator
	TraceID    *attributes.TraceIDEvaluator
	Metadata   *procmeta.Manager
	// PeerNames, when set, learns hostnames from process command lines and
	// names the remote_addr column's peer.
	PeerNames *peername.Resolver
	Logger    *zap.Logger
}

// SpanTable turns each record into a finished span. The span ends at the
// record's timestamp and starts latency_ns earlier.
type SpanTable struct {
	schema protocols.Schema
	opts   SpanOptions

	tsCol     int
	roleCol   int
	remoteCol int
	logger    *zap.Logger
}

// NewSpanTable creates a span sink for schema.
func NewSpanTable(schema protocols.Schema, opts SpanOptions) *SpanTable {
	if opts.Summarize == nil {
		opts.Summarize = func(protocols.Record) (string, bool) { return schema.Name, false }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpanTable{
		schema:    schema,
		opts:      opts,
		tsCol:     schema.ColumnIndex("timestamp"),
		roleCol:   schema.ColumnIndex("trace_role"),
		remoteCol: schema.ColumnIndex("remote_addr"),
		logger:    logger.Named("spans"),
	}
}

func (t *SpanTable) Schema() protocols.Schema {
	return t.schema
}

// AppendRecord emits one span. Spans are handed to the tracer's exporter, so
// the table never reports ErrTableFull.
func (t *SpanTable) AppendRecord(rec protocols.Record) error {
	if err := validate(t.schema, rec); err != nil {
		return err
	}

	end := t.endTime(rec)
	start := end
	if rec.LatencyNS > 0 {
		start = end.Add(-time.Duration(rec.LatencyNS))
	}

	attrs := t.columnAttributes(rec)
	md := t.metadata(rec)
	if md != nil {
		attrs = append(attrs,
			attribute.Int("process.pid", int(rec.Conn.UPID.PID)),
			attribute.String("process.command", md.Comm),
			attribute.String("process.command_line", md.CmdlineFull),
		)
		if t.opts.PeerNames != nil {
			t.opts.PeerNames.Ingest(md.Args...)
		}
	}
	attrs = append(attrs, t.peerAttributes(rec)...)

	ctx := context.Background()
	if t.opts.Attributes.Len() > 0 || t.opts.TraceID.Enabled() {
		env := attributes.NewEnv(rec, t.schema, md)
		custom, _ := t.opts.Attributes.EvaluateCustomAttributes(env)
		attrs = append(attrs, custom...)

		traceID, warnings, err := t.opts.TraceID.EvaluateAndValidate(env)
		switch {
		case err != nil:
			t.logger.Debug("trace-id expression failed", zap.Stringer("conn", rec.Conn), zap.Error(err))
		case traceID.IsValid():
			ctx = trace.ContextWithSpanContext(ctx, parentFor(traceID))
			attrs = append(attrs, warnings...)
		}
	}

	name, failed := t.opts.Summarize(rec)
	_, span := t.opts.Tracer.Start(ctx, name,
		trace.WithSpanKind(t.spanKind(rec)),
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
	)
	if failed {
		span.SetStatus(codes.Error, "")
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

func (t *SpanTable) endTime(rec protocols.Record) time.Time {
	if t.tsCol >= 0 {
		if ns, ok := rec.Values[t.tsCol].(int64); ok {
			return time.Unix(0, ns)
		}
	}
	return time.Now()
}

func (t *SpanTable) spanKind(rec protocols.Record) trace.SpanKind {
	if t.roleCol < 0 {
		return trace.SpanKindInternal
	}
	role, _ := rec.Values[t.roleCol].(int64)
	switch socket.Role(role) {
	case socket.RoleClient:
		return trace.SpanKindClient
	case socket.RoleServer:
		return trace.SpanKindServer
	default:
		return trace.SpanKindInternal
	}
}

func (t *SpanTable) peerAttributes(rec protocols.Record) []attribute.KeyValue {
	if t.opts.PeerNames == nil || t.remoteCol < 0 {
		return nil
	}
	remote, _ := rec.Values[t.remoteCol].(string)
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return nil
	}
	names := t.opts.PeerNames.Lookup(addr)
	if len(names) == 0 {
		return nil
	}
	return []attribute.KeyValue{
		attribute.String("net.peer.name", names[0]),
		attribute.StringSlice("net.peer.names", names),
	}
}

func (t *SpanTable) metadata(rec protocols.Record) *procmeta.ProcessMetadata {
	if t.opts.Metadata == nil {
		return nil
	}
	md, err := t.opts.Metadata.Get(rec.Conn.UPID)
	if err != nil {
		return nil
	}
	return md
}

// columnAttributes maps every column but the timestamp to "<protocol>.<column>".
func (t *SpanTable) columnAttributes(rec protocols.Record) []attribute.KeyValue {
	prefix := rec.Protocol.String() + "."
	attrs := make([]attribute.KeyValue, 0, len(t.schema.Columns))
	for i, c := range t.schema.Columns {
		if i == t.tsCol {
			continue
		}
		key := prefix + c.Name
		switch v := rec.Values[i].(type) {
		case protocols.UInt128Value:
			attrs = append(attrs, attribute.String(key, procmeta.FromUint128(v.High, v.Low).String()))
		case int64:
			attrs = append(attrs, attribute.Int64(key, v))
		case string:
			attrs = append(attrs, attribute.String(key, v))
		}
	}
	return attrs
}

// parentFor builds a remote parent so the span joins traceID. The parent
// span ID is taken from the low half of the trace ID.
func parentFor(traceID trace.TraceID) trace.SpanContext {
	var spanID trace.SpanID
	copy(spanID[:], traceID[8:])
	if !spanID.IsValid() {
		spanID[7] = 1
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
}
