package http

import (
	"slices"

	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/stitcher"
)

// Stitcher pairs HTTP requests and responses in order.
type Stitcher struct {
	dropped uint64
}

// Stitch implements protocols.Stitcher. Interim responses such as
// 100 Continue are dropped before pairing.
func (s *Stitcher) Stitch(reqs, resps *[]protocols.Frame, ctx protocols.StitchContext) []protocols.Record {
	*resps = slices.DeleteFunc(*resps, func(f protocols.Frame) bool {
		m, ok := f.(*Message)
		return ok && isInterim(m.StatusCode)
	})

	pairs := stitcher.Ordered(reqs, resps, stitcher.Options{
		Now:         ctx.Now,
		Final:       ctx.Final,
		OrphanGrace: ctx.OrphanGrace,
	})

	records := make([]protocols.Record, 0, len(pairs))
	for _, p := range pairs {
		req, _ := p.Req.(*Message)
		resp, _ := p.Resp.(*Message)
		if req == nil && resp == nil {
			s.dropped++
			continue
		}
		records = append(records, buildRecord(req, resp, ctx))
	}
	return records
}

// Dropped implements protocols.Stitcher.
func (s *Stitcher) Dropped() uint64 {
	return s.dropped
}

// buildRecord fills an http_events row. A missing side leaves its columns at
// zero values and its headers as "{}".
func buildRecord(req, resp *Message, ctx protocols.StitchContext) protocols.Record {
	if req == nil {
		req = &Message{Type: protocols.Request}
		req.MinorVersion = resp.MinorVersion
		req.TimestampNS = resp.TimestampNS
	}
	ts := req.TimestampNS
	var latency int64
	if resp == nil {
		resp = &Message{Type: protocols.Response, MinorVersion: req.MinorVersion}
	} else {
		ts = resp.TimestampNS
		if resp.TimestampNS > req.TimestampNS {
			//nolint:gosec // timestamp difference fits in int64
			latency = int64(resp.TimestampNS - req.TimestampNS)
		}
	}

	upid := ctx.Conn.UPID()
	values := make([]any, len(Schema.Columns))
	values[ColUPID] = protocols.UInt128Value{High: upid.High(), Low: upid.Low()}
	values[ColConnID] = ctx.Conn.ID.String()
	values[ColTimestamp] = ctx.Wall(ts)
	values[ColMajorVersion] = int64(1)
	values[ColMinorVersion] = int64(req.MinorVersion)
	values[ColMethod] = req.Method
	values[ColPath] = req.Path
	values[ColRequestHeaders] = req.HeadersJSON()
	values[ColResponseStatus] = int64(resp.StatusCode)
	values[ColResponseMessage] = resp.StatusMessage
	values[ColResponseHeaders] = resp.HeadersJSON()
	values[ColResponseBody] = resp.Body
	values[ColContentType] = int64(resp.ContentType())
	values[ColLatencyNS] = latency
	values[ColRemoteAddr] = ctx.Conn.RemoteAddr()
	values[ColRemotePort] = int64(ctx.Conn.Remote.Port)
	values[ColTraceRole] = int64(ctx.Conn.Role)
	values[ColRequestBody] = req.Body
	values[ColResponseBodySize] = int64(resp.BodySize)

	return protocols.Record{
		Protocol:    protocols.HTTP,
		Conn:        ctx.Conn.ID,
		TimestampNS: ts,
		LatencyNS:   latency,
		Values:      values,
	}
}
