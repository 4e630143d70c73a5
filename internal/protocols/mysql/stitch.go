package mysql

import (
	"encoding/binary"
	"fmt"

	"github.com/mrzor/socket-tracer/internal/protocols"
)

// Stitcher groups response packets by the command they answer. It holds the
// prepared statements of one connection.
type Stitcher struct {
	stmts       map[uint32]string
	seenCommand bool

	dropped   uint64
	handshake uint64
}

// NewStitcher creates a per-connection stitcher.
func NewStitcher() *Stitcher {
	return &Stitcher{stmts: make(map[uint32]string)}
}

// Dropped implements protocols.Stitcher.
func (s *Stitcher) Dropped() uint64 {
	return s.dropped
}

// HandshakePackets is the number of connection-phase packets skipped.
func (s *Stitcher) HandshakePackets() uint64 {
	return s.handshake
}

// Stitch implements protocols.Stitcher.
func (s *Stitcher) Stitch(reqs, resps *[]protocols.Frame, ctx protocols.StitchContext) []protocols.Record {
	rq, rs := *reqs, *resps
	var out []protocols.Record

	for len(rq) > 0 {
		req := rq[0].(*Packet)
		if req.Sequence != 0 || len(req.Payload) == 0 {
			// Handshake response or auth continuation.
			s.handshake++
			rq = rq[1:]
			continue
		}

		// Anything before the command answers something we did not see.
		for len(rs) > 0 && rs[0].Timestamp() < req.Timestamp() {
			out = s.orphan(out, rs[0].(*Packet), ctx)
			rs = rs[1:]
		}
		s.seenCommand = true

		cmd := Command(req.Payload[0])
		if !cmd.expectsResponse() {
			out = append(out, s.record(req, nil, cmd, ctx))
			rq = rq[1:]
			continue
		}

		// Packets at or after the next command belong to it.
		avail := len(rs)
		bounded := ctx.Final
		if len(rq) > 1 {
			next := rq[1].Timestamp()
			for i := range rs {
				if rs[i].Timestamp() >= next {
					avail = i
					break
				}
			}
			bounded = true
		}

		n, complete := groupResponse(cmd, rs[:avail])
		if !complete {
			if !bounded {
				break
			}
			n = avail
		}
		out = append(out, s.record(req, rs[:n], cmd, ctx))
		rs = rs[n:]
		rq = rq[1:]
	}

	if len(rq) == 0 {
		for len(rs) > 0 {
			if !ctx.Final && ctx.Now < rs[0].Timestamp()+ctx.OrphanGrace {
				break
			}
			out = s.orphan(out, rs[0].(*Packet), ctx)
			rs = rs[1:]
		}
	}

	if len(rq) == 0 {
		rq = nil
	}
	if len(rs) == 0 {
		rs = nil
	}
	*reqs, *resps = rq, rs
	return out
}

// orphan emits a response-only record for a packet that starts a response
// after the first command. Other unmatched packets are dropped.
func (s *Stitcher) orphan(out []protocols.Record, p *Packet, ctx protocols.StitchContext) []protocols.Record {
	switch {
	case !s.seenCommand:
		s.handshake++
	case p.isOK() || p.isErr():
		out = append(out, s.responseOnly(p, ctx))
	default:
		s.dropped++
	}
	return out
}

// groupResponse returns how many packets make up the response to cmd, or
// false when more packets are needed.
func groupResponse(cmd Command, pkts []protocols.Frame) (int, bool) {
	if len(pkts) == 0 {
		return 0, false
	}
	first := pkts[0].(*Packet)
	if first.isErr() {
		return 1, true
	}

	switch cmd {
	case ComStmtPrepare:
		if !first.isOK() || len(first.Payload) < 9 {
			return 1, true
		}
		numCols := int(binary.LittleEndian.Uint16(first.Payload[5:7]))
		numParams := int(binary.LittleEndian.Uint16(first.Payload[7:9]))
		i, ok := skipDefinitions(pkts, 1, numParams)
		if !ok {
			return 0, false
		}
		i, ok = skipDefinitions(pkts, i, numCols)
		if !ok {
			return 0, false
		}
		return i, true

	case ComQuery, ComStmtExecute, ComStmtFetch:
		h, _ := first.header()
		if first.isOK() || h == localInfile {
			return 1, true
		}
		numCols, _, ok := lengthEncodedInt(first.Payload)
		if !ok || numCols == 0 {
			return 1, true
		}
		i := 1
		if cmd != ComStmtFetch {
			var defsOK bool
			//nolint:gosec // column count is bounded by the packet count check
			i, defsOK = skipDefinitions(pkts, 1, int(numCols))
			if !defsOK {
				return 0, false
			}
		}
		for ; i < len(pkts); i++ {
			p := pkts[i].(*Packet)
			if p.isEOF() || p.isErr() {
				return i + 1, true
			}
		}
		return 0, false

	case ComFieldList:
		for i := 0; i < len(pkts); i++ {
			p := pkts[i].(*Packet)
			if p.isEOF() || p.isErr() {
				return i + 1, true
			}
		}
		return 0, false

	default:
		return 1, true
	}
}

// skipDefinitions skips n definition packets starting at i plus the EOF that
// follows them when the server still sends it.
func skipDefinitions(pkts []protocols.Frame, i, n int) (int, bool) {
	if n == 0 {
		return i, true
	}
	if len(pkts) < i+n {
		return 0, false
	}
	i += n
	if i < len(pkts) && pkts[i].(*Packet).isEOF() {
		i++
	}
	return i, true
}

func (s *Stitcher) requestPayload(req *Packet, cmd Command) string {
	switch cmd {
	case ComQuery, ComStmtPrepare, ComInitDB, ComCreateDB, ComDropDB, ComFieldList:
		return string(req.Payload[1:])
	case ComStmtExecute:
		id, ok := stmtID(req.Payload)
		if !ok {
			return ""
		}
		if query, known := s.stmts[id]; known {
			return query
		}
		return fmt.Sprintf("stmt_id=%d", id)
	case ComStmtClose, ComStmtReset, ComStmtFetch, ComStmtSendLongData:
		id, ok := stmtID(req.Payload)
		if !ok {
			return ""
		}
		if cmd == ComStmtClose {
			delete(s.stmts, id)
		}
		return fmt.Sprintf("stmt_id=%d", id)
	default:
		return ""
	}
}

func responseSummary(cmd Command, pkts []protocols.Frame) (string, ResponseStatus) {
	if len(pkts) == 0 {
		return "", StatusUnknown
	}
	first := pkts[0].(*Packet)
	last := pkts[len(pkts)-1].(*Packet)
	switch {
	case first.isErr():
		return first.errMessage(), StatusErr
	case last.isErr():
		return last.errMessage(), StatusErr
	case first.isOK():
		return "", StatusOK
	}

	switch cmd {
	case ComQuery, ComStmtExecute, ComStmtFetch:
		numCols, _, _ := lengthEncodedInt(first.Payload)
		rows := 0
		for _, f := range pkts[1:] {
			p := f.(*Packet)
			if !p.isEOF() {
				rows++
			}
		}
		if cmd != ComStmtFetch {
			//nolint:gosec // bounded by len(pkts)
			rows -= int(numCols)
		}
		return fmt.Sprintf("Resultset rows = %d", max(rows, 0)), StatusOK
	case ComStatistics:
		return string(first.Payload), StatusOK
	default:
		return "", StatusOK
	}
}

func (s *Stitcher) record(req *Packet, pkts []protocols.Frame, cmd Command, ctx protocols.StitchContext) protocols.Record {
	reqPayload := s.requestPayload(req, cmd)

	var respPayload string
	status := StatusNone
	if cmd.expectsResponse() {
		respPayload, status = responseSummary(cmd, pkts)
	}

	if cmd == ComStmtPrepare && status == StatusOK && len(pkts) > 0 {
		if id, ok := stmtID(pkts[0].(*Packet).Payload); ok {
			s.stmts[id] = reqPayload
		}
	}

	ts := req.TimestampNS
	var latency int64
	if len(pkts) > 0 {
		ts = pkts[0].Timestamp()
		if end := pkts[len(pkts)-1].Timestamp(); end > req.TimestampNS {
			//nolint:gosec // timestamp difference fits in int64
			latency = int64(end - req.TimestampNS)
		}
	}

	return buildRecord(ctx, ts, latency, int64(cmd), reqPayload, respPayload, status)
}

func (s *Stitcher) responseOnly(p *Packet, ctx protocols.StitchContext) protocols.Record {
	payload, status := "", StatusOK
	if p.isErr() {
		payload, status = p.errMessage(), StatusErr
	}
	return buildRecord(ctx, p.TimestampNS, 0, -1, "", payload, status)
}

func buildRecord(ctx protocols.StitchContext, ts uint64, latency, cmd int64, reqPayload, respPayload string, status ResponseStatus) protocols.Record {
	upid := ctx.Conn.UPID()
	values := make([]any, len(Schema.Columns))
	values[ColUPID] = protocols.UInt128Value{High: upid.High(), Low: upid.Low()}
	values[ColConnID] = ctx.Conn.ID.String()
	values[ColTimestamp] = ctx.Wall(ts)
	values[ColCommandType] = cmd
	values[ColRequestPayload] = reqPayload
	values[ColResponsePayload] = respPayload
	values[ColLatencyNS] = latency
	values[ColRemoteAddr] = ctx.Conn.RemoteAddr()
	values[ColRemotePort] = int64(ctx.Conn.Remote.Port)
	values[ColTraceRole] = int64(ctx.Conn.Role)
	values[ColResponseStatus] = int64(status)

	return protocols.Record{
		Protocol:    protocols.MySQL,
		Conn:        ctx.Conn.ID,
		TimestampNS: ts,
		LatencyNS:   latency,
		Values:      values,
	}
}
