package conntracker

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/reassembler"
	"github.com/mrzor/socket-tracer/internal/socket"
	"github.com/mrzor/socket-tracer/internal/telemetry"
)

// ErrProtocolInferenceFailed is reported by a tracker that gave up on
// identifying or parsing its connection.
var ErrProtocolInferenceFailed = errors.New("protocol inference failed")

// State is the tracker lifecycle.
type State uint8

const (
	// StateInferring probes buffered bytes until a protocol answers Yes.
	StateInferring State = iota
	// StateTracking parses frames with the inferred protocol.
	StateTracking
	// StateDisabled discards all further bytes; see DisableReason.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateInferring:
		return "inferring"
	case StateTracking:
		return "tracking"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// DisableReason says why a tracker stopped parsing.
type DisableReason uint8

const (
	// ReasonNone is the reason of a tracker that is not disabled.
	ReasonNone DisableReason = iota
	// ReasonInferenceFailed: every enabled protocol rejected both directions,
	// or the connection closed before one matched.
	ReasonInferenceFailed
	// ReasonInferenceBudget: more than InferenceBudgetBytes seen undecided.
	ReasonInferenceBudget
	// ReasonResyncCeiling: more than MaxResyncAttempts consecutive invalid
	// frames on one direction.
	ReasonResyncCeiling
	// ReasonRoleFiltered: the inferred role is excluded by the protocol's
	// roles setting.
	ReasonRoleFiltered
)

func (r DisableReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonInferenceFailed:
		return "inference_failed"
	case ReasonInferenceBudget:
		return "inference_budget"
	case ReasonResyncCeiling:
		return "resync_ceiling"
	case ReasonRoleFiltered:
		return "role_filtered"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Stats counts what one tracker did.
type Stats struct {
	DataEvents      uint64
	ConnEvents      uint64
	BytesReceived   uint64
	DuplicateEvents uint64
	DiscardedBytes  uint64
	Resyncs         uint64
	GapSkips        uint64
	Frames          uint64
	Records         uint64
	DroppedFrames   uint64
}

// Options is what a Tracker shares with its Registry.
type Options struct {
	Tracker   config.TrackerConfig
	Protocols config.ProtocolsConfig
	Table     *protocols.Table
	// WallClock converts monotonic timestamps for the record timestamp column.
	WallClock func(uint64) int64
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
}

var directions = [...]socket.Direction{socket.Egress, socket.Ingress}

// Tracker follows one connection. It is not safe for concurrent use; the
// Registry serializes access per shard.
type Tracker struct {
	id     socket.ConnID
	opts   *Options
	logger *zap.Logger

	streams  [2]*reassembler.Stream
	rejected [2]bool
	resyncs  [2]int

	state    State
	reason   DisableReason
	protocol protocols.Protocol
	handler  protocols.Handler
	parser   protocols.FrameParser
	stitcher protocols.Stitcher
	role     socket.Role

	probeRole socket.Role
	remote    socket.Endpoint
	local     socket.Endpoint

	reqs  []protocols.Frame
	resps []protocols.Frame

	lastActivity uint64
	closed       bool
	closeTS      uint64
	totals       [2]uint64
	haveTotals   bool
	drained      bool

	stats Stats
}

// NewTracker creates a tracker in the inferring state.
func NewTracker(id socket.ConnID, opts *Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rcfg := reassembler.Config{
		MaxPendingBytes:     opts.Tracker.MaxPendingBytes,
		MaxPendingFragments: opts.Tracker.MaxPendingFragments,
		MaxBufferBytes:      opts.Tracker.MaxBufferBytes,
	}
	return &Tracker{
		id:      id,
		opts:    opts,
		logger:  logger.With(zap.Stringer("conn", id)),
		streams: [2]*reassembler.Stream{reassembler.New(rcfg), reassembler.New(rcfg)},
	}
}

func (t *Tracker) ID() socket.ConnID            { return t.id }
func (t *Tracker) State() State                 { return t.state }
func (t *Tracker) Reason() DisableReason        { return t.reason }
func (t *Tracker) Protocol() protocols.Protocol { return t.protocol }
func (t *Tracker) Role() socket.Role            { return t.role }
func (t *Tracker) Closed() bool                 { return t.closed }
func (t *Tracker) Drained() bool                { return t.drained }
func (t *Tracker) Stats() Stats                 { return t.stats }

// Stream exposes one direction's reassembly state.
func (t *Tracker) Stream(d socket.Direction) *reassembler.Stream {
	return t.streams[d]
}

// Err returns ErrProtocolInferenceFailed, wrapped with the reason, once the
// tracker is disabled.
func (t *Tracker) Err() error {
	if t.state != StateDisabled {
		return nil
	}
	return fmt.Errorf("%s: %w", t.reason, ErrProtocolInferenceFailed)
}

// PendingFrames is the number of parsed frames not yet stitched.
func (t *Tracker) PendingFrames() int {
	return len(t.reqs) + len(t.resps)
}

// AddDataEvent feeds one payload fragment and parses what became contiguous.
func (t *Tracker) AddDataEvent(ev *socket.DataEvent) {
	t.touch(ev.TimestampNS)
	t.stats.DataEvents++
	t.stats.BytesReceived += uint64(len(ev.Payload))

	if t.state == StateDisabled || t.drained {
		t.discard(len(ev.Payload), "disabled")
		return
	}
	if t.streams[ev.Direction].Add(ev.Position, ev.Payload, ev.TimestampNS) == reassembler.Duplicate {
		t.stats.DuplicateEvents++
	}
	t.process(false)
}

// AddConnEvent records open endpoints or the close and its byte totals.
func (t *Tracker) AddConnEvent(ev *socket.ConnEvent) {
	t.touch(ev.TimestampNS)
	t.stats.ConnEvents++

	switch ev.Kind {
	case socket.ConnOpen:
		t.remote = ev.Remote
		t.local = ev.Local
		if ev.Role != socket.RoleUnknown {
			t.probeRole = ev.Role
		}
	case socket.ConnClose:
		t.closed = true
		t.closeTS = ev.TimestampNS
		t.totals[socket.Egress] = ev.WrittenBytes
		t.totals[socket.Ingress] = ev.ReadBytes
		t.haveTotals = ev.WrittenBytes > 0 || ev.ReadBytes > 0
		if ev.Role != socket.RoleUnknown && t.probeRole == socket.RoleUnknown {
			t.probeRole = ev.Role
		}
	}
}

func (t *Tracker) touch(ts uint64) {
	if ts > t.lastActivity {
		t.lastActivity = ts
	}
}

// Advance applies time-driven transitions: stalled gaps are skipped and a
// closed connection that drained undecided fails inference.
func (t *Tracker) Advance(now uint64) {
	if t.state == StateDisabled || t.drained {
		return
	}
	gapTimeout := uint64(t.opts.Tracker.GapTimeout)
	skipped := false
	for _, d := range directions {
		s := t.streams[d]
		if s.HasGap() && now >= s.OldestPendingTimestamp()+gapTimeout {
			before := s.Stats().SkippedBytes
			s.SkipGap()
			t.stats.GapSkips++
			t.opts.Metrics.GapSkip()
			t.logger.Debug("skipped stalled gap",
				zap.Stringer("direction", d),
				zap.Uint64("bytes", s.Stats().SkippedBytes-before))
			skipped = true
		}
	}
	if skipped {
		t.process(false)
	}
	if t.state == StateInferring && t.readyToDrain(now) {
		if t.stats.BytesReceived == 0 {
			t.drained = true
			return
		}
		t.disable(ReasonInferenceFailed)
	}
}

// Transfer stitches the queued frames. On the final drain it parses the rest
// of both streams with final set and flushes every orphan.
func (t *Tracker) Transfer(now uint64) []protocols.Record {
	if t.state != StateTracking || t.drained {
		return nil
	}
	final := t.readyToDrain(now)
	if final {
		t.parse(true)
		if t.state != StateTracking {
			return nil
		}
	}
	return t.stitch(now, final)
}

// Flush force-drains the tracker. The registry calls it before eviction.
func (t *Tracker) Flush(now uint64) []protocols.Record {
	if t.state != StateTracking || t.drained {
		return nil
	}
	t.parse(true)
	if t.state != StateTracking {
		return nil
	}
	return t.stitch(now, true)
}

// ReadyForGC reports whether the tracker can be destroyed: closed and
// drained (or disabled), or idle past its protocol's inactivity timeout.
func (t *Tracker) ReadyForGC(now uint64) bool {
	if t.drained {
		return true
	}
	if t.closed && t.state == StateDisabled {
		return true
	}
	return now >= t.lastActivity+uint64(t.inactivityTimeout())
}

func (t *Tracker) inactivityTimeout() time.Duration {
	if pc, ok := t.protocolConfig(t.protocol); ok && pc.InactivityTimeout > 0 {
		return pc.InactivityTimeout
	}
	return t.opts.Tracker.InactivityTimeout
}

func (t *Tracker) protocolConfig(p protocols.Protocol) (config.ProtocolConfig, bool) {
	switch p {
	case protocols.HTTP:
		return t.opts.Protocols.HTTP.ProtocolConfig, true
	case protocols.MySQL:
		return t.opts.Protocols.MySQL, true
	default:
		return config.ProtocolConfig{}, false
	}
}

// readyToDrain is true once the close was seen and either every byte it
// announced arrived without a gap or the close grace period elapsed.
func (t *Tracker) readyToDrain(now uint64) bool {
	if !t.closed {
		return false
	}
	if now >= t.closeTS+uint64(t.opts.Tracker.CloseGracePeriod) {
		return true
	}
	if !t.haveTotals {
		return false
	}
	for _, d := range directions {
		s := t.streams[d]
		if s.HasGap() || s.NextPosition() < t.totals[d] {
			return false
		}
	}
	return true
}

func (t *Tracker) process(final bool) {
	if t.state == StateInferring {
		t.infer()
	}
	if t.state == StateTracking {
		t.parse(final)
	}
}

// infer probes enabled protocols in priority order, egress before ingress.
// The first Yes fixes the protocol and role.
func (t *Tracker) infer() {
	var seen int
	for _, d := range directions {
		st := t.streams[d].Stats()
		seen += int(st.BytesAppended) + t.streams[d].PendingBytes()
	}

	var maybe [2]bool
	for _, h := range t.opts.Table.Handlers() {
		if pc, ok := t.protocolConfig(h.Protocol()); ok && !pc.Enabled {
			continue
		}
		for _, d := range directions {
			head := t.streams[d].Head()
			if t.rejected[d] || len(head) == 0 {
				continue
			}
			mt, res := h.Infer(head)
			switch res {
			case protocols.Yes:
				t.fix(h, roleOf(d, mt))
				return
			case protocols.NeedMore:
				maybe[d] = true
			}
		}
	}

	for _, d := range directions {
		if len(t.streams[d].Head()) > 0 && !maybe[d] {
			t.rejected[d] = true
		}
	}
	switch {
	case t.rejected[socket.Egress] && t.rejected[socket.Ingress]:
		t.disable(ReasonInferenceFailed)
	case seen > t.opts.Tracker.InferenceBudgetBytes:
		t.disable(ReasonInferenceBudget)
	}
}

// roleOf maps the message type seen on direction d to the traced process's
// role: a client writes requests and reads responses.
func roleOf(d socket.Direction, mt protocols.MessageType) socket.Role {
	if (d == socket.Egress) == (mt == protocols.Request) {
		return socket.RoleClient
	}
	return socket.RoleServer
}

func (t *Tracker) fix(h protocols.Handler, role socket.Role) {
	t.protocol = h.Protocol()
	t.handler = h
	t.parser = protocols.ConnParser(h)
	t.role = role
	t.state = StateTracking
	t.stitcher = h.NewStitcher()
	t.logger.Debug("protocol inferred",
		zap.Stringer("protocol", t.protocol),
		zap.Stringer("role", role),
		zap.Stringer("probe_role", t.probeRole))

	if pc, ok := t.protocolConfig(t.protocol); ok && !rolesAllow(pc.Roles, role) {
		t.disable(ReasonRoleFiltered)
	}
}

func rolesAllow(r config.Roles, role socket.Role) bool {
	switch r {
	case config.RolesClient:
		return role == socket.RoleClient
	case config.RolesServer:
		return role == socket.RoleServer
	default:
		return true
	}
}

// messageType is what direction d carries given the inferred role.
func (t *Tracker) messageType(d socket.Direction) protocols.MessageType {
	if (t.role == socket.RoleClient) == (d == socket.Egress) {
		return protocols.Request
	}
	return protocols.Response
}

// directionOf is the direction carrying mt given the inferred role.
func (t *Tracker) directionOf(mt protocols.MessageType) socket.Direction {
	if t.messageType(socket.Egress) == mt {
		return socket.Egress
	}
	return socket.Ingress
}

// parse frames requests before responses: response framing may depend on the
// request it answers.
func (t *Tracker) parse(final bool) {
	for _, mt := range [...]protocols.MessageType{protocols.Request, protocols.Response} {
		t.parseDirection(t.directionOf(mt), final)
		if t.state != StateTracking {
			return
		}
	}
}

// parseDirection frames as much of d's head as possible. After lost bytes it
// first realigns on a frame boundary; an invalid frame skips to the next
// boundary and counts one resync attempt.
func (t *Tracker) parseDirection(d socket.Direction, final bool) {
	s := t.streams[d]
	mt := t.messageType(d)

	for len(s.Head()) > 0 {
		if s.ResyncRequired() {
			off := t.handler.FindFrameBoundary(mt, s.Head(), 0)
			if off < 0 {
				t.consume(s, len(s.Head()), "resync")
				return
			}
			t.consume(s, off, "resync")
			s.ClearResync()
		}

		head := s.Head()
		res := protocols.ParseFrames(t.parser, mt, head, final)
		pos := s.HeadPosition()
		for _, f := range res.Frames {
			f.SetTimestamp(s.TimestampAt(pos))
			pos += uint64(f.ByteSize())
			t.enqueue(mt, f)
		}
		s.Consume(res.Consumed)
		if len(res.Frames) > 0 {
			t.resyncs[d] = 0
		}
		if res.State != protocols.Invalid {
			return
		}

		t.resyncs[d]++
		t.stats.Resyncs++
		t.opts.Metrics.Resync()
		if t.resyncs[d] > t.opts.Tracker.MaxResyncAttempts {
			t.disable(ReasonResyncCeiling)
			return
		}
		off := t.handler.FindFrameBoundary(mt, s.Head(), 1)
		if off < 0 {
			off = len(s.Head())
		}
		t.consume(s, off, "invalid_frame")
	}
}

func (t *Tracker) consume(s *reassembler.Stream, n int, reason string) {
	if n <= 0 {
		return
	}
	s.Consume(n)
	t.discard(n, reason)
}

func (t *Tracker) discard(n int, reason string) {
	t.stats.DiscardedBytes += uint64(n)
	t.opts.Metrics.Discarded(reason, n)
}

func (t *Tracker) enqueue(mt protocols.MessageType, f protocols.Frame) {
	t.stats.Frames++
	if mt == protocols.Request {
		t.reqs = append(t.reqs, f)
	} else {
		t.resps = append(t.resps, f)
	}
}

func (t *Tracker) stitch(now uint64, final bool) []protocols.Record {
	dropped := t.stitcher.Dropped()
	records := t.stitcher.Stitch(&t.reqs, &t.resps, protocols.StitchContext{
		Conn:        protocols.ConnInfo{ID: t.id, Role: t.role, Remote: t.remote},
		Now:         now,
		Final:       final,
		OrphanGrace: uint64(t.opts.Tracker.OrphanGrace),
		WallClock:   t.opts.WallClock,
	})
	t.stats.DroppedFrames += t.stitcher.Dropped() - dropped
	t.stats.Records += uint64(len(records))

	if final {
		for _, d := range directions {
			t.discard(t.streams[d].Discard(), "final_drain")
		}
		t.stats.DroppedFrames += uint64(len(t.reqs) + len(t.resps))
		t.reqs, t.resps = nil, nil
		t.drained = true
	}
	return records
}

// disable stops parsing for good and releases buffered bytes and frames.
func (t *Tracker) disable(reason DisableReason) {
	t.state = StateDisabled
	t.reason = reason
	for _, d := range directions {
		t.discard(t.streams[d].Discard(), reason.String())
	}
	t.stats.DroppedFrames += uint64(len(t.reqs) + len(t.resps))
	t.reqs, t.resps = nil, nil
	t.opts.Metrics.Disabled(reason.String())
	t.logger.Debug("connection disabled",
		zap.Stringer("reason", reason),
		zap.Stringer("protocol", t.protocol))
}
