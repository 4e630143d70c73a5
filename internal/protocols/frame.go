package protocols

import (
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/socket"
)

// Frame is one parsed protocol message.
type Frame interface {
	Timestamp() uint64
	SetTimestamp(ts uint64)
	ByteSize() int
}

// FrameBase carries the fields every Frame has.
type FrameBase struct {
	TimestampNS uint64 // Timestamp of the event that delivered the first byte
	Size        int    // Bytes consumed from the stream
}

func (f *FrameBase) Timestamp() uint64      { return f.TimestampNS }
func (f *FrameBase) SetTimestamp(ts uint64) { f.TimestampNS = ts }
func (f *FrameBase) ByteSize() int          { return f.Size }

// ConnInfo describes the connection a record belongs to.
type ConnInfo struct {
	ID     socket.ConnID
	Role   socket.Role
	Remote socket.Endpoint
}

// UPID returns the process owning the connection.
func (c ConnInfo) UPID() procmeta.UPID {
	return c.ID.UPID
}

// RemoteAddr returns the remote IP, or "" when unknown.
func (c ConnInfo) RemoteAddr() string {
	if !c.Remote.Addr.IsValid() {
		return ""
	}
	return c.Remote.Addr.String()
}

// Record is one stitched request/response, or a documented partial record.
// Values follow the column order of the protocol's Schema.
type Record struct {
	Protocol    Protocol
	Conn        socket.ConnID
	TimestampNS uint64 // Monotonic timestamp of the response, or of the request when no response was seen
	LatencyNS   int64
	Values      []any
}

// StitchContext is what a Stitcher needs besides the frame queues.
type StitchContext struct {
	Conn ConnInfo
	Now  uint64
	// Final is set when the connection is closed and fully drained.
	Final bool
	// OrphanGrace is how long an unmatched response waits for its request.
	OrphanGrace uint64
	// WallClock converts a monotonic timestamp to Unix nanoseconds.
	WallClock func(uint64) int64
}

// Wall converts ts using WallClock, or returns it unchanged when unset.
func (c StitchContext) Wall(ts uint64) int64 {
	if c.WallClock == nil {
		//nolint:gosec // monotonic nanoseconds fit in int64
		return int64(ts)
	}
	return c.WallClock(ts)
}

// Stitcher pairs requests with responses for one connection. Implementations may
// keep per-connection state across calls.
type Stitcher interface {
	// Stitch consumes matched frames from the front of both queues.
	Stitch(reqs, resps *[]Frame, ctx StitchContext) []Record
	// Dropped returns how many frames were discarded without producing a record.
	Dropped() uint64
}
