package mysql

import (
	"slices"

	"github.com/mrzor/socket-tracer/internal/protocols"
)

const (
	// maxInferRequestLength rejects first packets that are implausibly large,
	// which also rules out ASCII text read as a length.
	maxInferRequestLength = 1 << 20
	maxGreetingLength     = 1024
)

// Handler implements protocols.Handler for MySQL.
type Handler struct{}

var _ protocols.Handler = (*Handler)(nil)

// NewHandler creates a MySQL handler.
func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) Protocol() protocols.Protocol {
	return protocols.MySQL
}

func (h *Handler) Schema() protocols.Schema {
	return Schema
}

func packetLength(buf []byte) int {
	return int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
}

// ParseFrame frames one packet. A request packet with sequence id 0 must start
// with a known command byte.
func (h *Handler) ParseFrame(t protocols.MessageType, buf []byte, _ bool) (protocols.Frame, int, protocols.ParseState) {
	if len(buf) < headerSize {
		return nil, 0, protocols.NeedsMoreData
	}
	length := packetLength(buf)
	seq := buf[3]

	if t == protocols.Request {
		if length == 0 {
			return nil, 0, protocols.Invalid
		}
		if seq == 0 && len(buf) > headerSize && !Command(buf[headerSize]).Valid() {
			return nil, 0, protocols.Invalid
		}
	}
	if len(buf) < headerSize+length {
		return nil, 0, protocols.NeedsMoreData
	}

	size := headerSize + length
	pkt := &Packet{
		FrameBase: protocols.FrameBase{Size: size},
		Sequence:  seq,
		Length:    length,
		Payload:   slices.Clone(buf[headerSize : headerSize+min(length, maxKeptPayload)]),
	}
	return pkt, size, protocols.Ok
}

// Infer recognizes a command packet, a server greeting, or an OK/ERR reply to
// the client's handshake response.
func (h *Handler) Infer(buf []byte) (protocols.MessageType, protocols.Inference) {
	if len(buf) < headerSize+1 {
		return protocols.Request, protocols.NeedMore
	}
	length := packetLength(buf)
	seq := buf[3]
	first := buf[headerSize]

	switch {
	case seq == 0 && Command(first).Valid() && length > 0 && length <= maxInferRequestLength && plausibleCommand(Command(first), length):
		return protocols.Request, protocols.Yes
	case seq == 0 && first == greetingV10 && length > 0 && length <= maxGreetingLength:
		if len(buf) < headerSize+length {
			return protocols.Response, protocols.NeedMore
		}
		return protocols.Response, protocols.Yes
	case seq == 1 && (first == okHeader || first == errHeader) && len(buf) == headerSize+length:
		return protocols.Response, protocols.Yes
	}
	return protocols.Request, protocols.No
}

// plausibleCommand applies per-command length limits.
func plausibleCommand(c Command, length int) bool {
	switch c {
	case ComSleep, ComConnect, ComTime, ComDelayedInsert, ComConnectOut, ComDaemon:
		// Server-internal commands never appear on a client connection.
		return false
	case ComQuit, ComPing, ComStatistics, ComDebug, ComProcessInfo, ComResetConnection:
		return length == 1
	case ComStmtClose, ComStmtReset:
		return length == 5
	case ComQuery, ComStmtPrepare, ComInitDB, ComCreateDB, ComDropDB:
		return length > 1
	case ComStmtExecute:
		return length >= 10
	default:
		return true
	}
}

// FindFrameBoundary looks for a plausible packet header.
func (h *Handler) FindFrameBoundary(t protocols.MessageType, buf []byte, start int) int {
	for i := max(start, 0); i+headerSize < len(buf); i++ {
		length := packetLength(buf[i:])
		seq := buf[i+3]
		first := buf[i+headerSize]
		if length == 0 || length > maxInferRequestLength {
			continue
		}
		if t == protocols.Request {
			if seq == 0 && Command(first).Valid() && plausibleCommand(Command(first), length) {
				return i
			}
			continue
		}
		if seq == 1 && (first == okHeader || first == errHeader) {
			return i
		}
	}
	return -1
}

func (h *Handler) NewStitcher() protocols.Stitcher {
	return NewStitcher()
}
