package protocols

import (
	"fmt"
)

// FrameParser parses at most one frame from the start of buf. final is set
// when no more bytes will arrive on this direction.
type FrameParser interface {
	ParseFrame(t MessageType, buf []byte, final bool) (Frame, int, ParseState)
}

// Handler implements one application protocol.
type Handler interface {
	FrameParser
	Protocol() Protocol
	Schema() Schema
	// Infer inspects the start of a direction's stream.
	Infer(buf []byte) (MessageType, Inference)
	// FindFrameBoundary returns the first offset >= start where a frame could
	// begin, or -1.
	FindFrameBoundary(t MessageType, buf []byte, start int) int
	// NewStitcher returns the per-connection stitcher.
	NewStitcher() Stitcher
}

// ConnParserFactory is implemented by handlers whose framing depends on
// earlier frames of the same connection. Trackers parse through a parser of
// their own instead of the shared handler.
type ConnParserFactory interface {
	NewConnParser() FrameParser
}

// ConnParser returns the parser a connection inferred as h should use.
func ConnParser(h Handler) FrameParser {
	if f, ok := h.(ConnParserFactory); ok {
		return f.NewConnParser()
	}
	return h
}

// Table holds handlers indexed by protocol tag, in registration order.
type Table struct {
	byTag   map[Protocol]Handler
	ordered []Handler
}

// NewTable registers handlers. Earlier handlers win inference ties.
func NewTable(handlers ...Handler) (*Table, error) {
	t := &Table{byTag: make(map[Protocol]Handler, len(handlers))}
	for _, h := range handlers {
		p := h.Protocol()
		if p == Unknown {
			return nil, fmt.Errorf("registering handler: %w", ErrUnknownProtocol)
		}
		if _, dup := t.byTag[p]; dup {
			return nil, fmt.Errorf("protocol %s registered twice", p)
		}
		t.byTag[p] = h
		t.ordered = append(t.ordered, h)
	}
	return t, nil
}

// Get returns the handler for p.
func (t *Table) Get(p Protocol) (Handler, bool) {
	h, ok := t.byTag[p]
	return h, ok
}

// Handlers returns handlers in priority order.
func (t *Table) Handlers() []Handler {
	return t.ordered
}

// Protocols returns registered tags in priority order.
func (t *Table) Protocols() []Protocol {
	out := make([]Protocol, 0, len(t.ordered))
	for _, h := range t.ordered {
		out = append(out, h.Protocol())
	}
	return out
}

// ParseResult is the outcome of ParseFrames.
type ParseResult struct {
	Frames   []Frame
	Consumed int
	State    ParseState
}

// ParseFrames parses as many whole frames as buf holds. It stops at the first
// NeedsMoreData or Invalid, which becomes the result state; Consumed covers
// only whole frames, so the caller can resume with buf[Consumed:] plus new bytes.
func ParseFrames(p FrameParser, t MessageType, buf []byte, final bool) ParseResult {
	var res ParseResult
	for res.Consumed < len(buf) {
		frame, n, state := p.ParseFrame(t, buf[res.Consumed:], final)
		if state != Ok {
			res.State = state
			return res
		}
		if n <= 0 {
			// A handler that consumes nothing would spin forever.
			res.State = Invalid
			return res
		}
		res.Frames = append(res.Frames, frame)
		res.Consumed += n
	}
	res.State = Ok
	return res
}
