package http

import (
	"github.com/mrzor/socket-tracer/internal/protocols"
)

// Handler implements protocols.Handler for HTTP/1.x.
type Handler struct {
	opts Options
}

var (
	_ protocols.Handler           = (*Handler)(nil)
	_ protocols.ConnParserFactory = (*Handler)(nil)
)

// NewHandler creates an HTTP handler.
func NewHandler(opts Options) *Handler {
	return &Handler{opts: opts.withDefaults()}
}

func (h *Handler) Protocol() protocols.Protocol {
	return protocols.HTTP
}

func (h *Handler) Schema() protocols.Schema {
	return Schema
}

// Infer recognizes a request method or a status line prefix.
func (h *Handler) Infer(buf []byte) (protocols.MessageType, protocols.Inference) {
	req := matchPrefix(buf, methodTokens)
	if req == protocols.Yes {
		return protocols.Request, protocols.Yes
	}
	resp := matchPrefix(buf, responseTokens)
	if resp == protocols.Yes {
		return protocols.Response, protocols.Yes
	}
	if req == protocols.NeedMore || resp == protocols.NeedMore {
		return protocols.Request, protocols.NeedMore
	}
	return protocols.Request, protocols.No
}

// FindFrameBoundary looks for the next request method or status line.
func (h *Handler) FindFrameBoundary(t protocols.MessageType, buf []byte, start int) int {
	toks := startTokens(t)
	for i := max(start, 0); i < len(buf); i++ {
		if matchPrefix(buf[i:], toks) != protocols.No {
			return i
		}
	}
	return -1
}

func (h *Handler) NewStitcher() protocols.Stitcher {
	return &Stitcher{}
}
