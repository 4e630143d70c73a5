package http

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/mrzor/socket-tracer/internal/protocols"
)

const (
	// DefaultMaxBodyBytes is how much of a body the record keeps.
	DefaultMaxBodyBytes = 1024
	// DefaultMaxHeaderBytes bounds the header block before it is declared invalid.
	DefaultMaxHeaderBytes = 64 * 1024

	// maxRawBodyBytes bounds the bytes retained for decompression.
	maxRawBodyBytes = 64 * 1024
	maxChunkLine    = 1024
)

var methods = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH"}

var (
	methodTokens   = tokens(methods...)
	responseTokens = tokens("HTTP/1.0", "HTTP/1.1")
)

func tokens(words ...string) [][]byte {
	out := make([][]byte, 0, len(words))
	for _, w := range words {
		out = append(out, []byte(w+" "))
	}
	return out
}

// Options tunes the parser.
type Options struct {
	MaxBodyBytes   int
	MaxHeaderBytes int
	DecompressGzip bool
}

func (o Options) withDefaults() Options {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	return o
}

// matchPrefix reports Yes when buf starts with one of toks, NeedMore when buf
// is a proper prefix of one of them, and No otherwise.
func matchPrefix(buf []byte, toks [][]byte) protocols.Inference {
	result := protocols.No
	for _, tok := range toks {
		if len(buf) >= len(tok) {
			if bytes.HasPrefix(buf, tok) {
				return protocols.Yes
			}
			continue
		}
		if bytes.HasPrefix(tok, buf) {
			result = protocols.NeedMore
		}
	}
	return result
}

func startTokens(t protocols.MessageType) [][]byte {
	if t == protocols.Request {
		return methodTokens
	}
	return responseTokens
}

// ParseFrame parses one message from the start of buf. Without the request
// it answers, a response is framed by its own headers only.
func (h *Handler) ParseFrame(t protocols.MessageType, buf []byte, final bool) (protocols.Frame, int, protocols.ParseState) {
	msg, n, state := h.parseFrame(t, buf, final, "")
	if state != protocols.Ok {
		return nil, 0, state
	}
	return msg, n, state
}

// parseFrame parses one message. reqMethod is the method of the request a
// response answers, when known.
func (h *Handler) parseFrame(t protocols.MessageType, buf []byte, final bool, reqMethod string) (*Message, int, protocols.ParseState) {
	switch matchPrefix(buf, startTokens(t)) {
	case protocols.No:
		return nil, 0, protocols.Invalid
	case protocols.NeedMore:
		return nil, 0, protocols.NeedsMoreData
	}

	headerEnd, ok := findHeaderEnd(buf)
	if !ok {
		if len(buf) > h.opts.MaxHeaderBytes {
			return nil, 0, protocols.Invalid
		}
		return nil, 0, protocols.NeedsMoreData
	}

	msg := &Message{Type: t}
	lines := splitLines(buf[:headerEnd])
	if !parseStartLine(msg, lines[0]) {
		return nil, 0, protocols.Invalid
	}
	for _, line := range lines[1:] {
		hdr, ok := parseHeaderLine(line)
		if !ok {
			return nil, 0, protocols.Invalid
		}
		msg.Headers = append(msg.Headers, hdr)
	}

	n, state := h.parseBody(msg, buf[headerEnd:], final, reqMethod)
	if state != protocols.Ok {
		return nil, 0, state
	}
	msg.Size = headerEnd + n
	return msg, msg.Size, protocols.Ok
}

// findHeaderEnd returns the offset just past the empty line ending the header block.
func findHeaderEnd(buf []byte) (int, bool) {
	start := 0
	for {
		i := bytes.IndexByte(buf[start:], '\n')
		if i < 0 {
			return 0, false
		}
		end := start + i
		line := buf[start:end]
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return end + 1, true
		}
		start = end + 1
	}
}

// splitLines splits a header block into lines without terminators, dropping
// the final empty line.
func splitLines(block []byte) []string {
	var lines []string
	for len(block) > 0 {
		i := bytes.IndexByte(block, '\n')
		line := block[:i]
		block = block[i+1:]
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			break
		}
		lines = append(lines, string(line))
	}
	return lines
}

func parseVersion(v string) (int, bool) {
	switch v {
	case "HTTP/1.0":
		return 0, true
	case "HTTP/1.1":
		return 1, true
	default:
		return 0, false
	}
}

func parseStartLine(msg *Message, line string) bool {
	if msg.Type == protocols.Request {
		parts := strings.Split(line, " ")
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return false
		}
		minor, ok := parseVersion(parts[2])
		if !ok {
			return false
		}
		msg.Method, msg.Path, msg.MinorVersion = parts[0], parts[1], minor
		return true
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return false
	}
	minor, ok := parseVersion(parts[0])
	if !ok || len(parts[1]) != 3 {
		return false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil || code < 100 || code > 599 {
		return false
	}
	msg.MinorVersion, msg.StatusCode = minor, code
	if len(parts) == 3 {
		msg.StatusMessage = parts[2]
	}
	return true
}

func parseHeaderLine(line string) (Header, bool) {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return Header{}, false
	}
	name := line[:i]
	if strings.ContainsAny(name, " \t") {
		return Header{}, false
	}
	return Header{Name: name, Value: strings.Trim(line[i+1:], " \t")}, true
}

// isInterim reports a 1xx status other than 101. The final response to the
// same request follows it.
func isInterim(code int) bool {
	return code/100 == 1 && code != 101
}

func (h *Handler) parseBody(msg *Message, buf []byte, final bool, reqMethod string) (int, protocols.ParseState) {
	if msg.Type == protocols.Response {
		if c := msg.StatusCode; c/100 == 1 || c == 204 || c == 304 {
			return 0, protocols.Ok
		}
		// Content-Length on a HEAD response describes the body a GET would get.
		if reqMethod == "HEAD" {
			return 0, protocols.Ok
		}
	}

	if te, ok := msg.Header("Transfer-Encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		return h.parseChunked(msg, buf)
	}

	if cl, ok := msg.Header("Content-Length"); ok && strings.TrimSpace(cl) != "" {
		// Repeated identical values arrive joined by commas.
		first, _, _ := strings.Cut(cl, ",")
		n, err := strconv.Atoi(strings.TrimSpace(first))
		if err != nil || n < 0 {
			return 0, protocols.Invalid
		}
		if len(buf) < n {
			return 0, protocols.NeedsMoreData
		}
		h.setBody(msg, buf[:n], n)
		return n, protocols.Ok
	}

	if msg.Type == protocols.Request {
		return 0, protocols.Ok
	}

	// No framing: the body runs until the connection closes.
	if !final {
		return 0, protocols.NeedsMoreData
	}
	h.setBody(msg, buf, len(buf))
	return len(buf), protocols.Ok
}

// maxPendingMethods bounds the unanswered requests a connParser remembers.
const maxPendingMethods = 128

// connParser frames one connection's messages. It remembers the methods of
// unanswered requests so a response to HEAD is parsed without a body.
type connParser struct {
	h       *Handler
	pending []string
}

// NewConnParser implements protocols.ConnParserFactory.
func (h *Handler) NewConnParser() protocols.FrameParser {
	return &connParser{h: h}
}

func (p *connParser) ParseFrame(t protocols.MessageType, buf []byte, final bool) (protocols.Frame, int, protocols.ParseState) {
	var method string
	if t == protocols.Response && len(p.pending) > 0 {
		method = p.pending[0]
	}
	msg, n, state := p.h.parseFrame(t, buf, final, method)
	if state != protocols.Ok {
		return nil, 0, state
	}

	switch {
	case t == protocols.Request:
		if len(p.pending) == maxPendingMethods {
			p.pending = p.pending[1:]
		}
		p.pending = append(p.pending, msg.Method)
	case len(p.pending) > 0 && !isInterim(msg.StatusCode):
		p.pending = p.pending[1:]
	}
	return msg, n, state
}

func (h *Handler) parseChunked(msg *Message, buf []byte) (int, protocols.ParseState) {
	var raw []byte
	total := 0
	pos := 0

	for {
		i := bytes.IndexByte(buf[pos:], '\n')
		if i < 0 {
			if len(buf)-pos > maxChunkLine {
				return 0, protocols.Invalid
			}
			return 0, protocols.NeedsMoreData
		}
		line := string(bytes.TrimSuffix(buf[pos:pos+i], []byte{'\r'}))
		sizeStr, _, _ := strings.Cut(line, ";")
		size, err := strconv.ParseUint(strings.TrimSpace(sizeStr), 16, 31)
		if err != nil {
			return 0, protocols.Invalid
		}
		pos += i + 1

		if size == 0 {
			// Trailers end with an empty line.
			for {
				j := bytes.IndexByte(buf[pos:], '\n')
				if j < 0 {
					return 0, protocols.NeedsMoreData
				}
				trailer := bytes.TrimSuffix(buf[pos:pos+j], []byte{'\r'})
				pos += j + 1
				if len(trailer) == 0 {
					break
				}
			}
			h.setBody(msg, raw, total)
			return pos, protocols.Ok
		}

		n := int(size)
		if len(buf)-pos < n+1 {
			return 0, protocols.NeedsMoreData
		}
		if room := maxRawBodyBytes - len(raw); room > 0 {
			raw = append(raw, buf[pos:pos+min(n, room)]...)
		}
		total += n
		pos += n

		switch buf[pos] {
		case '\n':
			pos++
		case '\r':
			if len(buf) < pos+2 {
				return 0, protocols.NeedsMoreData
			}
			if buf[pos+1] != '\n' {
				return 0, protocols.Invalid
			}
			pos += 2
		default:
			return 0, protocols.Invalid
		}
	}
}

// setBody stores the body, decompressing gzip when enabled and complete.
func (h *Handler) setBody(msg *Message, raw []byte, size int) {
	msg.BodySize = size
	body := raw
	if len(body) > maxRawBodyBytes {
		body = body[:maxRawBodyBytes]
	}

	if h.opts.DecompressGzip && len(raw) == size && size > 0 {
		if ce, ok := msg.Header("Content-Encoding"); ok && strings.EqualFold(strings.TrimSpace(ce), "gzip") {
			if plain, err := gunzip(raw, h.opts.MaxBodyBytes+1); err == nil {
				body = plain
			}
		}
	}

	if len(body) > h.opts.MaxBodyBytes {
		body = body[:h.opts.MaxBodyBytes]
		msg.BodyTruncated = true
	}
	msg.Body = string(body)
}

func gunzip(raw []byte, limit int) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = zr.Close() //nolint:errcheck // In-memory reader
	}()
	return io.ReadAll(io.LimitReader(zr, int64(limit)))
}
