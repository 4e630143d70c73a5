package http

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mrzor/socket-tracer/internal/protocols"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header is one header line, name in its original case.
type Header struct {
	Name  string
	Value string
}

// Message is a parsed HTTP request or response.
type Message struct {
	protocols.FrameBase

	Type         protocols.MessageType
	MinorVersion int
	Headers      []Header

	// Request fields.
	Method string
	Path   string

	// Response fields.
	StatusCode    int
	StatusMessage string

	Body          string
	BodySize      int // Size on the wire, before truncation or decompression
	BodyTruncated bool
}

// Header returns the comma-joined values of the named header.
func (m *Message) Header(name string) (string, bool) {
	var values []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			values = append(values, h.Value)
		}
	}
	if len(values) == 0 {
		return "", false
	}
	return strings.Join(values, ","), true
}

// HeadersJSON renders headers as a JSON object. Repeated headers are joined
// with commas.
func (m *Message) HeadersJSON() string {
	if len(m.Headers) == 0 {
		return "{}"
	}
	merged := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		if prev, ok := merged[h.Name]; ok {
			merged[h.Name] = prev + "," + h.Value
			continue
		}
		merged[h.Name] = h.Value
	}
	out, err := json.MarshalToString(merged)
	if err != nil {
		return "{}"
	}
	return out
}

// ContentType classifies a message body for the content_type column.
type ContentType int64

const (
	ContentTypeUnknown ContentType = 0
	ContentTypeJSON    ContentType = 1
)

// ContentType returns the body classification from the Content-Type header.
func (m *Message) ContentType() ContentType {
	ct, ok := m.Header("Content-Type")
	if ok && strings.Contains(strings.ToLower(ct), "json") {
		return ContentTypeJSON
	}
	return ContentTypeUnknown
}
