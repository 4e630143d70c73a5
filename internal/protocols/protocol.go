package protocols

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProtocol is returned for names or tags with no registered handler.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Protocol tags an application protocol.
type Protocol uint8

const (
	Unknown Protocol = iota
	HTTP
	MySQL
)

func (p Protocol) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case HTTP:
		return "http"
	case MySQL:
		return "mysql"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// ParseProtocol maps a configuration name to its tag.
func ParseProtocol(name string) (Protocol, error) {
	switch strings.ToLower(name) {
	case "http":
		return HTTP, nil
	case "mysql":
		return MySQL, nil
	default:
		return Unknown, fmt.Errorf("%q: %w", name, ErrUnknownProtocol)
	}
}

// MessageType says whether a message is a request or a response.
type MessageType uint8

const (
	Request MessageType = iota
	Response
)

func (t MessageType) String() string {
	if t == Request {
		return "request"
	}
	return "response"
}

// ParseState is the outcome of one parse attempt.
type ParseState uint8

const (
	// Ok means a frame was parsed and bytes were consumed.
	Ok ParseState = iota
	// NeedsMoreData means the head holds an incomplete frame.
	NeedsMoreData
	// Invalid means the head does not start with a frame of this protocol.
	Invalid
)

func (s ParseState) String() string {
	switch s {
	case Ok:
		return "ok"
	case NeedsMoreData:
		return "needs_more_data"
	case Invalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Inference is a handler's verdict on a buffered prefix.
type Inference uint8

const (
	// No means the prefix cannot be this protocol.
	No Inference = iota
	// NeedMore means the prefix is too short to decide.
	NeedMore
	// Yes means the prefix confidently matches.
	Yes
)
