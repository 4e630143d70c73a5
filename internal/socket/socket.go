// Package socket defines the connection-level events the tracer consumes.
package socket

import (
	"fmt"
	"net/netip"

	"github.com/mrzor/socket-tracer/internal/procmeta"
)

// ConnID identifies one socket's lifetime on one process.
// Generation distinguishes reuse of the same fd after close.
type ConnID struct {
	UPID       procmeta.UPID
	FD         int32
	Generation uint32
}

func (c ConnID) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", c.UPID.PID, c.UPID.StartTimeTicks, c.FD, c.Generation)
}

// Direction is the data flow relative to the traced process.
type Direction uint8

const (
	// Egress is data written by the traced process.
	Egress Direction = iota
	// Ingress is data read by the traced process.
	Ingress
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Egress || d == Ingress
}

func (d Direction) String() string {
	switch d {
	case Egress:
		return "egress"
	case Ingress:
		return "ingress"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Role is the side of the connection the traced process plays.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleClient
	RoleServer
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r <= RoleServer
}

func (r Role) String() string {
	switch r {
	case RoleUnknown:
		return "unknown"
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Syscall is the syscall that produced a data event.
type Syscall uint8

const (
	SyscallUnknown Syscall = iota
	SyscallRead
	SyscallWrite
	SyscallSend
	SyscallRecv
	SyscallSendTo
	SyscallRecvFrom
	SyscallSendMsg
	SyscallRecvMsg
	SyscallReadv
	SyscallWritev
	SyscallSendMMsg
	SyscallRecvMMsg
	syscallCount
)

var syscallNames = [...]string{
	SyscallUnknown:  "unknown",
	SyscallRead:     "read",
	SyscallWrite:    "write",
	SyscallSend:     "send",
	SyscallRecv:     "recv",
	SyscallSendTo:   "sendto",
	SyscallRecvFrom: "recvfrom",
	SyscallSendMsg:  "sendmsg",
	SyscallRecvMsg:  "recvmsg",
	SyscallReadv:    "readv",
	SyscallWritev:   "writev",
	SyscallSendMMsg: "sendmmsg",
	SyscallRecvMMsg: "recvmmsg",
}

// Valid reports whether s is a known, non-zero syscall.
func (s Syscall) Valid() bool {
	return s > SyscallUnknown && s < syscallCount
}

// Direction returns the data direction implied by the syscall.
func (s Syscall) Direction() Direction {
	switch s {
	case SyscallWrite, SyscallSend, SyscallSendTo, SyscallSendMsg, SyscallWritev, SyscallSendMMsg:
		return Egress
	default:
		return Ingress
	}
}

func (s Syscall) String() string {
	if s < syscallCount {
		return syscallNames[s]
	}
	return fmt.Sprintf("syscall(%d)", uint8(s))
}

// Endpoint is a socket address.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

// IsValid reports whether the endpoint carries an address.
func (e Endpoint) IsValid() bool {
	return e.Addr.IsValid()
}

func (e Endpoint) String() string {
	if !e.Addr.IsValid() {
		return "-"
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String()
}

// Event is either a *DataEvent or a *ConnEvent.
type Event interface {
	ConnID() ConnID
	Timestamp() uint64
}

// DataEvent carries bytes that crossed a socket boundary.
type DataEvent struct {
	Conn        ConnID
	Direction   Direction
	Position    uint64 // Byte offset of Payload[0] within this direction's stream
	Payload     []byte
	TimestampNS uint64
	Syscall     Syscall
}

func (e *DataEvent) ConnID() ConnID    { return e.Conn }
func (e *DataEvent) Timestamp() uint64 { return e.TimestampNS }

// ConnEventKind distinguishes open and close notifications.
type ConnEventKind uint8

const (
	ConnOpen ConnEventKind = iota + 1
	ConnClose
)

// Valid reports whether k is a known kind.
func (k ConnEventKind) Valid() bool {
	return k == ConnOpen || k == ConnClose
}

func (k ConnEventKind) String() string {
	switch k {
	case ConnOpen:
		return "open"
	case ConnClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ConnEvent is a connection open or close notification.
type ConnEvent struct {
	Conn        ConnID
	Kind        ConnEventKind
	Role        Role
	TimestampNS uint64
	Remote      Endpoint // open only
	Local       Endpoint // open only
	// Totals observed by the probe, set on close.
	WrittenBytes uint64
	ReadBytes    uint64
}

func (e *ConnEvent) ConnID() ConnID    { return e.Conn }
func (e *ConnEvent) Timestamp() uint64 { return e.TimestampNS }
