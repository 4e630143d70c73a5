package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MaxMsgSize is the largest payload the probe copies out of one syscall.
const MaxMsgSize = 30720

// Control event types.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	CONN_OPEN  = 1
	CONN_CLOSE = 2
)

// Address families.
//
//nolint:revive,staticcheck // ALL_CAPS naming matches C/kernel conventions
const (
	AF_INET  = 2
	AF_INET6 = 10
)

// ConnID matches struct conn_id_t.
type ConnID struct {
	Pid        uint32
	Fd         int32
	TsID       uint64 // Process start time in clock ticks
	Generation uint32
	_          uint32
}

// SocketDataEventAttr is the fixed header of struct socket_data_event_t.
type SocketDataEventAttr struct {
	TimestampNS uint64
	ConnID      ConnID
	Direction   uint32 // 0 egress, 1 ingress
	Syscall     uint32
	Position    uint64 // Stream offset of the first payload byte
	MsgSize     uint32 // Bytes the syscall transferred
	BufSize     uint32 // Bytes captured after the header
}

// SocketDataEventAttrSize is the encoded size of SocketDataEventAttr.
var SocketDataEventAttrSize = binary.Size(SocketDataEventAttr{})

// SocketDataEvent is a decoded data record. Msg aliases the raw sample.
type SocketDataEvent struct {
	Attr SocketDataEventAttr
	Msg  []byte
}

// SocketControlEvent matches struct socket_control_event_t.
type SocketControlEvent struct {
	Type        uint32
	Role        uint32 // 0 unknown, 1 client, 2 server
	TimestampNS uint64
	ConnID      ConnID

	// Open only.
	Family     uint16
	RemotePort uint16
	LocalPort  uint16
	_          uint16
	RemoteAddr [16]byte
	LocalAddr  [16]byte

	// Close only.
	WrBytes uint64
	RdBytes uint64
}

// SocketControlEventSize is the encoded size of SocketControlEvent.
var SocketControlEventSize = binary.Size(SocketControlEvent{})

// DecodeDataEvent splits a data record into its header and captured bytes.
// It fails when the record is shorter than the header or than the size the
// header declares.
func DecodeDataEvent(raw []byte) (*SocketDataEvent, error) {
	if len(raw) < SocketDataEventAttrSize {
		return nil, fmt.Errorf("data event is %d bytes, header needs %d", len(raw), SocketDataEventAttrSize)
	}
	var ev SocketDataEvent
	if err := binary.Read(bytes.NewReader(raw[:SocketDataEventAttrSize]), binary.LittleEndian, &ev.Attr); err != nil {
		return nil, fmt.Errorf("parsing data event header: %w", err)
	}
	body := raw[SocketDataEventAttrSize:]
	if uint64(ev.Attr.BufSize) > uint64(len(body)) {
		return nil, fmt.Errorf("data event declares %d bytes, carries %d", ev.Attr.BufSize, len(body))
	}
	ev.Msg = body[:ev.Attr.BufSize]
	return &ev, nil
}

// DecodeControlEvent parses a control record.
func DecodeControlEvent(raw []byte) (*SocketControlEvent, error) {
	if len(raw) < SocketControlEventSize {
		return nil, fmt.Errorf("control event is %d bytes, needs %d", len(raw), SocketControlEventSize)
	}
	var ev SocketControlEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &ev); err != nil {
		return nil, fmt.Errorf("parsing control event: %w", err)
	}
	return &ev, nil
}

// EncodeDataEvent is the inverse of DecodeDataEvent. BufSize is taken from msg.
func EncodeDataEvent(attr SocketDataEventAttr, msg []byte) []byte {
	//nolint:gosec // captured size is bounded by MaxMsgSize
	attr.BufSize = uint32(len(msg))
	var buf bytes.Buffer
	buf.Grow(SocketDataEventAttrSize + len(msg))
	_ = binary.Write(&buf, binary.LittleEndian, attr)
	buf.Write(msg)
	return buf.Bytes()
}

// EncodeControlEvent is the inverse of DecodeControlEvent.
func EncodeControlEvent(ev SocketControlEvent) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, ev)
	return buf.Bytes()
}
