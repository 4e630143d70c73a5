package mysql

import (
	"encoding/binary"
	"fmt"

	"github.com/mrzor/socket-tracer/internal/protocols"
)

const (
	headerSize = 4
	// MaxPacketLength is the largest payload a single packet can carry.
	MaxPacketLength = 1<<24 - 1
	// maxKeptPayload bounds the payload bytes copied out of the stream.
	maxKeptPayload = 64 * 1024
)

// Command is the first payload byte of a request packet.
type Command uint8

const (
	ComSleep            Command = 0x00
	ComQuit             Command = 0x01
	ComInitDB           Command = 0x02
	ComQuery            Command = 0x03
	ComFieldList        Command = 0x04
	ComCreateDB         Command = 0x05
	ComDropDB           Command = 0x06
	ComRefresh          Command = 0x07
	ComShutdown         Command = 0x08
	ComStatistics       Command = 0x09
	ComProcessInfo      Command = 0x0a
	ComConnect          Command = 0x0b
	ComProcessKill      Command = 0x0c
	ComDebug            Command = 0x0d
	ComPing             Command = 0x0e
	ComTime             Command = 0x0f
	ComDelayedInsert    Command = 0x10
	ComChangeUser       Command = 0x11
	ComBinlogDump       Command = 0x12
	ComTableDump        Command = 0x13
	ComConnectOut       Command = 0x14
	ComRegisterSlave    Command = 0x15
	ComStmtPrepare      Command = 0x16
	ComStmtExecute      Command = 0x17
	ComStmtSendLongData Command = 0x18
	ComStmtClose        Command = 0x19
	ComStmtReset        Command = 0x1a
	ComSetOption        Command = 0x1b
	ComStmtFetch        Command = 0x1c
	ComDaemon           Command = 0x1d
	ComBinlogDumpGTID   Command = 0x1e
	ComResetConnection  Command = 0x1f
)

var commandNames = map[Command]string{
	ComSleep: "Sleep", ComQuit: "Quit", ComInitDB: "InitDB", ComQuery: "Query",
	ComFieldList: "FieldList", ComCreateDB: "CreateDB", ComDropDB: "DropDB",
	ComRefresh: "Refresh", ComShutdown: "Shutdown", ComStatistics: "Statistics",
	ComProcessInfo: "ProcessInfo", ComConnect: "Connect", ComProcessKill: "ProcessKill",
	ComDebug: "Debug", ComPing: "Ping", ComTime: "Time", ComDelayedInsert: "DelayedInsert",
	ComChangeUser: "ChangeUser", ComBinlogDump: "BinlogDump", ComTableDump: "TableDump",
	ComConnectOut: "ConnectOut", ComRegisterSlave: "RegisterSlave",
	ComStmtPrepare: "StmtPrepare", ComStmtExecute: "StmtExecute",
	ComStmtSendLongData: "StmtSendLongData", ComStmtClose: "StmtClose",
	ComStmtReset: "StmtReset", ComSetOption: "SetOption", ComStmtFetch: "StmtFetch",
	ComDaemon: "Daemon", ComBinlogDumpGTID: "BinlogDumpGTID", ComResetConnection: "ResetConnection",
}

// Valid reports whether c is a known command byte.
func (c Command) Valid() bool {
	return c <= ComResetConnection
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(0x%02x)", uint8(c))
}

// expectsResponse is false for commands the server never answers.
func (c Command) expectsResponse() bool {
	switch c {
	case ComStmtClose, ComStmtSendLongData, ComQuit:
		return false
	default:
		return true
	}
}

// Packet is one framed MySQL packet.
type Packet struct {
	protocols.FrameBase
	Sequence uint8
	Length   int    // Payload length on the wire
	Payload  []byte // Payload, truncated to maxKeptPayload
}

const (
	okHeader    = 0x00
	errHeader   = 0xff
	eofHeader   = 0xfe
	greetingV10 = 0x0a
	localInfile = 0xfb
)

func (p *Packet) header() (byte, bool) {
	if len(p.Payload) == 0 {
		return 0, false
	}
	return p.Payload[0], true
}

func (p *Packet) isErr() bool {
	h, ok := p.header()
	return ok && h == errHeader
}

func (p *Packet) isOK() bool {
	h, ok := p.header()
	return ok && h == okHeader && p.Length >= 7
}

// isEOF matches both the legacy EOF packet and the 0xfe-headed OK packet that
// replaces it under CLIENT_DEPRECATE_EOF.
func (p *Packet) isEOF() bool {
	h, ok := p.header()
	return ok && h == eofHeader && p.Length < 9
}

// errMessage returns the human-readable part of an ERR packet.
func (p *Packet) errMessage() string {
	b := p.Payload
	if len(b) < 3 {
		return ""
	}
	b = b[3:] // header + error code
	if len(b) >= 6 && b[0] == '#' {
		b = b[6:] // sql state marker + 5-byte state
	}
	return string(b)
}

// stmtID reads the 4-byte statement id following the command byte.
func stmtID(payload []byte) (uint32, bool) {
	if len(payload) < 5 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(payload[1:5]), true
}

// lengthEncodedInt decodes a protocol length-encoded integer.
func lengthEncodedInt(b []byte) (uint64, int, bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	switch b[0] {
	case 0xfc:
		if len(b) < 3 {
			return 0, 0, false
		}
		return uint64(binary.LittleEndian.Uint16(b[1:3])), 3, true
	case 0xfd:
		if len(b) < 4 {
			return 0, 0, false
		}
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4, true
	case 0xfe:
		if len(b) < 9 {
			return 0, 0, false
		}
		return binary.LittleEndian.Uint64(b[1:9]), 9, true
	case 0xfb, 0xff:
		return 0, 0, false
	default:
		return uint64(b[0]), 1, true
	}
}
