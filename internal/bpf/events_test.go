package bpf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSizes(t *testing.T) {
	assert.Equal(t, 56, SocketDataEventAttrSize)
	assert.Equal(t, 96, SocketControlEventSize)
}

func TestDecodeDataEvent(t *testing.T) {
	attr := SocketDataEventAttr{
		TimestampNS: 123456789,
		ConnID:      ConnID{Pid: 42, Fd: 7, TsID: 9999, Generation: 3},
		Direction:   1,
		Syscall:     2,
		Position:    4096,
		MsgSize:     5,
	}
	raw := EncodeDataEvent(attr, []byte("hello"))
	require.Len(t, raw, SocketDataEventAttrSize+5)

	ev, err := DecodeDataEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), ev.Attr.ConnID.Pid)
	assert.Equal(t, int32(7), ev.Attr.ConnID.Fd)
	assert.Equal(t, uint64(9999), ev.Attr.ConnID.TsID)
	assert.Equal(t, uint64(4096), ev.Attr.Position)
	assert.Equal(t, uint32(5), ev.Attr.BufSize)
	assert.Equal(t, "hello", string(ev.Msg))
}

func TestDecodeDataEvent_TrailingBytesIgnored(t *testing.T) {
	raw := EncodeDataEvent(SocketDataEventAttr{}, []byte("abc"))
	raw = append(raw, 0, 0, 0, 0)

	ev, err := DecodeDataEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(ev.Msg))
}

func TestDecodeDataEvent_Errors(t *testing.T) {
	_, err := DecodeDataEvent(make([]byte, 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header needs 56")

	raw := EncodeDataEvent(SocketDataEventAttr{}, []byte("abcdef"))
	_, err = DecodeDataEvent(raw[:len(raw)-2])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares 6 bytes, carries 4")
}

func TestDecodeControlEvent(t *testing.T) {
	in := SocketControlEvent{
		Type:        CONN_OPEN,
		Role:        1,
		TimestampNS: 77,
		ConnID:      ConnID{Pid: 1, Fd: 3, TsID: 5, Generation: 1},
		Family:      AF_INET,
		RemotePort:  3306,
		RemoteAddr:  [16]byte{10, 0, 0, 1},
	}
	ev, err := DecodeControlEvent(EncodeControlEvent(in))
	require.NoError(t, err)
	assert.Equal(t, in, *ev)

	_, err = DecodeControlEvent(make([]byte, 40))
	require.Error(t, err)
}
