package procmeta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUPID_NonAliasing(t *testing.T) {
	a := NewUPID(123, 1000)
	b := NewUPID(123, 2000)

	assert.NotEqual(t, a, b)
	assert.False(t, a == b)
	assert.Equal(t, a, NewUPID(123, 1000))

	seen := map[UPID]bool{a: true}
	assert.False(t, seen[b], "a recycled PID must not hit the old lifetime's entry")
}

func TestUPID_Uint128RoundTrip(t *testing.T) {
	u := NewUPID(4294967295, 1<<40+17)
	assert.Equal(t, uint64(4294967295), u.High())
	assert.Equal(t, uint64(1<<40+17), u.Low())
	assert.Equal(t, u, FromUint128(u.High(), u.Low()))
}

func TestUPID_StartTime(t *testing.T) {
	boot := time.Unix(1000, 0)
	u := NewUPID(1, 250)
	assert.Equal(t, boot.Add(2500*time.Millisecond), u.StartTime(boot))
}

func TestUPID_String(t *testing.T) {
	assert.Equal(t, "12:345", NewUPID(12, 345).String())
	assert.True(t, UPID{}.IsZero())
	assert.False(t, NewUPID(1, 0).IsZero())
}
