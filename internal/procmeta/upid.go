package procmeta

import (
	"fmt"
	"time"
)

// ClockTicksPerSecond is USER_HZ, the unit of /proc/<pid>/stat start times.
const ClockTicksPerSecond = 100

// UPID identifies one process lifetime.
type UPID struct {
	PID            uint32
	StartTimeTicks uint64
}

// NewUPID returns the UPID for a PID and its start time in clock ticks.
func NewUPID(pid uint32, startTimeTicks uint64) UPID {
	return UPID{PID: pid, StartTimeTicks: startTimeTicks}
}

// FromUint128 decodes the High/Low pair produced by High and Low.
func FromUint128(high, low uint64) UPID {
	//nolint:gosec // upper 32 bits are reserved and always zero
	return UPID{PID: uint32(high), StartTimeTicks: low}
}

// High returns the upper 64 bits of the 128-bit encoding.
// The upper 32 bits are reserved for an agent id and are always zero.
func (u UPID) High() uint64 {
	return uint64(u.PID)
}

// Low returns the lower 64 bits of the 128-bit encoding.
func (u UPID) Low() uint64 {
	return u.StartTimeTicks
}

// IsZero reports whether the UPID is unset.
func (u UPID) IsZero() bool {
	return u.PID == 0 && u.StartTimeTicks == 0
}

// StartTime converts the start ticks to wall-clock time given the boot time.
func (u UPID) StartTime(bootTime time.Time) time.Time {
	//nolint:gosec // tick counts since boot fit in int64
	return bootTime.Add(time.Duration(u.StartTimeTicks) * (time.Second / ClockTicksPerSecond))
}

func (u UPID) String() string {
	return fmt.Sprintf("%d:%d", u.PID, u.StartTimeTicks)
}
