package timesync

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Clock supplies the current time in the monotonic domain used by events.
type Clock interface {
	MonotonicNow() uint64
}

// Converter handles conversion from monotonic timestamps to wall-clock time.
type Converter struct {
	bootTime time.Time
}

// NewConverter creates a new time converter.
// The boot time is derived from CLOCK_REALTIME minus CLOCK_MONOTONIC. If the
// clocks cannot be read it falls back to btime in /proc/stat.
func NewConverter() (*Converter, error) {
	bootTime, err := clockBootTime()
	if err != nil {
		bootTime, err = procBootTime(procfs.DefaultMountPoint)
		if err != nil {
			return nil, fmt.Errorf("determining boot time: %w", err)
		}
	}

	return &Converter{
		bootTime: bootTime,
	}, nil
}

// NewConverterAt creates a converter with a fixed boot time.
func NewConverterAt(bootTime time.Time) *Converter {
	return &Converter{bootTime: bootTime}
}

// MonotonicToWallClock converts a monotonic timestamp (nanoseconds since boot) to wall-clock time.
func (c *Converter) MonotonicToWallClock(monotonicNanos uint64) time.Time {
	//nolint:gosec // uint64 to int64 conversion for time.Duration is safe for reasonable timestamps
	return c.bootTime.Add(time.Duration(monotonicNanos))
}

// WallClockNanos converts a monotonic timestamp to Unix nanoseconds.
func (c *Converter) WallClockNanos(monotonicNanos uint64) int64 {
	return c.MonotonicToWallClock(monotonicNanos).UnixNano()
}

// MonotonicNow returns CLOCK_MONOTONIC in nanoseconds, the clock behind the
// probe's event timestamps.
func (c *Converter) MonotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Fall back to the boot offset.
		//nolint:gosec // time since boot is positive
		return uint64(time.Since(c.bootTime))
	}
	//nolint:gosec // monotonic clock is never negative
	return uint64(ts.Nano())
}

// BootTime returns the system boot time used for conversions.
func (c *Converter) BootTime() time.Time {
	return c.bootTime
}

// clockBootTime samples both clocks back to back.
func clockBootTime() (time.Time, error) {
	var mono, wall unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return time.Time{}, fmt.Errorf("reading CLOCK_MONOTONIC: %w", err)
	}
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &wall); err != nil {
		return time.Time{}, fmt.Errorf("reading CLOCK_REALTIME: %w", err)
	}
	return time.Unix(0, wall.Nano()-mono.Nano()), nil
}

// procBootTime reads btime from <procRoot>/stat. btime has second
// resolution only.
func procBootTime(procRoot string) (time.Time, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return time.Time{}, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading %s/stat: %w", procRoot, err)
	}
	if stat.BootTime == 0 {
		return time.Time{}, errors.New("btime not found in stat")
	}
	//nolint:gosec // boot time in seconds fits in int64
	return time.Unix(int64(stat.BootTime), 0), nil
}
