// Package timesync keeps every event timestamp in one clock domain.
//
// Probe events carry CLOCK_MONOTONIC nanoseconds (bpf_ktime_get_ns). The
// Converter reads the same clock for "now" and maps monotonic timestamps to
// wall-clock time using the boot offset measured at startup, falling back to
// /proc/stat btime when the clocks cannot be read.
package timesync
