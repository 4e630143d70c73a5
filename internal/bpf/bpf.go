// Package bpf describes the socket probe's kernel-side objects and the raw
// records it writes to its ring buffers.
package bpf

import (
	"errors"

	"github.com/cilium/ebpf"
)

// Object names inside the compiled probe.
const (
	ProgSysEnter = "socket_trace_sys_enter"
	ProgSysExit  = "socket_trace_sys_exit"

	MapDataEvents    = "socket_data_events"
	MapControlEvents = "socket_control_events"
	MapIgnoredPIDs   = "ignored_pids"
)

// SocketTracePrograms are the probe programs, attached to raw syscall
// tracepoints.
type SocketTracePrograms struct {
	SysEnter *ebpf.Program `ebpf:"socket_trace_sys_enter"`
	SysExit  *ebpf.Program `ebpf:"socket_trace_sys_exit"`
}

// SocketTraceMaps are the probe maps.
type SocketTraceMaps struct {
	DataEvents    *ebpf.Map `ebpf:"socket_data_events"`
	ControlEvents *ebpf.Map `ebpf:"socket_control_events"`
	IgnoredPIDs   *ebpf.Map `ebpf:"ignored_pids"`
}

// SocketTraceObjects is everything LoadSocketTraceObjects assigns.
type SocketTraceObjects struct {
	SocketTracePrograms
	SocketTraceMaps
}

// Close releases the programs and maps.
func (o *SocketTraceObjects) Close() error {
	return errors.Join(
		o.SysEnter.Close(),
		o.SysExit.Close(),
		o.DataEvents.Close(),
		o.ControlEvents.Close(),
		o.IgnoredPIDs.Close(),
	)
}

// LoadSocketTraceObjects loads the compiled probe at path into the kernel.
func LoadSocketTraceObjects(path string, obj *SocketTraceObjects, opts *ebpf.CollectionOptions) error {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return err
	}
	return spec.LoadAndAssign(obj, opts)
}
