// Package bpfloader manages the lifecycle of the socket probe and its kernel attachments.
package bpfloader

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/mrzor/socket-tracer/internal/bpf"
)

// Loader manages the lifecycle of the probe programs and their attachments.
type Loader struct {
	objs      bpf.SocketTraceObjects
	enterLink link.Link
	exitLink  link.Link
}

// New loads the compiled probe at objectPath into the kernel.
func New(objectPath string) (*Loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	l := &Loader{}
	if err := bpf.LoadSocketTraceObjects(objectPath, &l.objs, nil); err != nil {
		return nil, fmt.Errorf("loading BPF objects from %s: %w", objectPath, err)
	}
	return l, nil
}

// closeErrorf closes the links attached so far and returns a formatted error.
func (l *Loader) closeErrorf(errstr string, e error) error {
	if l.exitLink != nil {
		_ = l.exitLink.Close() //nolint:errcheck // Best-effort cleanup in error path
		l.exitLink = nil
	}
	if l.enterLink != nil {
		_ = l.enterLink.Close() //nolint:errcheck // Best-effort cleanup in error path
		l.enterLink = nil
	}
	return fmt.Errorf("%s: %w", errstr, e)
}

// Attach attaches the probe to the raw syscall tracepoints. The programs
// filter socket syscalls themselves.
func (l *Loader) Attach() error {
	var err error

	l.enterLink, err = link.Tracepoint("raw_syscalls", "sys_enter", l.objs.SysEnter, nil)
	if err != nil {
		return l.closeErrorf("attaching sys_enter tracepoint", err)
	}

	l.exitLink, err = link.Tracepoint("raw_syscalls", "sys_exit", l.objs.SysExit, nil)
	if err != nil {
		return l.closeErrorf("attaching sys_exit tracepoint", err)
	}

	return nil
}

// OpenDataRingBuffer opens a reader on the data event ring buffer.
func (l *Loader) OpenDataRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.objs.DataEvents)
	if err != nil {
		return nil, fmt.Errorf("opening data ring buffer: %w", err)
	}
	return rd, nil
}

// OpenControlRingBuffer opens a reader on the connection event ring buffer.
func (l *Loader) OpenControlRingBuffer() (*ringbuf.Reader, error) {
	rd, err := ringbuf.NewReader(l.objs.ControlEvents)
	if err != nil {
		return nil, fmt.Errorf("opening control ring buffer: %w", err)
	}
	return rd, nil
}

// IgnorePID stops the probe from reporting the sockets of pid. The daemon
// ignores itself so its own exporter traffic is not traced.
func (l *Loader) IgnorePID(pid int) error {
	//nolint:gosec // int to uint32 conversion required for BPF map key type
	pidKey := uint32(pid)
	val := uint8(1)
	if err := l.objs.IgnoredPIDs.Put(&pidKey, &val); err != nil {
		return fmt.Errorf("adding PID %d to ignored map: %w", pid, err)
	}
	return nil
}

// Close releases all BPF resources including links and loaded objects.
func (l *Loader) Close() error {
	var errs []error

	if l.exitLink != nil {
		if err := l.exitLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sys_exit link: %w", err))
		}
	}

	if l.enterLink != nil {
		if err := l.enterLink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sys_enter link: %w", err))
		}
	}

	if err := l.objs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing BPF objects: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during cleanup: %w", errors.Join(errs...))
	}

	return nil
}
