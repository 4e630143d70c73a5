package procmeta

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/procfs"
)

// ErrProcessMismatch means the PID now belongs to a different process lifetime.
var ErrProcessMismatch = errors.New("process start time mismatch")

// readProcess reads metadata for upid's PID and checks it belongs to upid.
func readProcess(fs procfs.FS, upid UPID) (*ProcessMetadata, error) {
	proc, err := fs.Proc(int(upid.PID))
	if err != nil {
		return nil, fmt.Errorf("opening process %s: %w", upid, err)
	}

	stat, err := proc.Stat()
	if err != nil {
		return nil, fmt.Errorf("reading stat for %s: %w", upid, err)
	}
	if stat.Starttime != upid.StartTimeTicks {
		return nil, fmt.Errorf("%s: found start time %d: %w", upid, stat.Starttime, ErrProcessMismatch)
	}

	args, err := proc.CmdLine()
	if err != nil {
		return nil, fmt.Errorf("reading cmdline for %s: %w", upid, err)
	}
	if len(args) == 0 {
		args = nil
	}

	return &ProcessMetadata{
		Comm:           stat.Comm,
		Args:           args,
		CmdlineFull:    strings.Join(args, " "),
		StartTimeTicks: stat.Starttime,
	}, nil
}
