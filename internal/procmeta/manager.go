package procmeta

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/procfs"
)

// DefaultProcRoot is where process information is read from.
const DefaultProcRoot = "/proc"

// Manager caches process metadata per process lifetime.
// It provides command-query separation for metadata access.
type Manager struct {
	fs     procfs.FS
	cache  *expirable.LRU[UPID, *ProcessMetadata]
	misses *expirable.LRU[UPID, error] // negative cache so dead processes are not re-read per record
}

// NewManager creates a metadata manager holding at most size entries for ttl.
// procRoot must be an existing directory laid out like /proc.
func NewManager(procRoot string, size int, ttl time.Duration) (*Manager, error) {
	if procRoot == "" {
		procRoot = DefaultProcRoot
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", procRoot, err)
	}
	return &Manager{
		fs:     fs,
		cache:  expirable.NewLRU[UPID, *ProcessMetadata](size, nil, ttl),
		misses: expirable.NewLRU[UPID, error](size, nil, ttl),
	}, nil
}

// Get returns metadata for upid, resolving it from /proc on a cache miss (query).
// A PID that now belongs to another process yields ErrProcessMismatch.
func (m *Manager) Get(upid UPID) (*ProcessMetadata, error) {
	if md, ok := m.cache.Get(upid); ok {
		return md, nil
	}
	if err, ok := m.misses.Get(upid); ok {
		return nil, err
	}

	md, err := readProcess(m.fs, upid)
	if err != nil {
		m.misses.Add(upid, err)
		return nil, err
	}
	m.cache.Add(upid, md)
	return md, nil
}

// Peek returns cached metadata without touching /proc (query).
func (m *Manager) Peek(upid UPID) *ProcessMetadata {
	md, _ := m.cache.Peek(upid)
	return md
}

// Set stores metadata for upid (command).
func (m *Manager) Set(upid UPID, metadata *ProcessMetadata) {
	m.misses.Remove(upid)
	m.cache.Add(upid, metadata)
}

// Delete forgets upid (command).
func (m *Manager) Delete(upid UPID) {
	m.cache.Remove(upid)
	m.misses.Remove(upid)
}

// Len returns the number of cached entries.
func (m *Manager) Len() int {
	return m.cache.Len()
}
