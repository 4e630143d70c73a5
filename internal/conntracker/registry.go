package conntracker

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/socket"
	"github.com/mrzor/socket-tracer/internal/telemetry"
)

type shard struct {
	mu       sync.Mutex
	trackers map[socket.ConnID]*Tracker
}

// Registry owns every live Tracker. Route, TransferRecords and
// CollectGarbage may be called concurrently.
type Registry struct {
	opts   *Options
	logger *zap.Logger
	shards []*shard

	backlogMu  sync.Mutex
	backlog    map[protocols.Protocol][]protocols.Record
	maxBacklog int
}

// NewRegistry creates a registry from the daemon configuration.
func NewRegistry(cfg *config.Config, table *protocols.Table, wallClock func(uint64) int64, logger *zap.Logger, metrics *telemetry.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("conntracker")

	n := max(cfg.Registry.Shards, 1)
	r := &Registry{
		opts: &Options{
			Tracker:   cfg.Tracker,
			Protocols: cfg.Protocols,
			Table:     table,
			WallClock: wallClock,
			Logger:    logger,
			Metrics:   metrics,
		},
		logger:     logger,
		shards:     make([]*shard, n),
		backlog:    make(map[protocols.Protocol][]protocols.Record),
		maxBacklog: cfg.Registry.MaxBacklogRecords,
	}
	for i := range r.shards {
		r.shards[i] = &shard{trackers: make(map[socket.ConnID]*Tracker)}
	}
	return r
}

func (r *Registry) shardFor(id socket.ConnID) *shard {
	var key [20]byte
	binary.LittleEndian.PutUint32(key[0:4], id.UPID.PID)
	binary.LittleEndian.PutUint64(key[4:12], id.UPID.StartTimeTicks)
	binary.LittleEndian.PutUint32(key[12:16], uint32(id.FD))
	binary.LittleEndian.PutUint32(key[16:20], id.Generation)
	return r.shards[xxhash.Sum64(key[:])%uint64(len(r.shards))]
}

// Route hands ev to its connection's tracker, creating the tracker on the
// first data or open event. A close for an unknown connection is ignored.
func (r *Registry) Route(ev socket.Event) error {
	sh := r.shardFor(ev.ConnID())
	sh.mu.Lock()
	defer sh.mu.Unlock()

	tr := sh.trackers[ev.ConnID()]
	switch e := ev.(type) {
	case *socket.DataEvent:
		if tr == nil {
			tr = r.create(sh, e.Conn)
		}
		tr.AddDataEvent(e)
	case *socket.ConnEvent:
		if tr == nil {
			if e.Kind == socket.ConnClose {
				return nil
			}
			tr = r.create(sh, e.Conn)
		}
		tr.AddConnEvent(e)
	default:
		return fmt.Errorf("routing %T: unsupported event type", ev)
	}
	return nil
}

func (r *Registry) create(sh *shard, id socket.ConnID) *Tracker {
	tr := NewTracker(id, r.opts)
	sh.trackers[id] = tr
	return tr
}

// TransferRecords returns the records of every connection speaking p,
// including those parked when their trackers were collected.
func (r *Registry) TransferRecords(p protocols.Protocol, now uint64) []protocols.Record {
	out := r.takeBacklog(p)
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, tr := range sh.trackers {
			tr.Advance(now)
			if tr.Protocol() == p {
				out = append(out, tr.Transfer(now)...)
			}
		}
		sh.mu.Unlock()
	}
	r.opts.Metrics.Stitched(p.String(), len(out))
	return out
}

// CollectGarbage removes trackers that are closed and drained or idle past
// their inactivity timeout, and returns how many were removed. Records a
// removed tracker still held are parked for the next TransferRecords.
func (r *Registry) CollectGarbage(now uint64) int {
	removed, live := 0, 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, tr := range sh.trackers {
			tr.Advance(now)
			if !tr.ReadyForGC(now) {
				continue
			}
			if recs := tr.Flush(now); len(recs) > 0 {
				r.park(tr.Protocol(), recs)
			}
			delete(sh.trackers, id)
			removed++
		}
		live += len(sh.trackers)
		sh.mu.Unlock()
	}
	r.opts.Metrics.Evicted(removed)
	r.opts.Metrics.SetTrackers(live)
	if removed > 0 {
		r.logger.Debug("collected trackers", zap.Int("removed", removed), zap.Int("live", live))
	}
	return removed
}

// Len returns the number of live trackers.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.trackers)
		sh.mu.Unlock()
	}
	return n
}

// Lookup calls fn with the tracker for id while holding its shard lock.
func (r *Registry) Lookup(id socket.ConnID, fn func(*Tracker)) bool {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	tr, ok := sh.trackers[id]
	if ok {
		fn(tr)
	}
	return ok
}

// park appends to p's backlog, dropping the oldest records past the bound.
func (r *Registry) park(p protocols.Protocol, recs []protocols.Record) {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()

	q := append(r.backlog[p], recs...)
	if over := len(q) - r.maxBacklog; over > 0 {
		q = append([]protocols.Record(nil), q[over:]...)
		r.opts.Metrics.Dropped("backlog", over)
		r.logger.Warn("record backlog full, dropping oldest",
			zap.Stringer("protocol", p), zap.Int("dropped", over))
	}
	r.backlog[p] = q
}

func (r *Registry) takeBacklog(p protocols.Protocol) []protocols.Record {
	r.backlogMu.Lock()
	defer r.backlogMu.Unlock()
	q := r.backlog[p]
	delete(r.backlog, p)
	return q
}
