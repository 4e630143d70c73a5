package reassembler

import (
	"slices"
	"sort"
)

// compactThreshold is the head capacity above which consumed space is reclaimed.
const compactThreshold = 64 * 1024

// Config bounds the memory held by one Stream. Zero disables a bound.
type Config struct {
	MaxPendingBytes     int // Bytes held out of order
	MaxPendingFragments int // Fragments held out of order
	MaxBufferBytes      int // Contiguous bytes not yet consumed by the parser
}

// AddResult describes what Add did with a fragment.
type AddResult uint8

const (
	// Appended means the fragment extended the contiguous head.
	Appended AddResult = iota
	// Held means the fragment is waiting for a gap to be filled.
	Held
	// Duplicate means every byte had already been seen.
	Duplicate
)

// Stats counts bytes through a Stream.
type Stats struct {
	BytesAppended  uint64
	DuplicateBytes uint64
	DroppedBytes   uint64 // Received bytes thrown away by overflow or resync
	SkippedBytes   uint64 // Gap bytes never received
	Overflows      uint64
}

type fragment struct {
	pos  uint64
	data []byte
	ts   uint64
}

func (f fragment) end() uint64 {
	return f.pos + uint64(len(f.data))
}

// mark records the event timestamp of the bytes starting at pos.
type mark struct {
	pos uint64
	ts  uint64
}

// Stream reassembles one direction of a connection. It is not safe for
// concurrent use; the owning tracker serializes access.
type Stream struct {
	cfg Config

	head    []byte
	headPos uint64
	marks   []mark

	pending      []fragment
	pendingBytes int

	resync bool
	stats  Stats
}

// New creates an empty stream expecting position 0 next.
func New(cfg Config) *Stream {
	return &Stream{cfg: cfg}
}

// Add inserts data that starts at stream offset pos and was observed at ts.
func (s *Stream) Add(pos uint64, data []byte, ts uint64) AddResult {
	if len(data) == 0 {
		return Duplicate
	}

	next := s.NextPosition()
	end := pos + uint64(len(data))
	if end <= next {
		s.stats.DuplicateBytes += uint64(len(data))
		return Duplicate
	}
	if pos < next {
		trim := next - pos
		s.stats.DuplicateBytes += trim
		data = data[trim:]
		pos = next
	}

	if pos == next {
		s.append(pos, data, ts)
		s.mergePending()
		s.enforceHeadBound()
		return Appended
	}

	if !s.hold(pos, data, ts) {
		return Duplicate
	}
	s.enforcePendingBound()
	return Held
}

// Head returns the contiguous bytes not yet consumed. The slice is only valid
// until the next call that mutates the stream.
func (s *Stream) Head() []byte {
	return s.head
}

// HeadPosition is the stream offset of Head()[0].
func (s *Stream) HeadPosition() uint64 {
	return s.headPos
}

// NextPosition is the offset the stream expects next.
func (s *Stream) NextPosition() uint64 {
	return s.headPos + uint64(len(s.head))
}

// Consume drops the first n bytes of the head.
func (s *Stream) Consume(n int) {
	if n <= 0 {
		return
	}
	if n > len(s.head) {
		n = len(s.head)
	}
	s.head = s.head[n:]
	s.headPos += uint64(n)

	// Keep the mark covering headPos.
	i := sort.Search(len(s.marks), func(i int) bool { return s.marks[i].pos > s.headPos })
	if i > 0 {
		s.marks = s.marks[i-1:]
	}

	switch {
	case len(s.head) == 0:
		s.head = nil
		s.marks = s.marks[:0]
	case cap(s.head) > compactThreshold && cap(s.head) > 4*len(s.head):
		s.head = slices.Clone(s.head)
	}
}

// TimestampAt returns the timestamp of the event that delivered the byte at pos.
func (s *Stream) TimestampAt(pos uint64) uint64 {
	i := sort.Search(len(s.marks), func(i int) bool { return s.marks[i].pos > pos })
	if i == 0 {
		if len(s.marks) > 0 {
			return s.marks[0].ts
		}
		return 0
	}
	return s.marks[i-1].ts
}

// ResyncRequired reports whether bytes were lost since the last ClearResync.
func (s *Stream) ResyncRequired() bool {
	return s.resync
}

// ClearResync acknowledges that the parser realigned on a message boundary.
func (s *Stream) ClearResync() {
	s.resync = false
}

// HasGap reports whether fragments are waiting for missing bytes.
func (s *Stream) HasGap() bool {
	return len(s.pending) > 0
}

// PendingBytes is the number of bytes held out of order.
func (s *Stream) PendingBytes() int {
	return s.pendingBytes
}

// PendingFragments is the number of fragments held out of order.
func (s *Stream) PendingFragments() int {
	return len(s.pending)
}

// OldestPendingTimestamp is the earliest arrival time among held fragments.
func (s *Stream) OldestPendingTimestamp() uint64 {
	var oldest uint64
	for i, f := range s.pending {
		if i == 0 || f.ts < oldest {
			oldest = f.ts
		}
	}
	return oldest
}

// SkipGap gives up on the current gap and jumps to the first held fragment.
// It reports whether there was a gap to skip.
func (s *Stream) SkipGap() bool {
	if len(s.pending) == 0 {
		return false
	}
	s.skipToPending()
	s.enforceHeadBound()
	return true
}

// Discard drops everything buffered and moves past the highest offset seen.
func (s *Stream) Discard() int {
	dropped := len(s.head) + s.pendingBytes
	next := s.NextPosition()
	if n := len(s.pending); n > 0 {
		next = s.pending[n-1].end()
	}

	s.stats.DroppedBytes += uint64(dropped)
	s.head = nil
	s.marks = nil
	s.pending = nil
	s.pendingBytes = 0
	s.headPos = next
	s.resync = false
	return dropped
}

// Stats returns the byte counters.
func (s *Stream) Stats() Stats {
	return s.stats
}

func (s *Stream) append(pos uint64, data []byte, ts uint64) {
	if n := len(s.marks); n == 0 || s.marks[n-1].ts != ts {
		s.marks = append(s.marks, mark{pos: pos, ts: ts})
	}
	s.head = append(s.head, data...)
	s.stats.BytesAppended += uint64(len(data))
}

// hold stores the parts of [pos, pos+len(data)) not already held.
func (s *Stream) hold(pos uint64, data []byte, ts uint64) bool {
	end := pos + uint64(len(data))
	var pieces []fragment

	cur := pos
	i := sort.Search(len(s.pending), func(i int) bool { return s.pending[i].end() > pos })
	for ; i < len(s.pending) && cur < end; i++ {
		f := s.pending[i]
		if f.pos >= end {
			break
		}
		if f.pos > cur {
			pieces = append(pieces, fragment{pos: cur, data: slices.Clone(data[cur-pos : f.pos-pos]), ts: ts})
		}
		if f.end() > cur {
			cur = f.end()
		}
	}
	if cur < end {
		pieces = append(pieces, fragment{pos: cur, data: slices.Clone(data[cur-pos:]), ts: ts})
	}

	kept := 0
	for _, p := range pieces {
		j := sort.Search(len(s.pending), func(j int) bool { return s.pending[j].pos > p.pos })
		s.pending = slices.Insert(s.pending, j, p)
		kept += len(p.data)
	}
	s.pendingBytes += kept
	s.stats.DuplicateBytes += uint64(len(data) - kept)
	return kept > 0
}

// mergePending moves held fragments that became contiguous into the head.
func (s *Stream) mergePending() {
	for len(s.pending) > 0 {
		f := s.pending[0]
		next := s.NextPosition()
		if f.pos > next {
			return
		}
		s.pending = s.pending[1:]
		s.pendingBytes -= len(f.data)
		if f.end() <= next {
			s.stats.DuplicateBytes += uint64(len(f.data))
			continue
		}
		s.append(next, f.data[next-f.pos:], f.ts)
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
}

func (s *Stream) enforcePendingBound() {
	for s.pendingOverBound() {
		s.stats.Overflows++
		s.skipToPending()
	}
}

func (s *Stream) pendingOverBound() bool {
	if len(s.pending) == 0 {
		return false
	}
	if s.cfg.MaxPendingBytes > 0 && s.pendingBytes > s.cfg.MaxPendingBytes {
		return true
	}
	return s.cfg.MaxPendingFragments > 0 && len(s.pending) > s.cfg.MaxPendingFragments
}

// skipToPending drops the incomplete head, which can no longer complete, and
// restarts the stream at the first held fragment.
func (s *Stream) skipToPending() {
	first := s.pending[0]
	s.stats.DroppedBytes += uint64(len(s.head))
	s.stats.SkippedBytes += first.pos - s.NextPosition()

	s.head = nil
	s.marks = s.marks[:0]
	s.headPos = first.pos
	s.resync = true
	s.mergePending()
}

func (s *Stream) enforceHeadBound() {
	if s.cfg.MaxBufferBytes <= 0 || len(s.head) <= s.cfg.MaxBufferBytes {
		return
	}
	excess := len(s.head) - s.cfg.MaxBufferBytes
	s.stats.DroppedBytes += uint64(excess)
	s.stats.Overflows++
	s.resync = true
	s.Consume(excess)
}
