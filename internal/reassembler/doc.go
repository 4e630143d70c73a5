// Package reassembler rebuilds one direction of a socket byte stream from
// position-tagged fragments.
//
// Bytes at the expected offset are appended to a contiguous head buffer that the
// protocol parser consumes. Fragments beyond the expected offset wait in a sorted,
// non-overlapping holding set until the gap before them is filled:
//
//	position:  0          next           f1.pos    f2.pos
//	           ├── head ──┤   (gap)      ├── f1 ──┤ ├── f2 ──┤
//	           headPos
//
// When the holding set exceeds its bounds the stream gives up on the gap: the
// incomplete head is dropped, the stream jumps to the first held fragment and
// ResyncRequired is set so the parser looks for the next message boundary.
package reassembler
