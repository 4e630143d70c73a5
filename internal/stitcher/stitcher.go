// Package stitcher pairs requests with responses in arrival order.
package stitcher

import (
	"github.com/mrzor/socket-tracer/internal/protocols"
)

// Pair is a matched request and response. Req is nil for a response-only pair
// and Resp is nil for a request-only pair.
type Pair struct {
	Req  protocols.Frame
	Resp protocols.Frame
}

// Options controls orphan handling.
type Options struct {
	Now         uint64
	Final       bool
	OrphanGrace uint64
}

// Ordered pairs the Nth response with the Nth unpaired request, consuming from
// the front of both queues.
//
// A response is emitted alone when the head request is newer than it (its
// request was missed), or when no request is queued and it has waited
// OrphanGrace or the connection is final. On a final call every remaining
// request is emitted alone.
func Ordered(reqs, resps *[]protocols.Frame, opts Options) []Pair {
	rq, rs := *reqs, *resps
	var out []Pair

	for len(rs) > 0 {
		resp := rs[0]
		if len(rq) > 0 {
			if rq[0].Timestamp() <= resp.Timestamp() {
				out = append(out, Pair{Req: rq[0], Resp: resp})
				rq = rq[1:]
			} else {
				out = append(out, Pair{Resp: resp})
			}
			rs = rs[1:]
			continue
		}
		if !opts.Final && opts.Now < resp.Timestamp()+opts.OrphanGrace {
			break
		}
		out = append(out, Pair{Resp: resp})
		rs = rs[1:]
	}

	if opts.Final {
		for _, req := range rq {
			out = append(out, Pair{Req: req})
		}
		rq = nil
	}

	*reqs = shrink(rq)
	*resps = shrink(rs)
	return out
}

// shrink releases the backing array once a queue drains.
func shrink(q []protocols.Frame) []protocols.Frame {
	if len(q) == 0 {
		return nil
	}
	return q
}
