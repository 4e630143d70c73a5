package stitcher

import (
	"testing"

	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	protocols.FrameBase
	name string
}

func f(name string, ts uint64) protocols.Frame {
	return &frame{FrameBase: protocols.FrameBase{TimestampNS: ts}, name: name}
}

func names(pairs []Pair) [][2]string {
	out := make([][2]string, 0, len(pairs))
	for _, p := range pairs {
		var n [2]string
		if p.Req != nil {
			n[0] = p.Req.(*frame).name
		}
		if p.Resp != nil {
			n[1] = p.Resp.(*frame).name
		}
		out = append(out, n)
	}
	return out
}

func TestOrdered_PairsInOrder(t *testing.T) {
	reqs := []protocols.Frame{f("R1", 1), f("R2", 2)}
	resps := []protocols.Frame{f("P1", 3), f("P2", 4)}

	pairs := Ordered(&reqs, &resps, Options{Now: 5})

	assert.Equal(t, [][2]string{{"R1", "P1"}, {"R2", "P2"}}, names(pairs))
	assert.Nil(t, reqs)
	assert.Nil(t, resps)
}

func TestOrdered_WaitsForResponse(t *testing.T) {
	reqs := []protocols.Frame{f("R1", 1), f("R2", 2)}
	resps := []protocols.Frame{f("P1", 3)}

	pairs := Ordered(&reqs, &resps, Options{Now: 100, OrphanGrace: 10})
	assert.Equal(t, [][2]string{{"R1", "P1"}}, names(pairs))
	require.Len(t, reqs, 1)

	resps = append(resps, f("P2", 101))
	pairs = Ordered(&reqs, &resps, Options{Now: 102, OrphanGrace: 10})
	assert.Equal(t, [][2]string{{"R2", "P2"}}, names(pairs))
}

func TestOrdered_ResponseWithoutRequest(t *testing.T) {
	reqs := []protocols.Frame{}
	resps := []protocols.Frame{f("P1", 50)}

	pairs := Ordered(&reqs, &resps, Options{Now: 55, OrphanGrace: 10})
	assert.Empty(t, pairs, "young orphan waits for a late request")
	require.Len(t, resps, 1)

	pairs = Ordered(&reqs, &resps, Options{Now: 60, OrphanGrace: 10})
	assert.Equal(t, [][2]string{{"", "P1"}}, names(pairs))
}

func TestOrdered_MissedRequest(t *testing.T) {
	// R2 was seen after P1, so P1's request was lost.
	reqs := []protocols.Frame{f("R2", 10)}
	resps := []protocols.Frame{f("P1", 5), f("P2", 11)}

	pairs := Ordered(&reqs, &resps, Options{Now: 12, OrphanGrace: 1000})
	assert.Equal(t, [][2]string{{"", "P1"}, {"R2", "P2"}}, names(pairs))
}

func TestOrdered_FinalFlushesRequests(t *testing.T) {
	reqs := []protocols.Frame{f("R1", 1), f("R2", 2)}
	resps := []protocols.Frame{f("P1", 3)}

	pairs := Ordered(&reqs, &resps, Options{Now: 4, Final: true})
	assert.Equal(t, [][2]string{{"R1", "P1"}, {"R2", ""}}, names(pairs))
	assert.Nil(t, reqs)
}
