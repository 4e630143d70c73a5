package conntracker

import (
	"math/rand"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/socket-tracer/internal/config"
	"github.com/mrzor/socket-tracer/internal/protocols"
	"github.com/mrzor/socket-tracer/internal/protocols/http"
	"github.com/mrzor/socket-tracer/internal/socket"
)

func TestTracker_InfersHTTPClient(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, httpReq))
	assert.Equal(t, StateTracking, tr.State())
	assert.Equal(t, protocols.HTTP, tr.Protocol())
	assert.Equal(t, socket.RoleClient, tr.Role())
	assert.Equal(t, 1, tr.PendingFrames())

	tr.AddDataEvent(f.ingress(200, httpResp))
	records := tr.Transfer(300)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(200), records[0].TimestampNS)
	assert.Equal(t, int64(100), records[0].LatencyNS)
	assert.Equal(t, 0, tr.PendingFrames())
}

func TestTracker_InfersServerFromIngressRequest(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.ingress(100, httpReq))
	tr.AddDataEvent(f.egress(150, httpResp))

	assert.Equal(t, socket.RoleServer, tr.Role())
	records := tr.Transfer(200)
	require.Len(t, records, 1)
	assert.Equal(t, "/index.html", records[0].Values[http.ColPath])
	assert.Equal(t, int64(socket.RoleServer), records[0].Values[http.ColTraceRole])
}

func TestTracker_InferenceNeedsBothDirectionsRejected(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, "This is not an HTTP message"))
	assert.Equal(t, StateInferring, tr.State(), "one rejected direction is not enough")

	tr.AddDataEvent(f.ingress(110, "Neither is this one, really"))
	assert.Equal(t, StateDisabled, tr.State())
	assert.Equal(t, ReasonInferenceFailed, tr.Reason())
	require.ErrorIs(t, tr.Err(), ErrProtocolInferenceFailed)

	tr.AddDataEvent(f.egress(120, httpReq))
	assert.Equal(t, StateDisabled, tr.State(), "inference never restarts")
	assert.Empty(t, tr.Transfer(200))
	assert.Equal(t, uint64(2*27+len(httpReq)), tr.Stats().DiscardedBytes)
}

func TestTracker_InferenceBudget(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) { c.Tracker.InferenceBudgetBytes = 16 })
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, "This is not an HTTP message"))
	assert.Equal(t, StateDisabled, tr.State())
	assert.Equal(t, ReasonInferenceBudget, tr.Reason())
}

func TestTracker_RoleFilter(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) { c.Protocols.HTTP.Roles = config.RolesServer })
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, httpReq))
	assert.Equal(t, StateDisabled, tr.State())
	assert.Equal(t, ReasonRoleFiltered, tr.Reason())
	assert.Equal(t, protocols.HTTP, tr.Protocol())
}

func TestTracker_DisabledProtocolIsNotInferred(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) { c.Protocols.HTTP.Enabled = false })
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, httpReq))
	tr.AddDataEvent(f.ingress(110, httpResp))
	assert.Equal(t, StateDisabled, tr.State())
	assert.Equal(t, ReasonInferenceFailed, tr.Reason())
}

func TestTracker_ResyncCeiling(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) { c.Tracker.MaxResyncAttempts = 2 })
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, "\x09\x00\x00\x00\x03SELECT 1"))
	require.Equal(t, protocols.MySQL, tr.Protocol())

	bad := "\x02\x00\x00\x00\x7f\x00"
	tr.AddDataEvent(f.egress(110, bad))
	tr.AddDataEvent(f.egress(120, bad))
	assert.Equal(t, StateTracking, tr.State())
	assert.Equal(t, uint64(2), tr.Stats().Resyncs)

	tr.AddDataEvent(f.egress(130, bad))
	assert.Equal(t, StateDisabled, tr.State())
	assert.Equal(t, ReasonResyncCeiling, tr.Reason())
	require.ErrorIs(t, tr.Err(), ErrProtocolInferenceFailed)
}

func TestTracker_ResyncSkipsToNextRequest(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, httpReq))
	tr.AddDataEvent(f.ingress(150, httpResp))
	tr.AddDataEvent(f.egress(200, "garbage\r\n\r\n"+httpReq))
	tr.AddDataEvent(f.ingress(250, httpResp))

	records := tr.Transfer(300)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), tr.Stats().Resyncs)
	assert.Equal(t, uint64(len("garbage\r\n\r\n")), tr.Stats().DiscardedBytes)
}

func TestTracker_ScatterGatherResponse(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())
	tr.AddDataEvent(f.egress(100, httpReq))

	// Three fragments of one response, the last one arriving first.
	first := f.ingress(200, httpResp[:20])
	second := f.ingress(210, httpResp[20:50])
	third := f.ingress(220, httpResp[50:])
	tr.AddDataEvent(third)
	tr.AddDataEvent(first)
	assert.Empty(t, tr.Transfer(230))
	tr.AddDataEvent(second)

	records := tr.Transfer(240)
	require.Len(t, records, 1)
	assert.Equal(t, int64(100), records[0].LatencyNS, "response time is its first byte")
	assert.Equal(t, int64(http.ContentTypeJSON), records[0].Values[http.ColContentType])
	assert.Equal(t, "{\"status\":\"ok\"}\n", records[0].Values[http.ColResponseBody])
}

func TestTracker_PermutationEquivalence(t *testing.T) {
	reqs := httpReq + strings.Replace(httpReq, "/index.html", "/second", 1)
	resps := httpResp + strings.Replace(httpResp, "200 OK", "201 Created", 1)

	run := func(order []int) []protocols.Record {
		tr := newTestTracker(t, nil)
		f := newFeed(tr.ID())
		tr.AddDataEvent(f.egress(100, reqs))

		var frags []*socket.DataEvent
		for i, cut := 0, 0; cut < len(resps); i++ {
			end := min(cut+37, len(resps))
			frags = append(frags, f.ingress(uint64(200+i), resps[cut:end]))
			cut = end
		}
		for _, i := range order {
			if i < len(frags) {
				tr.AddDataEvent(frags[i])
			}
		}
		return tr.Transfer(1000)
	}

	n := (len(resps) + 36) / 37
	inOrder := make([]int, n)
	for i := range inOrder {
		inOrder[i] = i
	}
	want := run(inOrder)
	require.Len(t, want, 2)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		order := rng.Perm(n)
		assert.Equal(t, want, run(order), "order %v", order)
	}
}

func TestTracker_DuplicateEvents(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	req := f.egress(100, httpReq)
	tr.AddDataEvent(req)
	tr.AddDataEvent(req)
	tr.AddDataEvent(f.ingress(200, httpResp))

	assert.Len(t, tr.Transfer(300), 1)
	assert.Equal(t, uint64(1), tr.Stats().DuplicateEvents)
}

func TestTracker_GapStall(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())
	tr.AddDataEvent(f.egress(100, httpReq))

	f.ingress(150, "HTTP/1.1 100 Cont") // lost
	tr.AddDataEvent(f.ingress(200, httpResp))
	require.True(t, tr.Stream(socket.Ingress).HasGap())

	tr.Advance(500)
	assert.Empty(t, tr.Transfer(500), "gap is still young")

	tr.Advance(1200)
	assert.Equal(t, uint64(1), tr.Stats().GapSkips)
	records := tr.Transfer(1200)
	require.Len(t, records, 1)
	assert.Equal(t, int64(200), records[0].Values[http.ColResponseStatus])
}

func TestTracker_ReadUntilCloseBody(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, "GET /stream HTTP/1.0\r\n\r\n"))
	tr.AddDataEvent(f.ingress(200, "HTTP/1.0 200 OK\r\n\r\npartial "))
	tr.AddDataEvent(f.ingress(210, "body"))
	assert.Empty(t, tr.Transfer(300), "body is unbounded until close")

	tr.AddConnEvent(f.close(400))
	records := tr.Transfer(400)
	require.Len(t, records, 1)
	assert.Equal(t, "partial body", records[0].Values[http.ColResponseBody])
	assert.True(t, tr.Drained())
	assert.True(t, tr.ReadyForGC(400))
}

func TestTracker_FinalDrainWaitsForTotals(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, httpReq))
	missing := f.ingress(200, httpResp)
	tr.AddConnEvent(f.close(300))

	assert.Empty(t, tr.Transfer(400), "response bytes announced by the close are still missing")
	assert.False(t, tr.Drained())

	tr.AddDataEvent(missing)
	records := tr.Transfer(500)
	require.Len(t, records, 1)
	assert.Equal(t, int64(200), records[0].Values[http.ColResponseStatus])
	assert.True(t, tr.Drained())
}

func TestTracker_CloseGraceFlushesRequest(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, httpReq))
	f.ingress(200, httpResp) // never delivered
	tr.AddConnEvent(f.close(300))

	assert.Empty(t, tr.Transfer(400))
	records := tr.Transfer(1300)
	require.Len(t, records, 1, "request-only record")
	assert.Equal(t, int64(0), records[0].Values[http.ColResponseStatus])
	assert.True(t, tr.Drained())
}

func TestTracker_CloseWithoutDataDrains(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddConnEvent(f.open(10, socket.RoleClient))
	tr.AddConnEvent(f.close(20))
	tr.Advance(20)
	assert.False(t, tr.Drained(), "no totals, waits for the grace period")

	tr.Advance(1020)
	assert.True(t, tr.Drained())
	assert.Equal(t, StateInferring, tr.State())
	assert.True(t, tr.ReadyForGC(1020))
}

func TestTracker_CloseUndecidedFailsInference(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, "GE"))
	tr.AddConnEvent(f.close(200))
	tr.Advance(200)
	assert.Equal(t, StateDisabled, tr.State())
	assert.Equal(t, ReasonInferenceFailed, tr.Reason())
	assert.True(t, tr.ReadyForGC(200))
}

func TestTracker_BoundedPendingMemory(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) {
		c.Tracker.MaxPendingBytes = 4096
		c.Tracker.MaxPendingFragments = 16
		c.Tracker.GapTimeout = 1 << 40
	})
	f := newFeed(tr.ID())
	tr.AddDataEvent(f.egress(100, httpReq))

	f.ingress(150, "lost bytes")
	chunk := strings.Repeat("x", 100)
	for i := 0; i < 1000; i++ {
		tr.AddDataEvent(f.ingress(uint64(200+i), chunk))
		s := tr.Stream(socket.Ingress)
		require.LessOrEqual(t, s.PendingBytes(), 4096)
		require.LessOrEqual(t, s.PendingFragments(), 16)
	}
	assert.NotZero(t, tr.Stream(socket.Ingress).Stats().Overflows)
}

func TestTracker_IdleGC(t *testing.T) {
	tr := newTestTracker(t, func(c *config.Config) {
		c.Protocols.MySQL.InactivityTimeout = 500
	})
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, httpReq))
	assert.False(t, tr.ReadyForGC(100+500))
	assert.True(t, tr.ReadyForGC(100+1_000_000))

	my := newTestTracker(t, func(c *config.Config) {
		c.Protocols.MySQL.InactivityTimeout = 500
	})
	mf := newFeed(my.ID())
	my.AddDataEvent(mf.egress(100, "\x01\x00\x00\x00\x0e"))
	require.Equal(t, protocols.MySQL, my.Protocol())
	assert.True(t, my.ReadyForGC(600), "per-protocol timeout")

	records := tr.Flush(100 + 1_000_000)
	require.Len(t, records, 1)
	assert.Equal(t, "GET", records[0].Values[http.ColMethod])
	assert.True(t, tr.Drained())
}

func TestTracker_OpenEventEndpoints(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	open := f.open(50, socket.RoleClient)
	open.Remote = socket.Endpoint{Addr: netip.MustParseAddr("10.0.0.7"), Port: 8080}
	tr.AddConnEvent(open)
	tr.AddDataEvent(f.egress(100, httpReq))
	tr.AddDataEvent(f.ingress(200, httpResp))

	records := tr.Transfer(300)
	require.Len(t, records, 1)
	assert.Equal(t, "10.0.0.7", records[0].Values[http.ColRemoteAddr])
	assert.Equal(t, int64(8080), records[0].Values[http.ColRemotePort])
}

func TestTracker_ExpectContinue(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, "POST /upload HTTP/1.1\r\nHost: x\r\nExpect: 100-continue\r\nContent-Length: 5\r\n\r\n"))
	tr.AddDataEvent(f.ingress(110, "HTTP/1.1 100 Continue\r\n\r\n"))
	assert.Empty(t, tr.Transfer(115), "the interim response pairs with nothing")

	tr.AddDataEvent(f.egress(120, "hello"))
	tr.AddDataEvent(f.ingress(130, "HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"))
	tr.AddDataEvent(f.egress(140, "GET /status HTTP/1.1\r\nHost: x\r\n\r\n"))
	tr.AddDataEvent(f.ingress(150, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))

	records := tr.Transfer(200)
	require.Len(t, records, 2)
	assert.Equal(t, "POST", records[0].Values[http.ColMethod])
	assert.Equal(t, "/upload", records[0].Values[http.ColPath])
	assert.Equal(t, "hello", records[0].Values[http.ColRequestBody])
	assert.Equal(t, int64(201), records[0].Values[http.ColResponseStatus])
	assert.Equal(t, int64(30), records[0].LatencyNS)
	assert.Equal(t, "GET", records[1].Values[http.ColMethod])
	assert.Equal(t, int64(200), records[1].Values[http.ColResponseStatus])
	assert.Equal(t, 0, tr.PendingFrames())
}

func TestTracker_HeadResponseHasNoBody(t *testing.T) {
	tr := newTestTracker(t, nil)
	f := newFeed(tr.ID())

	tr.AddDataEvent(f.egress(100, "HEAD /file HTTP/1.1\r\nHost: x\r\n\r\n"))
	tr.AddDataEvent(f.ingress(110, "HTTP/1.1 200 OK\r\nContent-Length: 1000\r\n\r\n"))
	tr.AddDataEvent(f.egress(120, "GET /file HTTP/1.1\r\nHost: x\r\n\r\n"))
	tr.AddDataEvent(f.ingress(130, "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\ndata"))

	records := tr.Transfer(200)
	require.Len(t, records, 2)
	assert.Equal(t, "HEAD", records[0].Values[http.ColMethod])
	assert.Equal(t, "", records[0].Values[http.ColResponseBody])
	assert.Equal(t, int64(0), records[0].Values[http.ColResponseBodySize])
	assert.Equal(t, "GET", records[1].Values[http.ColMethod])
	assert.Equal(t, "data", records[1].Values[http.ColResponseBody])
}

func TestStateAndReasonStrings(t *testing.T) {
	assert.Equal(t, "inferring", StateInferring.String())
	assert.Equal(t, "tracking", StateTracking.String())
	assert.Equal(t, "disabled", StateDisabled.String())
	assert.Equal(t, "state(9)", State(9).String())

	reasons := map[DisableReason]string{
		ReasonNone:            "none",
		ReasonInferenceFailed: "inference_failed",
		ReasonInferenceBudget: "inference_budget",
		ReasonResyncCeiling:   "resync_ceiling",
		ReasonRoleFiltered:    "role_filtered",
		DisableReason(42):     "reason(42)",
	}
	for r, want := range reasons {
		assert.Equal(t, want, r.String())
	}
}
