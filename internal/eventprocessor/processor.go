package eventprocessor

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mrzor/socket-tracer/internal/bpf"
	"github.com/mrzor/socket-tracer/internal/procmeta"
	"github.com/mrzor/socket-tracer/internal/socket"
	"github.com/mrzor/socket-tracer/internal/telemetry"
	"github.com/mrzor/socket-tracer/internal/timesync"
)

// ErrMalformedEvent matches every event rejected at ingestion.
var ErrMalformedEvent = errors.New("malformed event")

// MalformedError carries the reason an event was rejected.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed event (%s)", e.Reason)
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformedEvent }
func (e *MalformedError) Unwrap() error        { return e.Err }

func malformed(reason string) error {
	return &MalformedError{Reason: reason}
}

// Router receives validated events.
type Router interface {
	Route(ev socket.Event) error
}

// Processor validates, normalizes and routes socket events.
type Processor struct {
	router  Router
	clock   timesync.Clock
	logger  *zap.Logger
	limiter *rate.Limiter
	metrics *telemetry.Metrics
}

// NewProcessor creates a processor routing to router. Malformed events are
// logged at most once per second after a burst of ten.
func NewProcessor(router Router, clock timesync.Clock, logger *zap.Logger, metrics *telemetry.Metrics) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		router:  router,
		clock:   clock,
		logger:  logger.Named("eventprocessor"),
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
		metrics: metrics,
	}
}

// AcceptData decodes one data ring buffer sample and accepts it.
func (p *Processor) AcceptData(raw []byte) error {
	rec, err := bpf.DecodeDataEvent(raw)
	if err != nil {
		return p.reject(&MalformedError{Reason: "short_record", Err: err})
	}
	if rec.Attr.BufSize > bpf.MaxMsgSize {
		return p.reject(malformed("oversized_payload"))
	}
	if rec.Attr.Direction > uint32(socket.Ingress) {
		return p.reject(malformed("unknown_direction"))
	}
	if rec.Attr.Syscall > 0xff {
		return p.reject(malformed("unknown_syscall"))
	}

	// The ring buffer slot is reused once the handler returns.
	payload := make([]byte, len(rec.Msg))
	copy(payload, rec.Msg)

	return p.Accept(&socket.DataEvent{
		Conn:        connID(rec.Attr.ConnID),
		Direction:   socket.Direction(rec.Attr.Direction),
		Position:    rec.Attr.Position,
		Payload:     payload,
		TimestampNS: rec.Attr.TimestampNS,
		Syscall:     socket.Syscall(rec.Attr.Syscall),
	})
}

// AcceptControl decodes one control ring buffer sample and accepts it.
func (p *Processor) AcceptControl(raw []byte) error {
	rec, err := bpf.DecodeControlEvent(raw)
	if err != nil {
		return p.reject(&MalformedError{Reason: "short_record", Err: err})
	}
	if rec.Type > 0xff || rec.Role > 0xff {
		return p.reject(malformed("unknown_kind"))
	}

	ev := &socket.ConnEvent{
		Conn:        connID(rec.ConnID),
		Kind:        socket.ConnEventKind(rec.Type),
		Role:        socket.Role(rec.Role),
		TimestampNS: rec.TimestampNS,
	}
	switch rec.Type {
	case bpf.CONN_OPEN:
		remote, ok := address(rec.Family, rec.RemoteAddr)
		if !ok {
			return p.reject(malformed("unknown_family"))
		}
		local, _ := address(rec.Family, rec.LocalAddr)
		ev.Remote = socket.Endpoint{Addr: remote, Port: rec.RemotePort}
		ev.Local = socket.Endpoint{Addr: local, Port: rec.LocalPort}
	case bpf.CONN_CLOSE:
		ev.WrittenBytes = rec.WrBytes
		ev.ReadBytes = rec.RdBytes
	}
	return p.Accept(ev)
}

// Accept validates ev, fills a zero timestamp with the current monotonic time
// and routes it. Invalid events return an error matching ErrMalformedEvent.
func (p *Processor) Accept(ev socket.Event) error {
	switch e := ev.(type) {
	case *socket.DataEvent:
		if err := validateData(e); err != nil {
			return p.reject(err)
		}
		if e.TimestampNS == 0 {
			e.TimestampNS = p.clock.MonotonicNow()
		}
		p.metrics.Event("data")
	case *socket.ConnEvent:
		if err := validateConn(e); err != nil {
			return p.reject(err)
		}
		if e.TimestampNS == 0 {
			e.TimestampNS = p.clock.MonotonicNow()
		}
		p.metrics.Event("control")
	default:
		return p.reject(malformed(fmt.Sprintf("event type %T", ev)))
	}

	if err := p.router.Route(ev); err != nil {
		return fmt.Errorf("routing event for %s: %w", ev.ConnID(), err)
	}
	return nil
}

func validateData(e *socket.DataEvent) error {
	switch {
	case e.Conn.UPID.PID == 0:
		return malformed("zero_pid")
	case !e.Direction.Valid():
		return malformed("unknown_direction")
	case !e.Syscall.Valid():
		return malformed("unknown_syscall")
	case e.Syscall.Direction() != e.Direction:
		return malformed("direction_mismatch")
	case len(e.Payload) == 0:
		return malformed("empty_payload")
	case len(e.Payload) > bpf.MaxMsgSize:
		return malformed("oversized_payload")
	}
	return nil
}

func validateConn(e *socket.ConnEvent) error {
	switch {
	case e.Conn.UPID.PID == 0:
		return malformed("zero_pid")
	case !e.Kind.Valid():
		return malformed("unknown_kind")
	case !e.Role.Valid():
		return malformed("unknown_role")
	}
	return nil
}

// reject counts err and logs it within the rate limit.
func (p *Processor) reject(err error) error {
	reason := "unknown"
	var me *MalformedError
	if errors.As(err, &me) {
		reason = me.Reason
	}
	p.metrics.Malformed(reason)
	if p.limiter.Allow() {
		p.logger.Warn("dropping malformed event", zap.String("reason", reason), zap.Error(err))
	}
	return err
}

func connID(c bpf.ConnID) socket.ConnID {
	return socket.ConnID{
		UPID:       procmeta.NewUPID(c.Pid, c.TsID),
		FD:         c.Fd,
		Generation: c.Generation,
	}
}

func address(family uint16, raw [16]byte) (netip.Addr, bool) {
	switch family {
	case bpf.AF_INET:
		return netip.AddrFrom4([4]byte(raw[:4])), true
	case bpf.AF_INET6:
		return netip.AddrFrom16(raw).Unmap(), true
	case 0:
		return netip.Addr{}, true
	default:
		return netip.Addr{}, false
	}
}
