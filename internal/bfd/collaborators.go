package bfd

import (
	"context"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// External collaborator interfaces
// -------------------------------------------------------------------------
//
// The core FSM and session manager consume these narrow interfaces rather
// than owning sockets, routing-daemon clients, or a timer wheel directly.
// Production implementations live in internal/netio, internal/gobgp, and
// internal/scheduler; tests substitute fakes.

// PacketSender serialises and transmits one BFD Control packet to a peer.
// Implementations own the UDP socket and RFC 5881 transport requirements
// (source port range, TTL=255/GTSM); the core only supplies the payload
// and destination.
type PacketSender interface {
	SendPacket(ctx context.Context, buf []byte, dst netip.Addr) error
}

// Notifier reports session up/down edges to an upstream consumer (a
// routing daemon, a health-check aggregator, ...). Implementations are
// called at most once per edge transition; idempotence across repeated
// calls for the same edge is the core's responsibility via the Session's
// notify field.
type Notifier interface {
	SignalNeighborUp(s *Session)
	SignalNeighborDown(s *Session)
}

// IfInfo holds the interface-level configured parameters consulted during
// the Poll sequence and multiplier refresh (section 4.2, action *up*).
// Interval/MinRx are in milliseconds, matching how interface configuration
// is normally expressed; the session converts to microseconds internally.
type IfInfo struct {
	IntervalMs   uint32
	MinRxMs      uint32
	Multiplier   uint8
	Passive      bool
	DemandWanted bool
}

// IfInfoProvider exposes interface-level configuration to the session
// layer. It is consulted on every *up* action (to detect a pending
// reconfiguration that should start a Poll sequence) and on every
// session-timeout (to refresh the passive flag).
type IfInfoProvider interface {
	IfInfoGet(s *Session) IfInfo
	NeighIfPassiveUpdate(s *Session) bool
}

// TimerHandle is an opaque reference to a single armed timer. It must
// remain valid to pass to Scheduler.Cancel even after the timer has
// fired; cancelling an already-fired (or already-cancelled) handle is a
// no-op, never an error.
type TimerHandle interface{}

// Scheduler arms and cancels timer callbacks. It gives no serialisation of
// its own: callbacks may run on any goroutine, and the Manager funnels each
// one through its single dispatch queue before it touches a Session, so no
// two callbacks run concurrently with each other or with a packet-receive
// dispatch (section 5).
//
// Arming a new timer never implicitly cancels a previous handle: callers
// must cancel explicitly, matching the "cancel before re-arm" discipline
// required by section 5.
type Scheduler interface {
	Arm(delay time.Duration, cb func()) TimerHandle
	Cancel(h TimerHandle)
}

// -------------------------------------------------------------------------
// StateChange — observer notification
// -------------------------------------------------------------------------

// StateChange describes one FSM transition, delivered to callers that have
// registered a StateCallback with the Manager. It is a passive record for
// observability (logging, metrics); it is not how upstream up/down signals
// are delivered — that is Notifier's job.
type StateChange struct {
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LocalDisc  uint32
	From       State
	To         State
	Diag       Diag
	When       time.Time
}

// StateCallback receives one StateChange per FSM transition. Callbacks run
// on the manager's dispatch goroutine and must not block.
type StateCallback func(change StateChange)
