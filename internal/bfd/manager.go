package bfd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Manager — owns the session table, routes packets, schedules timers
// -------------------------------------------------------------------------
//
// Manager is the session manager of section 4.3. It uniquely owns sessions
// keyed by (local_addr, remote_addr, ldisc); packet-decode and timer
// callbacks obtain the key, re-resolve against the table on entry, and
// silently no-op if the session is gone (section 9, "Ownership of the
// session table"). All mutation happens on the single goroutine that
// drains Manager's dispatch queue (section 5): CreateSession, DestroySession,
// Deliver, and every timer callback funnel through Run via dispatch().

// ErrUnknownSession is returned when a packet or operation references a
// session that does not exist in the manager's table (section 7).
var ErrUnknownSession = errors.New("bfd: unknown session")

// ErrSessionExists is returned by CreateSession when a session already
// exists for the given local/remote address pair.
var ErrSessionExists = errors.New("bfd: session already exists")

// peerKey is the fallback demultiplexing key used while YourDiscriminator
// is still zero (section 4.3: "matches ... by your-discriminator when
// nonzero, else by (source_address, destination_address)").
type peerKey struct {
	local  netip.Addr
	remote netip.Addr
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithClock overrides the wall-clock source. Used by tests to control
// Uptime without sleeping.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithStateCallback registers an observer invoked on every FSM transition,
// in addition to (not instead of) the Notifier's up/down signals.
func WithStateCallback(cb StateCallback) ManagerOption {
	return func(m *Manager) { m.onState = append(m.onState, cb) }
}

// Manager owns the set of live BFD sessions for one process.
type Manager struct {
	sender   PacketSender
	notifier Notifier
	ifinfo   IfInfoProvider
	sched    Scheduler
	disc     *DiscriminatorAllocator
	logger   *slog.Logger
	now      func() time.Time
	onState  []StateCallback

	mu         sync.Mutex
	byDisc     map[uint32]*Session
	byPeer     map[peerKey]*Session
	dispatchCh chan func()
	stopped    chan struct{}
}

// NewManager creates a Manager. sender, notifier, ifinfo and sched are the
// four external collaborators consumed by the core (section 6); none may
// be nil.
func NewManager(
	sender PacketSender,
	notifier Notifier,
	ifinfo IfInfoProvider,
	sched Scheduler,
	logger *slog.Logger,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		sender:     sender,
		notifier:   notifier,
		ifinfo:     ifinfo,
		sched:      sched,
		disc:       NewDiscriminatorAllocator(),
		logger:     logger.With(slog.String("component", "bfd.manager")),
		now:        time.Now,
		byDisc:     make(map[uint32]*Session),
		byPeer:     make(map[peerKey]*Session),
		dispatchCh: make(chan func(), 256),
		stopped:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Run drains the dispatch queue until ctx is cancelled. Exactly one
// goroutine must call Run: every session mutation — CreateSession,
// DestroySession, Deliver, and all timer callbacks — is funnelled through
// this queue so that no two dispatches ever run concurrently (section 5).
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-m.dispatchCh:
			f()
		}
	}
}

// dispatch enqueues f to run on the single Run goroutine and blocks until
// it has executed, so that synchronous callers (CreateSession, Deliver)
// observe a consistent Session afterward. Once Run has returned, dispatch
// returns without waiting, and f is not run.
func (m *Manager) dispatch(f func()) {
	done := make(chan struct{})
	select {
	case m.dispatchCh <- func() {
		f()
		close(done)
	}:
	case <-m.stopped:
		return
	}
	select {
	case <-done:
	case <-m.stopped:
	}
}

// -------------------------------------------------------------------------
// neigh_add / neigh_del
// -------------------------------------------------------------------------

// CreateSession installs a configured session (section 6, neigh_add): it
// allocates a local discriminator, inserts the session into the table
// keyed by (local, remote), and arms the hello timer. The session starts
// in Down with default timing parameters.
func (m *Manager) CreateSession(local, remote netip.Addr, ifName string) (*Session, error) {
	var (
		s   *Session
		err error
	)

	m.dispatch(func() {
		pk := peerKey{local: local, remote: remote}

		m.mu.Lock()
		_, exists := m.byPeer[pk]
		m.mu.Unlock()
		if exists {
			err = fmt.Errorf("create session %s<->%s: %w", local, remote, ErrSessionExists)
			return
		}

		var disc uint32
		disc, err = m.disc.Allocate()
		if err != nil {
			err = fmt.Errorf("create session %s<->%s: %w", local, remote, err)
			return
		}

		s = NewSession(local, remote, ifName)
		s.LDisc = disc

		m.mu.Lock()
		m.byDisc[disc] = s
		m.byPeer[pk] = s
		m.mu.Unlock()

		recomputeTiming(s)
		m.rearmHello(s, microseconds(s.TxInterval))

		m.logger.Info("session created",
			slog.String("local", local.String()),
			slog.String("remote", remote.String()),
			slog.Uint64("ldisc", uint64(disc)),
		)
	})

	return s, err
}

// DestroySession initiates graceful removal (section 6, neigh_del; section
// 4.3 delete timer). It marks the session as deleting, cancels the
// detection and session-timeout timers, arms the delete timer for
// negtxint*lmulti (negtxint in microseconds), and dispatches a local Delete event so the
// session immediately starts transmitting AdminDown. Calling this twice
// for the same session is equivalent to calling it once.
func (m *Manager) DestroySession(key Key) error {
	var err error

	m.dispatch(func() {
		s := m.lookupLocked(key)
		if s == nil {
			err = fmt.Errorf("destroy session %v: %w", key, ErrUnknownSession)
			return
		}

		if s.Del {
			return
		}

		s.Del = true
		m.cancelTimer(&s.tTimer)
		m.cancelSessionTimeout(s)

		delay := deleteGraceDelay(s)
		m.armDeleteTimer(s, delay)

		s.Uptime = time.Time{}

		if evErr := m.Event(s, EventDelete); evErr != nil {
			m.logger.Warn("delete event discarded", slog.Any("error", evErr))
		}
	})

	return err
}

// InjectEvent drives ev against the session identified by key from outside
// the packet-receive and timer-callback paths — used by the link-down
// fast path (section 4.4: an interface transitioning to down should not
// wait out the full detection window) and by anything else that needs to
// force a transition out-of-band. It dispatches on the single serial
// execution context like every other entry point, so it is safe to call
// concurrently with Deliver, CreateSession, and DestroySession.
func (m *Manager) InjectEvent(key Key, ev Event) error {
	var err error

	m.dispatch(func() {
		s := m.lookupLocked(key)
		if s == nil {
			err = fmt.Errorf("inject event %v: %w", ev, ErrUnknownSession)
			return
		}
		err = m.Event(s, ev)
	})

	return err
}

// deleteGraceDelay computes the section 4.3 delete-timer grace period:
// negtxint x lmulti, with negtxint in microseconds. If no negotiation has happened yet
// (a brand new session deleted immediately), the locally configured
// desired-min-tx is used instead so the peer still observes an AdminDown
// for at least one detection cycle.
func deleteGraceDelay(s *Session) time.Duration {
	base := s.NegTxInterval
	if base == 0 {
		base = s.LDesiredMinTx
	}
	return time.Duration(base) * time.Microsecond * time.Duration(s.LMulti)
}

// lookupLocked resolves a session by its table key. Callers must already
// be running inside the dispatch goroutine.
func (m *Manager) lookupLocked(key Key) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byDisc[key.LDisc]
	if !ok || s.LocalAddr != key.LocalAddr || s.RemoteAddr != key.RemoteAddr {
		return nil
	}
	return s
}

// removeLocked deletes a session from both lookup tables and releases its
// discriminator. Callers must already be running inside the dispatch
// goroutine.
func (m *Manager) removeLocked(s *Session) {
	m.mu.Lock()
	delete(m.byDisc, s.LDisc)
	delete(m.byPeer, peerKey{local: s.LocalAddr, remote: s.RemoteAddr})
	m.mu.Unlock()

	m.disc.Release(s.LDisc)
}

// Sessions returns a snapshot of all currently installed sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.byDisc))
	for _, s := range m.byDisc {
		out = append(out, s)
	}
	return out
}

// -------------------------------------------------------------------------
// Packet receive path (deliver)
// -------------------------------------------------------------------------

// Deliver decodes wire and routes it to the matching session (section 4.3
// packet receive path). Demultiplexing matches YourDiscriminator when
// nonzero, falling back to the (local, remote) address pair. A packet
// matching no session is dropped here and never reaches the FSM (section
// 7, "Unknown session").
func (m *Manager) Deliver(local, remote netip.Addr, wire []byte) error {
	var pkt ControlPacket
	if err := UnmarshalControlPacket(wire, &pkt); err != nil {
		return fmt.Errorf("deliver: decode: %w", err)
	}

	// Authentication-section processing is out of scope; a packet
	// claiming an auth section is discarded rather than verified.
	if pkt.AuthPresent {
		return fmt.Errorf("deliver: %w: auth section present", ErrDiscard)
	}

	var dispatchErr error

	m.dispatch(func() {
		s := m.demux(local, remote, pkt.YourDiscriminator)
		if s == nil {
			dispatchErr = fmt.Errorf("deliver from %s: %w", remote, ErrUnknownSession)
			return
		}

		dispatchErr = m.applyAndDispatch(s, &pkt)
	})

	return dispatchErr
}

// demux resolves the target session for an incoming packet.
func (m *Manager) demux(local, remote netip.Addr, yourDisc uint32) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if yourDisc != 0 {
		if s, ok := m.byDisc[yourDisc]; ok {
			return s
		}
		return nil
	}

	return m.byPeer[peerKey{local: local, remote: remote}]
}

// applyAndDispatch performs the per-packet field updates of section 4.3
// and dispatches the resulting event. On any outcome other than discard,
// recv_cnt is incremented and the detection timer is re-armed with a
// freshly recomputed detection time.
func (m *Manager) applyAndDispatch(s *Session, pkt *ControlPacket) error {
	s.RState = pkt.State
	s.RDisc = pkt.MyDiscriminator
	s.RBits = wireBits(pkt)
	s.RRequiredMinRx = pkt.RequiredMinRxInterval
	s.RDesiredMinTx = pkt.DesiredMinTxInterval
	s.RMulti = pkt.DetectMult
	s.RRequiredMinEchoRx = pkt.RequiredMinEchoRxInterval

	ev := recvEventFor(pkt.State)

	err := m.Event(s, ev)
	if err != nil {
		return err
	}

	s.RecvCnt++
	recomputeTiming(s)
	m.armDetectionTimer(s, microseconds(s.DTime))

	return nil
}

// recvEventFor maps a peer's wire State field to the corresponding Recv*
// event (section 4.2).
func recvEventFor(remote State) Event {
	switch remote {
	case StateAdminDown:
		return EventRecvAdminDown
	case StateDown:
		return EventRecvDown
	case StateInit:
		return EventRecvInit
	case StateUp:
		return EventRecvUp
	default:
		return EventRecvDown
	}
}

// wireBits folds a decoded ControlPacket's boolean flags into a Bits mask.
func wireBits(pkt *ControlPacket) Bits {
	var b Bits
	if pkt.Poll {
		b |= BitPoll
	}
	if pkt.Final {
		b |= BitFinal
	}
	if pkt.ControlPlaneIndependent {
		b |= BitControlPlaneIndependent
	}
	if pkt.AuthPresent {
		b |= BitAuthPresent
	}
	if pkt.Demand {
		b |= BitDemand
	}
	if pkt.Multipoint {
		b |= BitMultipoint
	}
	return b
}

// -------------------------------------------------------------------------
// Transmit path (pkt_xmit)
// -------------------------------------------------------------------------

// transmit serialises and sends one Control packet built from s's current
// local fields (section 6, pkt_xmit).
func (m *Manager) transmit(s *Session) {
	pkt := ControlPacket{
		Version:                   Version,
		Diag:                      s.LDiag,
		State:                     s.LState,
		Poll:                      s.LBits.has(BitPoll),
		Final:                     s.LBits.has(BitFinal),
		ControlPlaneIndependent:   s.LBits.has(BitControlPlaneIndependent),
		Demand:                    s.LBits.has(BitDemand),
		DetectMult:                s.LMulti,
		MyDiscriminator:           s.LDisc,
		YourDiscriminator:         s.RDisc,
		DesiredMinTxInterval:      s.LDesiredMinTx,
		RequiredMinRxInterval:     s.LRequiredMinRx,
		RequiredMinEchoRxInterval: s.LRequiredMinEchoRx,
	}

	bufp, _ := PacketPool.Get().(*[]byte)
	defer PacketPool.Put(bufp)

	n, err := MarshalControlPacket(&pkt, *bufp)
	if err != nil {
		m.logger.Error("marshal control packet failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), transmitTimeout)
	defer cancel()

	if err := m.sender.SendPacket(ctx, (*bufp)[:n], s.RemoteAddr); err != nil {
		// I/O failure from the transmit collaborator is logged and the
		// session continues (section 7): if failures persist, the peer's
		// detection timer will fire naturally.
		m.logger.Warn("send control packet failed",
			slog.String("remote", s.RemoteAddr.String()),
			slog.Any("error", err),
		)
	}
}

// transmitTimeout bounds a single pkt_xmit call so a stuck socket cannot
// block the single dispatch goroutine (section 5: "No FSM action blocks").
const transmitTimeout = 200 * time.Millisecond

// -------------------------------------------------------------------------
// Timer orchestration
// -------------------------------------------------------------------------

// rearmHello cancels any armed hello timer and arms a new one-shot timer
// at delay. When it fires, the session transmits and — unless the peer
// has requested Demand mode — reschedules itself at a freshly jittered
// interval (section 4.3, hello timer).
func (m *Manager) rearmHello(s *Session, delay time.Duration) {
	m.cancelTimer(&s.tHello)

	s.helloGen++
	gen := s.helloGen

	s.tHello = m.sched.Arm(delay, func() {
		m.dispatch(func() { m.onHelloFire(s, gen) })
	})
}

// cancelHello cancels the hello timer without rearming it.
func (m *Manager) cancelHello(s *Session) {
	m.cancelTimer(&s.tHello)
	s.helloGen++
}

func (m *Manager) onHelloFire(s *Session, gen uint64) {
	if gen != s.helloGen {
		return // superseded by a cancel or rearm issued after this fired.
	}

	m.transmit(s)

	if s.RBits.has(BitDemand) {
		return // this was the single post-Poll transmission; periodic TX ceases.
	}

	recomputeTiming(s)
	m.rearmHello(s, microseconds(s.TxInterval))
}

// armDetectionTimer arms the detection timer, cancelling any prior one.
// Expiry injects a Timer event (section 4.3).
func (m *Manager) armDetectionTimer(s *Session, delay time.Duration) {
	m.cancelTimer(&s.tTimer)

	s.timerGen++
	gen := s.timerGen

	s.tTimer = m.sched.Arm(delay, func() {
		m.dispatch(func() { m.onDetectionTimeout(s, gen) })
	})
}

func (m *Manager) onDetectionTimeout(s *Session, gen uint64) {
	if gen != s.timerGen {
		return
	}

	if s.Status == StateUp {
		s.LDiag = DiagControlTimeExpired
		s.TimerCnt++
	}

	if err := m.Event(s, EventTimer); err != nil {
		m.logger.Warn("timer event discarded", slog.Any("error", err))
	}
}

// armSessionTimeout arms the session-timeout timer, used only while
// entering Down (section 4.3, session-timeout timer).
func (m *Manager) armSessionTimeout(s *Session, delay time.Duration) {
	s.sessionGen++
	gen := s.sessionGen

	s.tSession = m.sched.Arm(delay, func() {
		m.dispatch(func() { m.onSessionTimeout(s, gen) })
	})
}

// cancelSessionTimeout cancels the session-timeout timer, used when the
// session leaves Down before the timer fires.
func (m *Manager) cancelSessionTimeout(s *Session) {
	m.cancelTimer(&s.tSession)
	s.sessionGen++
}

func (m *Manager) onSessionTimeout(s *Session, gen uint64) {
	if gen != s.sessionGen {
		return
	}
	s.tSession = nil

	if s.Status != StateDown || s.ORecvCnt != s.RecvCnt {
		return
	}

	s.resetToDefaults()

	if m.ifinfo.NeighIfPassiveUpdate(s) {
		s.Passive = true
		m.cancelHello(s)
	} else {
		s.Passive = false
	}

	m.logger.Info("session timed out, reset to defaults",
		slog.String("remote", s.RemoteAddr.String()),
	)
}

// armDeleteTimer arms the grace-period timer started by DestroySession.
// On expiry the hello timer is cancelled and the session is permanently
// removed (section 4.3, delete timer).
func (m *Manager) armDeleteTimer(s *Session, delay time.Duration) {
	s.deleteGen++
	gen := s.deleteGen

	s.tDelete = m.sched.Arm(delay, func() {
		m.dispatch(func() { m.onDeleteTimeout(s, gen) })
	})
}

func (m *Manager) onDeleteTimeout(s *Session, gen uint64) {
	if gen != s.deleteGen {
		return
	}

	m.cancelHello(s)
	m.cancelTimer(&s.tTimer)
	m.cancelSessionTimeout(s)
	m.cancelTimer(&s.tDelete)

	m.removeLocked(s)

	m.logger.Info("session removed",
		slog.String("remote", s.RemoteAddr.String()),
		slog.Uint64("ldisc", uint64(s.LDisc)),
	)
}

// cancelTimer cancels *h if armed and clears it. A nil handle is a no-op.
func (m *Manager) cancelTimer(h *TimerHandle) {
	if *h == nil {
		return
	}
	m.sched.Cancel(*h)
	*h = nil
}

// -------------------------------------------------------------------------
// Observability
// -------------------------------------------------------------------------

// emitStateChange notifies registered StateCallbacks of the most recent
// transition. Called only by Manager.Event, after OStatus/Status have been
// committed.
func (m *Manager) emitStateChange(s *Session) {
	if len(m.onState) == 0 {
		return
	}

	change := StateChange{
		LocalAddr:  s.LocalAddr,
		RemoteAddr: s.RemoteAddr,
		LocalDisc:  s.LDisc,
		From:       s.OStatus,
		To:         s.Status,
		Diag:       s.LDiag,
		When:       m.now(),
	}

	for _, cb := range m.onState {
		cb(change)
	}
}
