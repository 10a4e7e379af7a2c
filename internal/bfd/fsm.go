package bfd

import (
	"errors"
	"time"
)

// This file implements the per-session finite state machine. The table is
// a direct transcription of the four-state, six-event transition table:
// rows are the current Status, columns are the Event, and each cell names
// an action together with the next state the action is allowed to commit.
//
// Unlike a pure RFC 5880-literal table (AdminUp/AdminDown mirrored as two
// symmetric remote-state events), this table treats admin shutdown as a
// single local Delete event and keeps the four Recv* events tied directly
// to the peer's wire State field. Actions are stateful: they read and
// mutate Session fields and may call out to the timer scheduler and the
// upstream collaborators. They never block.

// Event is one of the six inputs accepted by the FSM dispatcher.
type Event uint8

const (
	EventRecvAdminDown Event = iota
	EventRecvDown
	EventRecvInit
	EventRecvUp
	EventTimer
	EventDelete

	numEvents = int(EventDelete) + 1
)

func (e Event) String() string {
	switch e {
	case EventRecvAdminDown:
		return "RecvAdminDown"
	case EventRecvDown:
		return "RecvDown"
	case EventRecvInit:
		return "RecvInit"
	case EventRecvUp:
		return "RecvUp"
	case EventTimer:
		return "Timer"
	case EventDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// ErrDiscard is returned by Manager.Event when the (state, event) pair maps
// to the discard action: the packet is dropped, the FSM does not advance,
// and the manager must not count it towards recv_cnt liveness bookkeeping.
var ErrDiscard = errors.New("bfd: packet discarded in current state")

// action performs one FSM action against m and s. A nil return lets the
// caller commit the table's next state. An error return means "discard":
// the caller must leave Status unchanged and must not treat the event as
// having refreshed liveness.
type action func(m *Manager, s *Session) error

// transition is one cell of the dispatch table.
type transition struct {
	next   State
	action action
}

// fsmTable[status][event] mirrors the specification's transition table
// exactly. ignore is a no-op success (next == current state by construction);
// discard reports ErrDiscard without ever touching Session fields.
var fsmTable = [4][numEvents]transition{
	StateAdminDown: {
		EventRecvAdminDown: {StateAdminDown, actionDiscard},
		EventRecvDown:      {StateAdminDown, actionDiscard},
		EventRecvInit:      {StateAdminDown, actionDiscard},
		EventRecvUp:        {StateAdminDown, actionDiscard},
		EventTimer:         {StateAdminDown, actionDiscard},
		EventDelete:        {StateAdminDown, actionDiscard},
	},
	StateDown: {
		EventRecvAdminDown: {StateDown, actionIgnore},
		EventRecvDown:      {StateInit, actionInit},
		EventRecvInit:      {StateUp, actionUp},
		EventRecvUp:        {StateDown, actionIgnore},
		EventTimer:         {StateDown, actionDown},
		EventDelete:        {StateAdminDown, actionAdmDown},
	},
	StateInit: {
		EventRecvAdminDown: {StateDown, actionAdmDown},
		EventRecvDown:      {StateInit, actionInit},
		EventRecvInit:      {StateUp, actionUp},
		EventRecvUp:        {StateUp, actionUp},
		EventTimer:         {StateDown, actionDown},
		EventDelete:        {StateAdminDown, actionAdmDown},
	},
	StateUp: {
		EventRecvAdminDown: {StateDown, actionAdmDown},
		EventRecvDown:      {StateDown, actionDown},
		EventRecvInit:      {StateUp, actionUp},
		EventRecvUp:        {StateUp, actionUp},
		EventTimer:         {StateDown, actionDown},
		EventDelete:        {StateAdminDown, actionAdmDown},
	},
}

// Event drives the session FSM. It looks up (s.Status, ev) in fsmTable,
// runs the associated action, and commits s.OStatus/s.Status to the
// table's next-state only if the action succeeds and the next state
// differs from the current one. A non-nil return means the action
// discarded: the caller (the packet-receive path) must not count the
// triggering packet towards liveness bookkeeping.
func (m *Manager) Event(s *Session, ev Event) error {
	t := fsmTable[s.Status][ev]

	if err := t.action(m, s); err != nil {
		return err
	}

	if t.next != s.Status {
		s.OStatus = s.Status
		s.Status = t.next
		m.emitStateChange(s)
	}

	return nil
}

// -------------------------------------------------------------------------
// ignore / discard
// -------------------------------------------------------------------------

func actionIgnore(_ *Manager, _ *Session) error {
	return nil
}

func actionDiscard(_ *Manager, _ *Session) error {
	return ErrDiscard
}

// -------------------------------------------------------------------------
// init
// -------------------------------------------------------------------------

// actionInit handles a peer reporting State=Down while we are (about to be)
// in Init: set the wire-visible local state, clear uptime, and record Init
// in notify. The action emits nothing itself; the "Init" observation is the
// StateChange that Manager.Event emits when Status moves into Init.
func actionInit(m *Manager, s *Session) error {
	s.LState = StateInit
	s.Uptime = time.Time{}

	s.notify = notifyInit

	return nil
}

// -------------------------------------------------------------------------
// up
// -------------------------------------------------------------------------

// actionUp implements section 4.2 action *up*. It is reached whenever the
// peer reports Init or Up. The upstream signal fires on the first entry
// into Up whichever of the two the peer reported; the rest of the "session
// up" semantics (Poll sequence, demand-mode bookkeeping, multiplier
// refresh, uptime) only apply once RState has also reached Up.
func actionUp(m *Manager, s *Session) error {
	s.LState = StateUp

	if s.notify != notifyUp {
		s.notify = notifyUp
		m.notifier.SignalNeighborUp(s)
	}

	if s.RState != StateUp {
		return nil
	}

	ifinfo := m.ifinfo.IfInfoGet(s)
	maybeStartOrCommitPoll(s, ifinfo)

	s.LMulti = ifinfo.Multiplier
	s.Demand = ifinfo.DemandWanted
	if s.Demand {
		s.LBits |= BitDemand
	} else {
		s.LBits &^= BitDemand
	}

	applyRemoteDemandPolicy(m, s)

	if s.Uptime.IsZero() {
		s.Uptime = m.now()
	}

	return nil
}

// maybeStartOrCommitPoll implements the Poll sequence branch of action
// *up*: if the interface's configured interval/min-rx no longer match the
// active values and we are not already answering a poll (local F not
// set), either commit a remote-acknowledged Poll or start a new one.
func maybeStartOrCommitPoll(s *Session, ifinfo IfInfo) {
	wantTx := usFromMillis(ifinfo.IntervalMs)
	wantRx := usFromMillis(ifinfo.MinRxMs)

	reconfigured := wantTx != s.LDesiredMinTx || wantRx != s.LRequiredMinRx
	if !reconfigured || s.LBits.has(BitFinal) {
		return
	}

	if s.RBits.has(BitFinal) {
		// The peer is answering our outstanding poll: commit now.
		s.LDesiredMinTx = s.LDesiredMinTxPending
		s.LRequiredMinRx = s.LRequiredMinRxPending
		s.LBits &^= BitPoll
		recomputeTiming(s)
		return
	}

	// Stash the desired values and raise our Poll bit; recomputation is
	// deferred until the peer answers with Final.
	s.LDesiredMinTxPending = wantTx
	s.LRequiredMinRxPending = wantRx
	s.LBits |= BitPoll
}

// recomputeTiming recomputes the negotiated transmit interval, a freshly
// jittered actual interval, and the detection time from the session's
// current local/remote parameters (section 4.1).
func recomputeTiming(s *Session) {
	s.NegTxInterval = negotiatedTxInterval(s.RRequiredMinRx, s.LDesiredMinTx)
	s.TxInterval = jitteredTxInterval(s.NegTxInterval, s.RMulti)
	s.DTime = detectionTime(s.RMulti, s.LRequiredMinRx, s.RDesiredMinTx)
}

// applyRemoteDemandPolicy implements the Demand-mode branch of action
// *up*: if the peer has set its D bit, periodic transmission stops (after
// one final transmission if we are mid-Poll with Final set), otherwise it
// continues uninterrupted.
func applyRemoteDemandPolicy(m *Manager, s *Session) {
	if !s.RBits.has(BitDemand) {
		return
	}

	if s.LBits.has(BitFinal) {
		m.rearmHello(s, microseconds(s.TxInterval))
		return
	}

	m.cancelHello(s)
}

// -------------------------------------------------------------------------
// down
// -------------------------------------------------------------------------

// actionDown implements section 4.2 action *down*. It is reached on
// RecvDown, RecvAdminDown-from-Up-or-Init (via the admdown action instead,
// see below) and Timer expiry from any non-AdminDown state.
func actionDown(m *Manager, s *Session) error {
	prior := s.Status

	s.LState = StateDown
	if s.Uptime.IsZero() {
		s.Uptime = m.now()
	}

	if s.tSession == nil {
		s.ORecvCnt = s.RecvCnt
		m.armSessionTimeout(s, time.Duration(s.DTime+sessionTimeoutSlackUs)*time.Microsecond)
	}

	if s.notify != notifyDown {
		s.notify = notifyDown
		if prior == StateUp {
			m.notifier.SignalNeighborDown(s)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// admdown
// -------------------------------------------------------------------------

// actionAdmDown implements section 4.2 action *admdown*: reached both when
// the peer reports AdminDown and when a local Delete event is dispatched.
// Session.Del distinguishes the two: set means "we are shutting down",
// clear means "the peer told us it is going administratively down".
func actionAdmDown(m *Manager, s *Session) error {
	if s.notify != notifyAdminDown {
		s.notify = notifyAdminDown
		m.cancelHello(s)
		m.rearmHello(s, 0)
	}

	if s.Del {
		s.LState = StateAdminDown
		s.LDiag = DiagAdminDown
	} else {
		s.LState = StateDown
		s.LDiag = DiagNeighborDown
	}

	s.Uptime = time.Time{}

	return nil
}

// sessionTimeoutSlackUs is the fixed slack added beyond DTime before the
// session-timeout timer fires, avoiding spurious cleanup when the
// detection timer and the first post-timeout tick race (section 9).
const sessionTimeoutSlackUs uint32 = 75_000
