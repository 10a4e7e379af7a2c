package bfd

import (
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Protocol flag bits — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// Bits is the set of protocol flag bits (P, F, C, A, D, M) carried in a
// Control packet, tracked separately for the local and remote side of a
// session (Session.LBits, Session.RBits).
type Bits uint8

const (
	BitPoll                    Bits = 1 << iota // P
	BitFinal                                    // F
	BitControlPlaneIndependent                  // C
	BitAuthPresent                              // A
	BitDemand                                   // D
	BitMultipoint                               // M
)

func (b Bits) has(bit Bits) bool { return b&bit != 0 }

// -------------------------------------------------------------------------
// notify — last-signalled-state sentinel
// -------------------------------------------------------------------------

// notify mirrors the C original's separate "last notified" enumeration: it
// ranges over the same four symbols as State but carries an explicit fifth
// "none yet" value distinct from AdminDown, so that "notify cleared by
// session-timeout" cannot be confused with "last notified AdminDown".
type notify uint8

const (
	notifyNone notify = iota
	notifyAdminDown
	notifyDown
	notifyInit
	notifyUp
)

// -------------------------------------------------------------------------
// Session — one BFD neighbor
// -------------------------------------------------------------------------

// Session is one BFD session, identified by (LocalAddr, RemoteAddr, LDisc).
// Every field here is touched only by FSM actions and timer callbacks
// dispatched through Manager's single serial execution context (section 5);
// there is no internal locking.
type Session struct {
	// Identity.
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	IfName     string

	// Status is the current FSM state. OStatus is the state immediately
	// prior to the most recent transition. Both are mutated only by the
	// FSM dispatcher (Manager.Event), never directly by an action.
	Status  State
	OStatus State

	// notify is the last state signalled to observers; see the open
	// question in design notes — it is updated unconditionally on
	// entering Down, not only when a signal actually fires.
	notify notify

	// LState, RState are the state values carried on the wire: the local
	// copy mirrors Status, and RState is decoded from the most recently
	// accepted Control packet.
	LState, RState State

	// LDiag is the local diagnostic code, set by FSM actions and carried
	// on the next outbound Control packet.
	LDiag Diag

	// LDisc is this session's stable, nonzero local discriminator. RDisc
	// is the peer-reported "my discriminator", 0 until learned.
	LDisc, RDisc uint32

	// Timing parameters, all in microseconds unless noted. The "Pending"
	// fields are meaningful only while the local Poll bit is set
	// (section 4.2 action *up*, Poll sequence).
	LDesiredMinTx, LDesiredMinTxPending    uint32
	LRequiredMinRx, LRequiredMinRxPending  uint32
	RRequiredMinRx, RDesiredMinTx          uint32
	LRequiredMinEchoRx, RRequiredMinEchoRx uint32

	// NegTxInterval is the negotiated base transmit interval; TxInterval
	// is the jittered actual interval currently armed on the hello timer.
	NegTxInterval, TxInterval uint32

	// LMulti, RMulti are the local and remote detect multipliers.
	LMulti, RMulti uint8

	// DTime is the detection time currently armed on the detection timer.
	DTime uint32

	// LBits, RBits are the local and remote protocol flag bits.
	LBits, RBits Bits

	// RecvCnt counts every accepted Control packet. ORecvCnt is a
	// snapshot taken when the session-timeout timer is armed, used to
	// detect "no packets arrived during this window" on expiry.
	// TimerCnt counts detection-timer expiries, for diagnostics.
	RecvCnt, ORecvCnt, TimerCnt uint64

	// Uptime is the wall-clock time the session last entered Up; the
	// zero Time otherwise.
	Uptime time.Time

	// Del is true while the session is in graceful administrative
	// shutdown (neigh_del was called but the delete timer has not
	// yet expired).
	Del bool

	// Passive suppresses unsolicited transmission until a packet is
	// received from the peer; refreshed from interface state by
	// IfInfoProvider.NeighIfPassiveUpdate.
	Passive bool

	// Demand mirrors whether demand mode is locally desired, refreshed
	// alongside the interface multiplier on each *up* action.
	Demand bool

	// Timer handles. A nil handle means the corresponding timer is not
	// currently armed.
	tHello, tTimer, tSession, tDelete TimerHandle

	// Generation counters, one per timer kind, incremented on every
	// (re)arm. A fired callback compares its captured generation against
	// the current value before acting, so a callback already queued at
	// the moment of cancellation becomes a safe no-op (section 5,
	// section 9 "Timer handles").
	helloGen, timerGen, sessionGen, deleteGen uint64
}

// Default timing parameters applied on creation and restored by the
// session-timeout action (section 4.3). Matches the reference defaults
// of 1 second and detect multiplier 3.
const (
	DefaultDesiredMinTxUs  uint32 = 1_000_000
	DefaultRequiredMinRxUs uint32 = 1_000_000
	DefaultDetectMult      uint8  = 3
)

// NewSession creates a session in its power-on state: Down, default
// timing parameters, no discriminator assigned yet. The manager assigns
// LDisc and inserts the session into its table before arming any timers.
func NewSession(local, remote netip.Addr, ifName string) *Session {
	return &Session{
		LocalAddr:      local,
		RemoteAddr:     remote,
		IfName:         ifName,
		Status:         StateDown,
		OStatus:        StateDown,
		LState:         StateDown,
		RState:         StateDown,
		LDesiredMinTx:  DefaultDesiredMinTxUs,
		LRequiredMinRx: DefaultRequiredMinRxUs,
		LMulti:         DefaultDetectMult,
		RMulti:         DefaultDetectMult,
	}
}

// resetToDefaults restores timing parameters, discriminator, diagnostic,
// and flag bits to their power-on values. Used by the session-timeout
// action (section 4.3) when a Down session has received nothing for a
// full detection window.
func (s *Session) resetToDefaults() {
	s.RDisc = 0
	s.LDiag = DiagNone
	s.LDesiredMinTx = DefaultDesiredMinTxUs
	s.LRequiredMinRx = DefaultRequiredMinRxUs
	s.RRequiredMinRx = 0
	s.RDesiredMinTx = 0
	s.NegTxInterval = 0
	s.TxInterval = 0
	s.LMulti = DefaultDetectMult
	s.RMulti = DefaultDetectMult
	s.LBits = 0
	s.RBits = 0
	s.notify = notifyNone
}

// Key identifies a session within Manager's session table.
type Key struct {
	LocalAddr  netip.Addr
	RemoteAddr netip.Addr
	LDisc      uint32
}

// key returns the session's table key.
func (s *Session) key() Key {
	return Key{LocalAddr: s.LocalAddr, RemoteAddr: s.RemoteAddr, LDisc: s.LDisc}
}
