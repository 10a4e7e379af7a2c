package bfd_test

import (
	"testing"
	"testing/synctest"
	"time"

	"github.com/bfdproject/gobfd/internal/bfd"
)

// TestColdBringUp follows the literal scenario in the specification's
// testable-properties section: a session starts Down, receives a peer
// Down packet (moving to Init), then a peer Init packet (moving to Up
// with an upstream signal).
func TestColdBringUp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sender := &fakeSender{}
		notifier := &fakeNotifier{}
		ifinfo := newFakeIfInfo()
		mgr := newTestManager(t, sender, notifier, ifinfo)
		cancel := runManager(t, mgr)
		defer cancel()

		s, err := mgr.CreateSession(localAddr, remoteAddr, "eth0")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if s.Status != bfd.StateDown {
			t.Fatalf("initial status = %v, want Down", s.Status)
		}

		wire := encodeFrom(t, bfd.State(bfd.StateDown), s.LDisc, 500_000, 500_000, 3)
		if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
			t.Fatalf("deliver Down: %v", err)
		}
		if s.Status != bfd.StateInit {
			t.Fatalf("status after RecvDown = %v, want Init", s.Status)
		}
		if s.LState != bfd.StateInit {
			t.Fatalf("lstate after RecvDown = %v, want Init", s.LState)
		}

		wire = encodeFrom(t, bfd.StateInit, s.LDisc, 500_000, 500_000, 3)
		if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
			t.Fatalf("deliver Init: %v", err)
		}
		if s.Status != bfd.StateUp {
			t.Fatalf("status after RecvInit = %v, want Up", s.Status)
		}

		ups, downs := notifier.counts()
		if ups != 1 || downs != 0 {
			t.Fatalf("notifier counts = (%d ups, %d downs), want (1, 0)", ups, downs)
		}
	})
}

// TestAdminDownDiscardsEverything verifies the specification's transition
// table row for AdminDown: every event is discarded and the state never
// moves.
func TestAdminDownDiscardsEverything(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sender := &fakeSender{}
		notifier := &fakeNotifier{}
		ifinfo := newFakeIfInfo()
		mgr := newTestManager(t, sender, notifier, ifinfo)
		cancel := runManager(t, mgr)
		defer cancel()

		s, err := mgr.CreateSession(localAddr, remoteAddr, "eth0")
		if err != nil {
			t.Fatal(err)
		}

		if err := mgr.DestroySession(sessionKey(s)); err != nil {
			t.Fatalf("DestroySession: %v", err)
		}
		if s.Status != bfd.StateAdminDown {
			t.Fatalf("status after Delete = %v, want AdminDown", s.Status)
		}

		for _, ev := range []bfd.Event{
			bfd.EventRecvAdminDown, bfd.EventRecvDown, bfd.EventRecvInit,
			bfd.EventRecvUp, bfd.EventTimer, bfd.EventDelete,
		} {
			if err := mgr.InjectEvent(sessionKey(s), ev); err == nil {
				t.Errorf("event %v in AdminDown: got nil error, want ErrDiscard", ev)
			}
			if s.Status != bfd.StateAdminDown {
				t.Errorf("event %v in AdminDown moved status to %v", ev, s.Status)
			}
		}
	})
}

// TestRepeatedRecvUpIsIdempotent covers the round-trip/idempotence
// property: repeated RecvUp events in Up state leave status and notify
// unchanged.
func TestRepeatedRecvUpIsIdempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sender := &fakeSender{}
		notifier := &fakeNotifier{}
		ifinfo := newFakeIfInfo()
		mgr := newTestManager(t, sender, notifier, ifinfo)
		cancel := runManager(t, mgr)
		defer cancel()

		s, err := mgr.CreateSession(localAddr, remoteAddr, "eth0")
		if err != nil {
			t.Fatal(err)
		}
		bringUp(t, mgr, s)

		for range 3 {
			if err := mgr.InjectEvent(sessionKey(s), bfd.EventRecvUp); err != nil {
				t.Fatalf("RecvUp: %v", err)
			}
			if s.Status != bfd.StateUp {
				t.Fatalf("status = %v, want Up", s.Status)
			}
		}

		ups, _ := notifier.counts()
		if ups != 1 {
			t.Fatalf("ups = %d, want 1 (signalled once)", ups)
		}
	})
}

// TestDeleteTwiceIsIdempotent covers the round-trip property that calling
// DestroySession twice behaves like calling it once.
func TestDeleteTwiceIsIdempotent(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sender := &fakeSender{}
		notifier := &fakeNotifier{}
		ifinfo := newFakeIfInfo()
		mgr := newTestManager(t, sender, notifier, ifinfo)
		cancel := runManager(t, mgr)
		defer cancel()

		s, err := mgr.CreateSession(localAddr, remoteAddr, "eth0")
		if err != nil {
			t.Fatal(err)
		}

		if err := mgr.DestroySession(sessionKey(s)); err != nil {
			t.Fatal(err)
		}
		if err := mgr.DestroySession(sessionKey(s)); err != nil {
			t.Fatalf("second DestroySession: %v", err)
		}
	})
}

// encodeFrom builds a wire Control packet from the peer's perspective:
// YourDiscriminator is the local session's discriminator.
func encodeFrom(t *testing.T, state bfd.State, yourDisc, reqMinRx, desMinTx uint32, mult uint8) []byte {
	t.Helper()

	return encodeFromWithFlags(t, state, yourDisc, reqMinRx, desMinTx, mult, false, false, false)
}

// encodeFromWithFlags is encodeFrom plus the Poll, Final and Demand bits,
// for tests that drive the Poll sequence or Demand-mode negotiation.
func encodeFromWithFlags(t *testing.T, state bfd.State, yourDisc, reqMinRx, desMinTx uint32, mult uint8, poll, final, demand bool) []byte {
	t.Helper()

	pkt := &bfd.ControlPacket{
		Version:               bfd.Version,
		State:                 state,
		Poll:                  poll,
		Final:                 final,
		Demand:                demand,
		DetectMult:            mult,
		MyDiscriminator:       0xA0A0A0A0,
		YourDiscriminator:     yourDisc,
		DesiredMinTxInterval:  desMinTx,
		RequiredMinRxInterval: reqMinRx,
	}
	buf := make([]byte, bfd.HeaderSize)
	n, err := bfd.MarshalControlPacket(pkt, buf)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return buf[:n]
}

// bringUp drives s from Down to Up using the two-packet cold bring-up
// sequence, for tests that need an established session as a starting
// point.
func bringUp(t *testing.T, mgr *bfd.Manager, s *bfd.Session) {
	t.Helper()

	wire := encodeFrom(t, bfd.StateDown, s.LDisc, 500_000, 500_000, 3)
	if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
		t.Fatalf("deliver Down: %v", err)
	}
	wire = encodeFrom(t, bfd.StateInit, s.LDisc, 500_000, 500_000, 3)
	if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
		t.Fatalf("deliver Init: %v", err)
	}
	if s.Status != bfd.StateUp {
		t.Fatalf("bringUp: status = %v, want Up", s.Status)
	}
}

// TestPollSequenceStashesThenCommits covers the Poll sequence branch of
// action *up*: an interface reconfiguration discovered after bring-up
// stashes the new interval pair and raises the local Poll bit, and the
// values only take effect once the peer answers with Final.
func TestPollSequenceStashesThenCommits(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sender := &fakeSender{}
		notifier := &fakeNotifier{}
		ifinfo := newFakeIfInfo()
		mgr := newTestManager(t, sender, notifier, ifinfo)
		cancel := runManager(t, mgr)
		defer cancel()

		s, err := mgr.CreateSession(localAddr, remoteAddr, "eth0")
		if err != nil {
			t.Fatal(err)
		}
		bringUp(t, mgr, s)

		// bringUp's last packet reports the peer as Init, not Up; drive one
		// more RecvUp so RState reaches Up and actionUp's full body runs.
		wire := encodeFrom(t, bfd.StateUp, s.LDisc, 500_000, 500_000, 3)
		if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
			t.Fatalf("deliver Up: %v", err)
		}
		if s.RState != bfd.StateUp {
			t.Fatalf("RState = %v, want Up", s.RState)
		}

		wantTx, wantRx := s.LDesiredMinTx, s.LRequiredMinRx

		// Reconfigure the interface; this is the mutator a poller would
		// call after noticing a config change.
		ifinfo.setInterval(2000, 1500)

		if err := mgr.InjectEvent(sessionKey(s), bfd.EventRecvUp); err != nil {
			t.Fatalf("InjectEvent RecvUp: %v", err)
		}

		if s.LBits&bfd.BitPoll == 0 {
			t.Fatalf("LBits = %v, want Poll bit set after reconfiguration", s.LBits)
		}
		if s.LDesiredMinTx != wantTx || s.LRequiredMinRx != wantRx {
			t.Fatalf("active interval changed before Final: got (%d, %d), want unchanged (%d, %d)",
				s.LDesiredMinTx, s.LRequiredMinRx, wantTx, wantRx)
		}

		// The peer answers the Poll with Final: the stashed values commit.
		wire = encodeFromWithFlags(t, bfd.StateUp, s.LDisc, 500_000, 500_000, 3, false, true, false)
		if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
			t.Fatalf("deliver Final: %v", err)
		}

		if s.LBits&bfd.BitPoll != 0 {
			t.Fatalf("LBits = %v, want Poll bit cleared after commit", s.LBits)
		}
		if s.LDesiredMinTx != 2_000_000 || s.LRequiredMinRx != 1_500_000 {
			t.Fatalf("committed interval = (%d, %d), want (2000000, 1500000)",
				s.LDesiredMinTx, s.LRequiredMinRx)
		}
	})
}

// TestApplyRemoteDemandPolicyFinalOnlyRearm covers the Demand-mode branch
// of action *up*: once the peer sets its Demand bit, periodic
// transmission stops after one last packet if we are mid-Poll with our
// own Final bit set.
func TestApplyRemoteDemandPolicyFinalOnlyRearm(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		sender := &fakeSender{}
		notifier := &fakeNotifier{}
		ifinfo := newFakeIfInfo()
		mgr := newTestManager(t, sender, notifier, ifinfo)
		cancel := runManager(t, mgr)
		defer cancel()

		s, err := mgr.CreateSession(localAddr, remoteAddr, "eth0")
		if err != nil {
			t.Fatal(err)
		}
		bringUp(t, mgr, s)

		wire := encodeFrom(t, bfd.StateUp, s.LDisc, 500_000, 500_000, 3)
		if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
			t.Fatalf("deliver Up: %v", err)
		}

		// Simulate being mid-Poll-response: our Final bit is set so the
		// next Demand observation should rearm for one last transmission
		// rather than cancelling outright.
		s.LBits |= bfd.BitFinal
		txInterval := s.TxInterval

		before := sender.count()

		wire = encodeFromWithFlags(t, bfd.StateUp, s.LDisc, 500_000, 500_000, 3, false, false, true)
		if err := mgr.Deliver(localAddr, remoteAddr, wire); err != nil {
			t.Fatalf("deliver Demand: %v", err)
		}

		// Detection time is RMulti * max(LRequiredMinRx, RDesiredMinTx) =
		// 3 * max(1_000_000, 500_000) = 3s from the last received packet;
		// both waits below must stay comfortably under that so a
		// detection timeout doesn't confound the transmission count.
		time.Sleep(time.Duration(txInterval)*time.Microsecond + 300*time.Millisecond)
		synctest.Wait()

		if got := sender.count(); got != before+1 {
			t.Fatalf("transmissions after Final-only rearm = %d, want %d", got, before+1)
		}

		time.Sleep(700 * time.Millisecond)
		synctest.Wait()

		if got := sender.count(); got != before+1 {
			t.Fatalf("transmissions after demand-mode silence = %d, want still %d", got, before+1)
		}
	})
}
