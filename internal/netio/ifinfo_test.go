package netio_test

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"testing/synctest"
	"time"

	"github.com/bfdproject/gobfd/internal/bfd"
	"github.com/bfdproject/gobfd/internal/netio"
	"github.com/bfdproject/gobfd/internal/scheduler"
)

func TestInterfaceTableFallsBackToDefault(t *testing.T) {
	t.Parallel()

	def := bfd.IfInfo{IntervalMs: 300, MinRxMs: 300, Multiplier: 3}
	table := netio.NewInterfaceTable(def, slog.New(slog.DiscardHandler))

	s := bfd.NewSession(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2"), "eth0")

	if got := table.IfInfoGet(s); got != def {
		t.Errorf("IfInfoGet with no entry = %+v, want default %+v", got, def)
	}
	if table.NeighIfPassiveUpdate(s) {
		t.Error("NeighIfPassiveUpdate with no entry = true, want false (default unset)")
	}
}

func TestInterfaceTableUsesConfiguredEntry(t *testing.T) {
	t.Parallel()

	def := bfd.IfInfo{IntervalMs: 300, MinRxMs: 300, Multiplier: 3}
	table := netio.NewInterfaceTable(def, slog.New(slog.DiscardHandler))
	table.SetInterface("eth1", bfd.IfInfo{IntervalMs: 100, MinRxMs: 100, Multiplier: 5, Passive: true})

	s := bfd.NewSession(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2"), "eth1")

	got := table.IfInfoGet(s)
	if got.IntervalMs != 100 || got.Multiplier != 5 {
		t.Errorf("IfInfoGet = %+v, want configured eth1 entry", got)
	}
	if !table.NeighIfPassiveUpdate(s) {
		t.Error("NeighIfPassiveUpdate = false, want true (configured passive)")
	}

	other := bfd.NewSession(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.3"), "eth0")
	if got := table.IfInfoGet(other); got != def {
		t.Errorf("IfInfoGet for unconfigured interface = %+v, want default %+v", got, def)
	}
}

// fakeMonitor lets a test drive InterfaceEvents directly without any real
// netlink/kqueue backing.
type fakeMonitor struct {
	events chan netio.InterfaceEvent
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{events: make(chan netio.InterfaceEvent, 4)}
}

func (m *fakeMonitor) Run(ctx context.Context) error {
	<-ctx.Done()
	close(m.events)
	return nil
}

func (m *fakeMonitor) Events() <-chan netio.InterfaceEvent { return m.events }
func (m *fakeMonitor) Close() error                        { return nil }

type countingNotifier struct{ ups, downs int }

func (n *countingNotifier) SignalNeighborUp(_ *bfd.Session)   { n.ups++ }
func (n *countingNotifier) SignalNeighborDown(_ *bfd.Session) { n.downs++ }

type noopSender struct{}

func (noopSender) SendPacket(_ context.Context, _ []byte, _ netip.Addr) error { return nil }

// TestWatchLinkStateForcesDetectionOnLinkDown brings a session up, then
// injects an interface-down event for its bound interface, and confirms
// the session drops to Down without waiting out the detection timer.
func TestWatchLinkStateForcesDetectionOnLinkDown(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		logger := slog.New(slog.DiscardHandler)
		notifier := &countingNotifier{}
		ifinfo := netio.NewInterfaceTable(bfd.IfInfo{IntervalMs: 1000, MinRxMs: 1000, Multiplier: 3}, logger)
		mgr := bfd.NewManager(noopSender{}, notifier, ifinfo, scheduler.New(logger), logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() { _ = mgr.Run(ctx) }()

		mon := newFakeMonitor()
		go netio.WatchLinkState(ctx, mon, mgr, logger)

		s, err := mgr.CreateSession(netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2"), "eth0")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		bringUpViaPeer(t, mgr, s)
		if s.Status != bfd.StateUp {
			t.Fatalf("status before link down = %v, want Up", s.Status)
		}

		mon.events <- netio.InterfaceEvent{IfName: "eth0", Up: false}

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		if s.Status != bfd.StateDown {
			t.Fatalf("status after link down = %v, want Down", s.Status)
		}
		if notifier.downs != 1 {
			t.Fatalf("downs = %d, want 1", notifier.downs)
		}
	})
}

// bringUpViaPeer drives s from Down to Up using the cold bring-up sequence,
// injecting wire packets from a synthetic peer as mgr.Deliver would receive
// them over a socket.
func bringUpViaPeer(t *testing.T, mgr *bfd.Manager, s *bfd.Session) {
	t.Helper()

	for _, peerState := range []bfd.State{bfd.StateDown, bfd.StateInit} {
		pkt := &bfd.ControlPacket{
			Version:               bfd.Version,
			State:                 peerState,
			DetectMult:            3,
			MyDiscriminator:       0xB0B0B0B0,
			YourDiscriminator:     s.LDisc,
			DesiredMinTxInterval:  500_000,
			RequiredMinRxInterval: 500_000,
		}
		buf := make([]byte, bfd.HeaderSize)
		n, err := bfd.MarshalControlPacket(pkt, buf)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := mgr.Deliver(s.LocalAddr, s.RemoteAddr, buf[:n]); err != nil {
			t.Fatalf("deliver state %v: %v", peerState, err)
		}
	}
}

