package bfd_test

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"testing"

	"github.com/bfdproject/gobfd/internal/bfd"
	"github.com/bfdproject/gobfd/internal/scheduler"
)

// fakeSender records every packet handed to it and optionally bridges it
// straight to a peer Manager, simulating network delivery in-process.
type fakeSender struct {
	mu      sync.Mutex
	sent    [][]byte
	bridge  *bfd.Manager
	local   netip.Addr
	remote  netip.Addr
}

func (fs *fakeSender) SendPacket(_ context.Context, buf []byte, dst netip.Addr) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	fs.mu.Lock()
	fs.sent = append(fs.sent, cp)
	bridge := fs.bridge
	fs.mu.Unlock()

	if bridge != nil {
		_ = bridge.Deliver(fs.remote, fs.local, cp)
	}
	_ = dst
	return nil
}

func (fs *fakeSender) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.sent)
}

func (fs *fakeSender) last() []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.sent) == 0 {
		return nil
	}
	return fs.sent[len(fs.sent)-1]
}

// fakeNotifier records every up/down edge signalled by the core.
type fakeNotifier struct {
	mu       sync.Mutex
	ups      int
	downs    int
}

func (fn *fakeNotifier) SignalNeighborUp(_ *bfd.Session) {
	fn.mu.Lock()
	fn.ups++
	fn.mu.Unlock()
}

func (fn *fakeNotifier) SignalNeighborDown(_ *bfd.Session) {
	fn.mu.Lock()
	fn.downs++
	fn.mu.Unlock()
}

func (fn *fakeNotifier) counts() (ups, downs int) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	return fn.ups, fn.downs
}

// fakeIfInfo returns a fixed IfInfo for every session and never reports
// the interface as passive, unless overridden.
type fakeIfInfo struct {
	mu      sync.Mutex
	info    bfd.IfInfo
	passive bool
}

func newFakeIfInfo() *fakeIfInfo {
	return &fakeIfInfo{
		info: bfd.IfInfo{
			IntervalMs: 1000,
			MinRxMs:    1000,
			Multiplier: 3,
		},
	}
}

func (fi *fakeIfInfo) IfInfoGet(_ *bfd.Session) bfd.IfInfo {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.info
}

func (fi *fakeIfInfo) NeighIfPassiveUpdate(_ *bfd.Session) bool {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.passive
}

func (fi *fakeIfInfo) setInterval(intervalMs, minRxMs uint32) {
	fi.mu.Lock()
	fi.info.IntervalMs = intervalMs
	fi.info.MinRxMs = minRxMs
	fi.mu.Unlock()
}

// newTestManager builds a Manager wired to fakes, suitable for running
// inside testing/synctest.Test so its timers advance on virtual time.
func newTestManager(t *testing.T, sender bfd.PacketSender, notifier bfd.Notifier, ifinfo bfd.IfInfoProvider, opts ...bfd.ManagerOption) *bfd.Manager {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	sched := scheduler.New(logger)
	return bfd.NewManager(sender, notifier, ifinfo, sched, logger, opts...)
}

func runManager(t *testing.T, m *bfd.Manager) context.CancelFunc {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = m.Run(ctx) }()
	return cancel
}

var (
	localAddr  = netip.MustParseAddr("192.0.2.1")
	remoteAddr = netip.MustParseAddr("192.0.2.2")
)

// sessionKey builds the manager table key for s from its exported fields,
// since Session.key is unexported.
func sessionKey(s *bfd.Session) bfd.Key {
	return bfd.Key{LocalAddr: s.LocalAddr, RemoteAddr: s.RemoteAddr, LDisc: s.LDisc}
}
