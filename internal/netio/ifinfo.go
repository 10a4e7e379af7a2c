package netio

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bfdproject/gobfd/internal/bfd"
)

// -------------------------------------------------------------------------
// InterfaceTable — bfd.IfInfoProvider backed by configured per-interface
// parameters, plus the link-down fast path (section 4.4)
// -------------------------------------------------------------------------

// InterfaceTable holds the interval/min-rx/multiplier/demand/passive
// configuration for each monitored interface and implements
// bfd.IfInfoProvider over it. Sessions whose IfName has no explicit entry
// fall back to a configured default.
type InterfaceTable struct {
	mu      sync.RWMutex
	byIface map[string]bfd.IfInfo
	def     bfd.IfInfo
	logger  *slog.Logger
}

// NewInterfaceTable creates an InterfaceTable that returns def for any
// interface without a more specific entry set via SetInterface.
func NewInterfaceTable(def bfd.IfInfo, logger *slog.Logger) *InterfaceTable {
	return &InterfaceTable{
		byIface: make(map[string]bfd.IfInfo),
		def:     def,
		logger:  logger.With(slog.String("component", "netio.ifinfo")),
	}
}

// SetInterface installs (or replaces) the configured parameters for ifName.
// Safe to call while sessions are active: IfInfoGet picks up the new value
// on the session's next Poll-triggering *up* action or session-timeout
// refresh, per the bfd.IfInfoProvider contract.
func (t *InterfaceTable) SetInterface(ifName string, info bfd.IfInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byIface[ifName] = info
}

// IfInfoGet implements bfd.IfInfoProvider.
func (t *InterfaceTable) IfInfoGet(s *bfd.Session) bfd.IfInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.byIface[s.IfName]; ok {
		return info
	}
	return t.def
}

// NeighIfPassiveUpdate implements bfd.IfInfoProvider: it reports the
// currently configured passive flag for the session's interface, consulted
// by the core on every session-timeout refresh.
func (t *InterfaceTable) NeighIfPassiveUpdate(s *bfd.Session) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.byIface[s.IfName]; ok {
		return info.Passive
	}
	return t.def.Passive
}

// -------------------------------------------------------------------------
// Link-down fast path
// -------------------------------------------------------------------------

// WatchLinkState drains mon's event stream and, on every transition to
// down, injects bfd.EventTimer into each session bound to that interface —
// the section 4.4 fast path that skips the full detection window rather
// than waiting for the next hello to go unanswered. It blocks until mon's
// event channel closes (i.e. until the monitor's own Run returns) or ctx
// is cancelled.
func WatchLinkState(ctx context.Context, mon InterfaceMonitor, mgr *bfd.Manager, logger *slog.Logger) {
	logger = logger.With(slog.String("component", "netio.linkwatch"))

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-mon.Events():
			if !ok {
				return
			}
			if ev.Up {
				continue
			}
			downSessionsOnInterface(mgr, ev.IfName, logger)
		}
	}
}

// downSessionsOnInterface injects EventTimer into every session bound to
// ifName, forcing the same transition a missed detection window would have
// produced, without waiting for it.
func downSessionsOnInterface(mgr *bfd.Manager, ifName string, logger *slog.Logger) {
	for _, s := range mgr.Sessions() {
		if s.IfName != ifName {
			continue
		}
		key := bfd.Key{LocalAddr: s.LocalAddr, RemoteAddr: s.RemoteAddr, LDisc: s.LDisc}
		if err := mgr.InjectEvent(key, bfd.EventTimer); err != nil {
			logger.Warn("link-down fast path: inject event failed",
				slog.String("interface", ifName),
				slog.String("remote", s.RemoteAddr.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
