// GoBFD daemon -- BFD protocol implementation (RFC 5880/5881).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	sysdnotify "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bfdproject/gobfd/internal/bfd"
	"github.com/bfdproject/gobfd/internal/config"
	"github.com/bfdproject/gobfd/internal/gobgp"
	bfdmetrics "github.com/bfdproject/gobfd/internal/metrics"
	"github.com/bfdproject/gobfd/internal/netio"
	"github.com/bfdproject/gobfd/internal/scheduler"
	appversion "github.com/bfdproject/gobfd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// drainTimeout is the time to wait after destroying every session before
// proceeding with shutdown. This gives the final AdminDown Control packets
// (RFC 5880 Section 6.8.16) a chance to reach the wire.
const drainTimeout = 2 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
// Captures the last 500ms of execution traces for debugging BFD failures.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

// senderLocalAddr is the wildcard address the daemon's single UDP socket
// binds to. bfd.PacketSender has one global instance per Manager and is
// not told which local address a session prefers, so the socket binds
// unspecified and lets the kernel route each transmission by destination.
var senderLocalAddr = netip.IPv4Unspecified()

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gobfd starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Bool("gobgp_enabled", cfg.GoBGP.Enabled),
	)

	fr := startFlightRecorder(logger)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize daemon", slog.String("error", err.Error()))
		return 1
	}
	defer d.closeListeners()
	defer closeGoBGPClient(d.bgpClient, logger)

	if err := d.runUntilShutdown(*configPath, logLevel, fr); err != nil {
		logger.Error("gobfd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gobfd stopped")
	return 0
}

// -------------------------------------------------------------------------
// daemon -- owns every long-lived collaborator wired into the Manager
// -------------------------------------------------------------------------

// daemon bundles the collaborators that back one bfd.Manager for the life
// of the process: the single UDP sender, the interface table consulted for
// timing/flags, the interface monitor feeding the link-down fast path, and
// (optionally) the GoBGP client/handler acting as Notifier.
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	mgr       *bfd.Manager
	collector *bfdmetrics.Collector
	reg       *prometheus.Registry

	sender    *netio.UDPSender
	ifTable   *netio.InterfaceTable
	ifMonitor netio.InterfaceMonitor
	listeners []*netio.Listener

	bgpClient gobgp.Client
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	sender, err := netio.NewUDPSender(senderLocalAddr, pickSourcePort(), false, logger)
	if err != nil {
		return nil, fmt.Errorf("create UDP sender: %w", err)
	}

	def := bfd.IfInfo{
		IntervalMs:   uint32(cfg.BFD.DefaultDesiredMinTx.Milliseconds()),
		MinRxMs:      uint32(cfg.BFD.DefaultRequiredMinRx.Milliseconds()),
		Multiplier:   uint8(cfg.BFD.DefaultDetectMultiplier),
		Passive:      cfg.BFD.DefaultPassive,
		DemandWanted: cfg.BFD.DefaultDemandWanted,
	}
	ifTable := netio.NewInterfaceTable(def, logger)
	for _, ic := range cfg.Interfaces {
		ifTable.SetInterface(ic.Name, bfd.IfInfo{
			IntervalMs:   ic.IntervalMs,
			MinRxMs:      ic.MinRxMs,
			Multiplier:   ic.Multiplier,
			Passive:      ic.Passive,
			DemandWanted: ic.DemandWanted,
		})
	}

	reg := prometheus.NewRegistry()
	collector := bfdmetrics.NewCollector(reg)

	notifier, bgpClient, err := buildNotifier(cfg.GoBGP, logger)
	if err != nil {
		return nil, fmt.Errorf("build gobgp notifier: %w", err)
	}

	mgr := bfd.NewManager(sender, notifier, ifTable, scheduler.New(logger), logger,
		bfd.WithStateCallback(collector.ObserveStateChange),
	)

	listeners, err := createListeners(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create BFD listeners: %w", err)
	}

	return &daemon{
		cfg:       cfg,
		logger:    logger,
		mgr:       mgr,
		collector: collector,
		reg:       reg,
		sender:    sender,
		ifTable:   ifTable,
		ifMonitor: netio.NewStubInterfaceMonitor(logger),
		listeners: listeners,
		bgpClient: bgpClient,
	}, nil
}

func (d *daemon) closeListeners() {
	for _, ln := range d.listeners {
		if err := ln.Close(); err != nil {
			d.logger.Warn("failed to close BFD listener", slog.String("error", err.Error()))
		}
	}
	if err := d.sender.Close(); err != nil {
		d.logger.Warn("failed to close UDP sender", slog.String("error", err.Error()))
	}
}

// buildNotifier constructs the bfd.Notifier that the Manager signals on
// every up/down edge. When GoBGP integration is disabled, a no-op stands
// in -- BFD still runs the full FSM, it just has nobody to tell.
func buildNotifier(cfg config.GoBGPConfig, logger *slog.Logger) (bfd.Notifier, gobgp.Client, error) {
	if !cfg.Enabled {
		logger.Info("gobgp integration disabled")
		return noopNotifier{}, nil, nil
	}

	client, err := gobgp.NewGRPCClient(gobgp.GRPCClientConfig{Addr: cfg.Addr}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create gobgp client: %w", err)
	}

	handler, err := gobgp.NewHandler(gobgp.HandlerConfig{
		Client:   client,
		Strategy: gobgp.Strategy(cfg.Strategy),
		Dampening: gobgp.DampeningConfig{
			Enabled:           cfg.Dampening.Enabled,
			SuppressThreshold: cfg.Dampening.SuppressThreshold,
			ReuseThreshold:    cfg.Dampening.ReuseThreshold,
			MaxSuppressTime:   cfg.Dampening.MaxSuppressTime,
			HalfLife:          cfg.Dampening.HalfLife,
		},
		Logger: logger,
	})
	if err != nil {
		closeGoBGPClient(client, logger)
		return nil, nil, fmt.Errorf("create gobgp handler: %w", err)
	}

	logger.Info("gobgp integration enabled",
		slog.String("addr", cfg.Addr),
		slog.String("strategy", cfg.Strategy),
		slog.Bool("dampening", cfg.Dampening.Enabled),
	)

	return handler, client, nil
}

// noopNotifier discards every up/down edge. Used when GoBGP integration is
// disabled, so the Manager still has a non-nil Notifier to call.
type noopNotifier struct{}

func (noopNotifier) SignalNeighborUp(*bfd.Session)   {}
func (noopNotifier) SignalNeighborDown(*bfd.Session) {}

func closeGoBGPClient(client gobgp.Client, logger *slog.Logger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		logger.Warn("failed to close gobgp client", slog.String("error", err.Error()))
	}
}

// pickSourcePort allocates one ephemeral RFC 5881 Section 4 source port
// for the process-wide sender.
func pickSourcePort() uint16 {
	alloc := netio.NewSourcePortAllocator()
	port, err := alloc.Allocate()
	if err != nil {
		// The allocator only fails once the entire ephemeral range (49152-
		// 65535) is exhausted, which cannot happen on process start.
		return 49152
	}
	return port
}

// -------------------------------------------------------------------------
// Run loop
// -------------------------------------------------------------------------

func (d *daemon) runUntilShutdown(configPath string, logLevel *slog.LevelVar, fr *trace.FlightRecorder) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// The manager outlives gCtx so that gracefulShutdown can still destroy
	// sessions through it; the shutdown goroutine stops it when done.
	mgrCtx, stopMgr := context.WithCancel(context.WithoutCancel(ctx))
	defer stopMgr()
	g.Go(func() error { return d.mgr.Run(mgrCtx) })
	g.Go(func() error { return d.ifMonitor.Run(gCtx) })
	g.Go(func() error {
		netio.WatchLinkState(gCtx, d.ifMonitor, d.mgr, d.logger)
		return nil
	})

	if len(d.listeners) > 0 {
		recv := netio.NewReceiver(d.mgr, d.logger)
		g.Go(func() error { return recv.Run(gCtx, d.listeners...) })
	}

	metricsSrv := newMetricsServer(d.cfg.Metrics, d.reg, d.mgr)
	g.Go(func() error {
		d.logger.Info("metrics server listening",
			slog.String("addr", d.cfg.Metrics.Addr),
			slog.String("path", d.cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, &net.ListenConfig{}, metricsSrv, d.cfg.Metrics.Addr)
	})

	g.Go(func() error { return runWatchdog(gCtx, d.logger) })

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		d.handleSIGHUP(gCtx, sigHUP, configPath, logLevel)
		return nil
	})

	d.reconcileSessions(gCtx, d.cfg.Sessions)
	notifyReady(d.logger)

	g.Go(func() error {
		<-gCtx.Done()
		defer stopMgr()
		return d.gracefulShutdown(gCtx, fr, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Declarative sessions -- create at startup, diff on SIGHUP
// -------------------------------------------------------------------------

// reconcileSessions creates any declared session not already present in
// the Manager and destroys any live session no longer declared.
func (d *daemon) reconcileSessions(_ context.Context, desired []config.SessionConfig) {
	want := make(map[bfd.Key]config.SessionConfig, len(desired))
	for _, sc := range desired {
		peer, err := sc.PeerAddr()
		if err != nil {
			d.logger.Error("invalid session peer, skipping",
				slog.String("peer", sc.Peer), slog.String("error", err.Error()))
			continue
		}
		local, err := sc.LocalAddr()
		if err != nil {
			d.logger.Error("invalid session local address, skipping",
				slog.String("local", sc.Local), slog.String("error", err.Error()))
			continue
		}
		want[bfd.Key{LocalAddr: local, RemoteAddr: peer}] = sc
	}

	existing := make(map[bfd.Key]*bfd.Session)
	for _, s := range d.mgr.Sessions() {
		existing[bfd.Key{LocalAddr: s.LocalAddr, RemoteAddr: s.RemoteAddr}] = s
	}

	var created, destroyed int
	for key, sc := range want {
		if _, ok := existing[key]; ok {
			continue
		}
		if _, err := d.mgr.CreateSession(key.LocalAddr, key.RemoteAddr, sc.Interface); err != nil {
			d.logger.Error("failed to create session",
				slog.String("peer", sc.Peer), slog.String("error", err.Error()))
			continue
		}
		created++
	}

	for key, s := range existing {
		if _, ok := want[key]; ok {
			continue
		}
		fullKey := bfd.Key{LocalAddr: s.LocalAddr, RemoteAddr: s.RemoteAddr, LDisc: s.LDisc}
		if err := d.mgr.DestroySession(fullKey); err != nil {
			d.logger.Error("failed to destroy session",
				slog.String("peer", key.RemoteAddr.String()), slog.String("error", err.Error()))
			continue
		}
		destroyed++
	}

	d.logger.Info("session reconciliation complete",
		slog.Int("created", created), slog.Int("destroyed", destroyed))
}

// -------------------------------------------------------------------------
// BFD Listeners
// -------------------------------------------------------------------------

// createListeners creates one single-hop listener per unique local address
// declared across cfg.Sessions.
func createListeners(cfg *config.Config, logger *slog.Logger) ([]*netio.Listener, error) {
	seen := make(map[netip.Addr]struct{})
	var listeners []*netio.Listener

	for _, sc := range cfg.Sessions {
		local, err := sc.LocalAddr()
		if err != nil || !local.IsValid() {
			continue
		}
		if _, ok := seen[local]; ok {
			continue
		}
		seen[local] = struct{}{}

		ln, err := netio.NewListener(netio.ListenerConfig{
			Addr:   local,
			IfName: sc.Interface,
			Port:   netio.PortSingleHop,
		})
		if err != nil {
			for _, existing := range listeners {
				_ = existing.Close()
			}
			return nil, fmt.Errorf("create listener on %s: %w", local, err)
		}

		logger.Info("BFD listener started",
			slog.String("addr", local.String()), slog.String("interface", sc.Interface))
		listeners = append(listeners, ln)
	}

	return listeners, nil
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func (d *daemon) gracefulShutdown(ctx context.Context, fr *trace.FlightRecorder, srv *http.Server) error {
	d.logger.Info("initiating graceful shutdown")
	notifyStopping(d.logger)

	// RFC 5880 Section 6.8.16: drive every live session to AdminDown so
	// peers see an intentional shutdown, not a detection-timer failure.
	for _, s := range d.mgr.Sessions() {
		key := bfd.Key{LocalAddr: s.LocalAddr, RemoteAddr: s.RemoteAddr, LDisc: s.LDisc}
		if err := d.mgr.DestroySession(key); err != nil {
			d.logger.Warn("failed to destroy session during shutdown",
				slog.String("peer", s.RemoteAddr.String()), slog.String("error", err.Error()))
		}
	}

	time.Sleep(drainTimeout)

	if fr != nil {
		fr.Stop()
		d.logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// SIGHUP reload
// -------------------------------------------------------------------------

func (d *daemon) handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			d.logger.Info("received SIGHUP, reloading configuration")
			d.reloadConfig(ctx, configPath, logLevel)
		}
	}
}

func (d *daemon) reloadConfig(ctx context.Context, configPath string, logLevel *slog.LevelVar) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		d.logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	d.logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	d.cfg = newCfg
	d.reconcileSessions(ctx, newCfg.Sessions)
}

// -------------------------------------------------------------------------
// Systemd Integration -- sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := sysdnotify.SdNotify(false, sysdnotify.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := sysdnotify.SdNotify(false, sysdnotify.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. If the watchdog is not configured, it exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := sysdnotify.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := sysdnotify.SdNotify(false, sysdnotify.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// HTTP / config / logging helpers
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry, mgr *bfd.Manager) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/sessions", newSessionsDebugHandler(mgr))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// sessionSummary is the JSON shape served at /debug/sessions. It exists so
// gobfdctl has something to read without a generated RPC client: the wire
// format is a plain, stable struct rather than a protocol the daemon and
// the CLI must be built and versioned together against.
type sessionSummary struct {
	LocalAddr       string `json:"local_addr"`
	RemoteAddr      string `json:"remote_addr"`
	Interface       string `json:"interface"`
	LocalDiscr      uint32 `json:"local_discriminator"`
	RemoteDiscr     uint32 `json:"remote_discriminator"`
	State           string `json:"state"`
	RemoteState     string `json:"remote_state"`
	Diagnostic      string `json:"diagnostic"`
	DetectMult      uint8  `json:"detect_multiplier"`
	TxIntervalUs    uint32 `json:"tx_interval_us"`
	DetectTimeUs    uint32 `json:"detect_time_us"`
	Demand          bool   `json:"demand"`
	Passive         bool   `json:"passive"`
	UptimeSeconds   int64  `json:"uptime_seconds,omitempty"`
	ReceivedPackets uint64 `json:"received_packets"`
}

func newSessionsDebugHandler(mgr *bfd.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := mgr.Sessions()
		out := make([]sessionSummary, 0, len(sessions))

		for _, s := range sessions {
			sum := sessionSummary{
				LocalAddr:       s.LocalAddr.String(),
				RemoteAddr:      s.RemoteAddr.String(),
				Interface:       s.IfName,
				LocalDiscr:      s.LDisc,
				RemoteDiscr:     s.RDisc,
				State:           s.Status.String(),
				RemoteState:     s.RState.String(),
				Diagnostic:      s.LDiag.String(),
				DetectMult:      s.LMulti,
				TxIntervalUs:    s.TxInterval,
				DetectTimeUs:    s.DTime,
				Demand:          s.Demand,
				Passive:         s.Passive,
				ReceivedPackets: s.RecvCnt,
			}
			if !s.Uptime.IsZero() {
				sum.UptimeSeconds = int64(time.Since(s.Uptime).Seconds())
			}
			out = append(out, sum)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// -------------------------------------------------------------------------
// Flight Recorder -- runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}
