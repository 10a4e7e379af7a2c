// Package config manages GoBFD daemon configuration using koanf/v2.
//
// Supports YAML files layered with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/bfdproject/gobfd/internal/bfd"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete gobfd configuration.
type Config struct {
	Metrics    MetricsConfig     `koanf:"metrics"`
	Log        LogConfig         `koanf:"log"`
	BFD        BFDConfig         `koanf:"bfd"`
	GoBGP      GoBGPConfig       `koanf:"gobgp"`
	Interfaces []InterfaceConfig `koanf:"interfaces"`
	Sessions   []SessionConfig   `koanf:"sessions"`
}

// GoBGPConfig holds the GoBGP gRPC client connection and the BFD->BGP
// action policy applied on session state changes.
type GoBGPConfig struct {
	// Enabled controls whether the gobgp integration is wired up at all.
	// When false, BFD runs standalone: sessions still transition per the
	// FSM, but no BGP peer is disabled/enabled as a result.
	Enabled bool `koanf:"enabled"`

	// Addr is the GoBGP gRPC API address (e.g., "127.0.0.1:50051").
	Addr string `koanf:"addr"`

	// Strategy selects the BFD->BGP action policy. See gobgp.Strategy.
	Strategy string `koanf:"strategy"`

	// Dampening configures RFC 5882 Section 3.2 flap dampening.
	Dampening DampeningConfig `koanf:"dampening"`
}

// DampeningConfig mirrors gobgp.DampeningConfig for file/env configuration;
// internal/gobgp.DampeningConfig is built from it at startup so that the
// gobgp package itself stays free of a koanf dependency.
type DampeningConfig struct {
	Enabled           bool          `koanf:"enabled"`
	SuppressThreshold float64       `koanf:"suppress_threshold"`
	ReuseThreshold    float64       `koanf:"reuse_threshold"`
	MaxSuppressTime   time.Duration `koanf:"max_suppress_time"`
	HalfLife          time.Duration `koanf:"half_life"`
}

// InterfaceConfig overrides the default BFD timing/flags for sessions bound
// to a specific interface, feeding internal/netio.InterfaceTable.
type InterfaceConfig struct {
	// Name is the network interface this entry applies to (e.g., "eth0").
	Name string `koanf:"name"`

	// IntervalMs is the desired minimum TX interval in milliseconds.
	IntervalMs uint32 `koanf:"interval_ms"`

	// MinRxMs is the required minimum RX interval in milliseconds.
	MinRxMs uint32 `koanf:"min_rx_ms"`

	// Multiplier is the detection time multiplier.
	Multiplier uint8 `koanf:"multiplier"`

	// Passive marks the interface passive (RFC 5880 Section 6.1): sessions
	// on it never initiate bring-up, only respond.
	Passive bool `koanf:"passive"`

	// DemandWanted requests Demand mode once a session on this interface
	// reaches Up.
	DemandWanted bool `koanf:"demand_wanted"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// BFDConfig holds the default BFD session parameters, consulted by
// internal/netio.InterfaceTable for any interface without a more specific
// entry in Interfaces.
type BFDConfig struct {
	// DefaultDesiredMinTx is the default desired minimum TX interval.
	// RFC 5880 Section 6.8.1: used as the initial bfd.DesiredMinTxInterval.
	DefaultDesiredMinTx time.Duration `koanf:"default_desired_min_tx"`

	// DefaultRequiredMinRx is the default required minimum RX interval.
	// RFC 5880 Section 6.8.1: used as the initial bfd.RequiredMinRxInterval.
	DefaultRequiredMinRx time.Duration `koanf:"default_required_min_rx"`

	// DefaultDetectMultiplier is the default detection time multiplier.
	// RFC 5880 Section 6.8.1: MUST be nonzero.
	DefaultDetectMultiplier uint32 `koanf:"default_detect_multiplier"`

	// DefaultPassive is the default passive flag applied to interfaces
	// with no explicit Interfaces entry.
	DefaultPassive bool `koanf:"default_passive"`

	// DefaultDemandWanted is the default Demand mode request applied to
	// interfaces with no explicit Interfaces entry.
	DefaultDemandWanted bool `koanf:"default_demand_wanted"`
}

// SessionConfig describes a declarative BFD session from the configuration file.
// Each entry creates a BFD session on daemon startup and SIGHUP reload.
type SessionConfig struct {
	// Peer is the remote system's IP address.
	Peer string `koanf:"peer"`

	// Local is the local system's IP address.
	Local string `koanf:"local"`

	// Interface is the network interface for SO_BINDTODEVICE (optional).
	Interface string `koanf:"interface"`

	// Type is the session type: "single_hop" or "multi_hop".
	Type string `koanf:"type"`
}

// SessionKey returns a unique identifier for the session based on
// (peer, local, interface). Used for diffing sessions on SIGHUP reload.
func (sc SessionConfig) SessionKey() string {
	return sc.Peer + "|" + sc.Local + "|" + sc.Interface
}

// PeerAddr parses the Peer string as a netip.Addr.
func (sc SessionConfig) PeerAddr() (netip.Addr, error) {
	if sc.Peer == "" {
		return netip.Addr{}, fmt.Errorf("session peer: %w", ErrInvalidSessionPeer)
	}
	addr, err := netip.ParseAddr(sc.Peer)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse session peer %q: %w", sc.Peer, err)
	}
	return addr, nil
}

// LocalAddr parses the Local string as a netip.Addr.
func (sc SessionConfig) LocalAddr() (netip.Addr, error) {
	if sc.Local == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(sc.Local)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse session local %q: %w", sc.Local, err)
	}
	return addr, nil
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
//
// BFD defaults follow RFC 5880 Section 6.8.3: "When bfd.SessionState is not
// Up, the system MUST set bfd.DesiredMinTxInterval to a value of not less
// than one second (1,000,000 microseconds)." The default of 1s is the
// conservative starting point for production deployments.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		BFD: BFDConfig{
			DefaultDesiredMinTx:     1 * time.Second,
			DefaultRequiredMinRx:    1 * time.Second,
			DefaultDetectMultiplier: 3,
		},
		GoBGP: GoBGPConfig{
			Enabled:   false,
			Strategy:  "disable-peer",
			Dampening: DefaultDampeningConfig(),
		},
	}
}

// DefaultDampeningConfig mirrors gobgp.DefaultDampeningConfig's values so
// the config package's defaults stay in sync without importing gobgp just
// for the constants.
func DefaultDampeningConfig() DampeningConfig {
	return DampeningConfig{
		Enabled:           false,
		SuppressThreshold: 3,
		ReuseThreshold:    2,
		MaxSuppressTime:   60 * time.Second,
		HalfLife:          15 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for GoBFD configuration.
// Variables are named GOBFD_<section>_<key>, e.g., GOBFD_GOBGP_ADDR.
const envPrefix = "GOBFD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOBFD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOBFD_GOBGP_ADDR      -> gobgp.addr
//	GOBFD_GOBGP_STRATEGY  -> gobgp.strategy
//	GOBFD_METRICS_ADDR    -> metrics.addr
//	GOBFD_METRICS_PATH    -> metrics.path
//	GOBFD_LOG_LEVEL       -> log.level
//	GOBFD_LOG_FORMAT      -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// GOBFD_GOBGP_ADDR -> gobgp.addr (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	warnNonCommonIntervals(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOBFD_GOBGP_ADDR -> gobgp.addr.
// Strips the GOBFD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":                       defaults.Metrics.Addr,
		"metrics.path":                       defaults.Metrics.Path,
		"log.level":                          defaults.Log.Level,
		"log.format":                         defaults.Log.Format,
		"bfd.default_desired_min_tx":         defaults.BFD.DefaultDesiredMinTx.String(),
		"bfd.default_required_min_rx":        defaults.BFD.DefaultRequiredMinRx.String(),
		"bfd.default_detect_multiplier":      defaults.BFD.DefaultDetectMultiplier,
		"bfd.default_passive":                defaults.BFD.DefaultPassive,
		"bfd.default_demand_wanted":          defaults.BFD.DefaultDemandWanted,
		"gobgp.enabled":                      defaults.GoBGP.Enabled,
		"gobgp.strategy":                     defaults.GoBGP.Strategy,
		"gobgp.dampening.enabled":            defaults.GoBGP.Dampening.Enabled,
		"gobgp.dampening.suppress_threshold": defaults.GoBGP.Dampening.SuppressThreshold,
		"gobgp.dampening.reuse_threshold":    defaults.GoBGP.Dampening.ReuseThreshold,
		"gobgp.dampening.max_suppress_time":  defaults.GoBGP.Dampening.MaxSuppressTime.String(),
		"gobgp.dampening.half_life":          defaults.GoBGP.Dampening.HalfLife.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// RFC 7419 Common Interval Alignment
// -------------------------------------------------------------------------

// warnNonCommonIntervals logs a warning for every configured BFD interval
// that doesn't sit on the RFC 7419 common interval set
// (internal/bfd.CommonIntervals). Non-common values are legal — RFC 7419
// only recommends the common set for interop with hardware-based
// implementations — so this never rejects or rewrites the configuration,
// only flags it. Called by Load after unmarshalling, before Validate.
func warnNonCommonIntervals(cfg *Config) {
	checkInterval("bfd.default_desired_min_tx", cfg.BFD.DefaultDesiredMinTx)
	checkInterval("bfd.default_required_min_rx", cfg.BFD.DefaultRequiredMinRx)

	for _, ic := range cfg.Interfaces {
		if ic.IntervalMs > 0 {
			checkInterval(fmt.Sprintf("interfaces[%s].interval_ms", ic.Name), millisToDuration(ic.IntervalMs))
		}
		if ic.MinRxMs > 0 {
			checkInterval(fmt.Sprintf("interfaces[%s].min_rx_ms", ic.Name), millisToDuration(ic.MinRxMs))
		}
	}
}

func checkInterval(field string, d time.Duration) {
	if d <= 0 || bfd.IsCommonInterval(d) {
		return
	}
	slog.Warn("configured interval is not an RFC 7419 common interval",
		"field", field, "value", d, "nearest_common", bfd.AlignToCommonInterval(d))
}

func millisToDuration(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidDetectMultiplier indicates the detect multiplier is zero.
	ErrInvalidDetectMultiplier = errors.New("bfd.default_detect_multiplier must be >= 1")

	// ErrInvalidDesiredMinTx indicates the desired min TX interval is invalid.
	ErrInvalidDesiredMinTx = errors.New("bfd.default_desired_min_tx must be > 0")

	// ErrInvalidRequiredMinRx indicates the required min RX interval is invalid.
	ErrInvalidRequiredMinRx = errors.New("bfd.default_required_min_rx must be > 0")

	// ErrInvalidSessionPeer indicates a session has an invalid peer address.
	ErrInvalidSessionPeer = errors.New("session peer address is invalid")

	// ErrInvalidSessionType indicates a session has an unrecognized type.
	ErrInvalidSessionType = errors.New("session type must be single_hop or multi_hop")

	// ErrDuplicateSessionKey indicates two sessions share the same (peer, local, interface) key.
	ErrDuplicateSessionKey = errors.New("duplicate session key")

	// ErrEmptyGoBGPAddr indicates the gobgp integration is enabled but has
	// no gRPC address to dial.
	ErrEmptyGoBGPAddr = errors.New("gobgp.addr must not be empty when gobgp.enabled is true")

	// ErrInvalidInterfaceName indicates an interfaces[] entry has no name.
	ErrInvalidInterfaceName = errors.New("interfaces[].name must not be empty")

	// ErrInvalidGoBGPStrategy indicates gobgp.strategy is not recognized.
	ErrInvalidGoBGPStrategy = errors.New("gobgp.strategy must be disable-peer or withdraw-routes")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.BFD.DefaultDetectMultiplier < 1 {
		return ErrInvalidDetectMultiplier
	}

	if cfg.BFD.DefaultDesiredMinTx <= 0 {
		return ErrInvalidDesiredMinTx
	}

	if cfg.BFD.DefaultRequiredMinRx <= 0 {
		return ErrInvalidRequiredMinRx
	}

	if cfg.GoBGP.Enabled {
		if cfg.GoBGP.Addr == "" {
			return ErrEmptyGoBGPAddr
		}
		if !gobgpStrategies[cfg.GoBGP.Strategy] {
			return fmt.Errorf("gobgp.strategy %q: %w", cfg.GoBGP.Strategy, ErrInvalidGoBGPStrategy)
		}
	}

	for i, ic := range cfg.Interfaces {
		if ic.Name == "" {
			return fmt.Errorf("interfaces[%d]: %w", i, ErrInvalidInterfaceName)
		}
	}

	if err := validateSessions(cfg.Sessions); err != nil {
		return err
	}

	return nil
}

// gobgpStrategies mirrors gobgp.ValidStrategies without importing gobgp,
// so config validation can run before the gobgp client is constructed.
var gobgpStrategies = map[string]bool{
	"disable-peer":    true,
	"withdraw-routes": true,
}

// ValidSessionTypes lists the recognized session type strings.
var ValidSessionTypes = map[string]bool{
	"single_hop": true,
	"multi_hop":  true,
}

// validateSessions checks each declarative session entry for correctness.
func validateSessions(sessions []SessionConfig) error {
	seen := make(map[string]struct{}, len(sessions))

	for i, sc := range sessions {
		if _, err := sc.PeerAddr(); err != nil {
			return fmt.Errorf("sessions[%d]: %w: %w", i, ErrInvalidSessionPeer, err)
		}

		if sc.Type != "" && !ValidSessionTypes[sc.Type] {
			return fmt.Errorf("sessions[%d] type %q: %w", i, sc.Type, ErrInvalidSessionType)
		}

		key := sc.SessionKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sessions[%d] key %q: %w", i, key, ErrDuplicateSessionKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
