// Package config manages goexa agent configuration using koanf/v2.
//
// Supports JSON and YAML files plus environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete goexa configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Advertise AdvertiseConfig `koanf:"advertise"`
	Learn     LearnConfig     `koanf:"learn"`
	Pipes     PipesConfig     `koanf:"pipes"`

	// DryRun logs learnt-route programming instead of executing it.
	// Usually set via the --dry-run flag rather than the file.
	DryRun bool `koanf:"dry_run"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint
	// (e.g., ":9100"). Empty disables the metrics server.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// AdvertiseConfig holds the health-evaluation/advertise loop configuration.
type AdvertiseConfig struct {
	// Interval is the seconds between health evaluation cycles.
	Interval float64 `koanf:"interval"`

	// NextHop is "self" or an IP address to announce as the next hop.
	NextHop string `koanf:"next_hop"`

	// Prefixes maps an advertised prefix to the health checks gating it.
	// A prefix with no checkers is always considered healthy.
	Prefixes map[string][]CheckerConfig `koanf:"prefixes"`

	// WithdrawOnExit sends a withdraw for every managed prefix on
	// graceful shutdown.
	WithdrawOnExit bool `koanf:"withdraw_on_exit"`
}

// CheckerConfig selects a health checker implementation by class name.
type CheckerConfig struct {
	// Class is the checker class name, e.g. "PingChecker".
	Class string `koanf:"class"`
	// Kwargs holds the class-specific options.
	Kwargs map[string]any `koanf:"kwargs"`
}

// LearnConfig holds the BGP-learnt route programming configuration.
type LearnConfig struct {
	// Fibs names the FIB backends to program, e.g. ["Linux"].
	// Empty disables the learn path entirely.
	Fibs []string `koanf:"fibs"`

	// AllowDefault controls default-route handling. The key is read at
	// two layers with different absent-key defaults, matching the
	// deployed behavior this agent replaces: FIBs install defaults
	// unless explicitly disabled, while the learner's internal-network
	// filter only lets defaults bypass it when explicitly enabled.
	AllowDefault *bool `koanf:"allow_default"`

	// AllowLLNextHop permits link-local next-hops in programmed routes.
	AllowLLNextHop bool `koanf:"allow_ll_nexthop"`

	// PrefixLimit bounds learnt prefixes; 0 means unlimited. A non-zero
	// limit requires backend support and is rejected at startup otherwise.
	PrefixLimit int `koanf:"prefix_limit"`

	// UseSudo prefixes FIB commands with sudo.
	UseSudo bool `koanf:"use_sudo"`
}

// FibAllowDefault reports whether FIB backends may install default routes.
// Absent key defaults to true.
func (lc LearnConfig) FibAllowDefault() bool {
	if lc.AllowDefault == nil {
		return true
	}
	return *lc.AllowDefault
}

// LearnAllowDefault reports whether learnt default routes bypass the
// internal-network filter. Absent key defaults to false.
func (lc LearnConfig) LearnAllowDefault() bool {
	if lc.AllowDefault == nil {
		return false
	}
	return *lc.AllowDefault
}

// PipesConfig holds the optional named-pipe speaker channel configuration.
// Both paths set switches the agent from stdio to FIFO mode.
type PipesConfig struct {
	In  string `koanf:"in"`
	Out string `koanf:"out"`
}

// Enabled reports whether FIFO mode is configured.
func (pc PipesConfig) Enabled() bool {
	return pc.In != "" && pc.Out != ""
}

// IntervalDuration returns the advertise interval as a time.Duration.
func (ac AdvertiseConfig) IntervalDuration() time.Duration {
	return time.Duration(ac.Interval * float64(time.Second))
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: "",
			Path: "/metrics",
		},
		Advertise: AdvertiseConfig{
			NextHop: "self",
		},
		Learn: LearnConfig{
			UseSudo: true,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for goexa configuration.
// Variables are named GOEXA_<section>_<key>, e.g., GOEXA_LOG_LEVEL.
const envPrefix = "GOEXA_"

// Load reads configuration from a JSON or YAML file at path (selected by
// extension; JSON unless the file ends in .yaml/.yml), overlays environment
// variable overrides (GOEXA_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping (single-segment keys only):
//
//	GOEXA_LOG_LEVEL     -> log.level
//	GOEXA_LOG_FORMAT    -> log.format
//	GOEXA_METRICS_ADDR  -> metrics.addr
//	GOEXA_METRICS_PATH  -> metrics.path
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	parser := parserFor(path)
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// parserFor selects the koanf parser by file extension. The config file
// this agent historically ships is JSON; YAML is accepted for parity with
// the rest of our tooling.
func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kyaml.Parser()
	default:
		return kjson.Parser()
	}
}

// envKeyMapper transforms GOEXA_LOG_LEVEL -> log.level.
// Strips the GOEXA_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":          defaults.Log.Level,
		"log.format":         defaults.Log.Format,
		"metrics.addr":       defaults.Metrics.Addr,
		"metrics.path":       defaults.Metrics.Path,
		"advertise.next_hop": defaults.Advertise.NextHop,
		"learn.use_sudo":     defaults.Learn.UseSudo,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidInterval indicates advertise.interval is missing or <= 0.
	ErrInvalidInterval = errors.New("advertise.interval must be > 0")

	// ErrNoPrefixes indicates advertise.prefixes is empty.
	ErrNoPrefixes = errors.New("advertise.prefixes must not be empty")

	// ErrInvalidNextHop indicates advertise.next_hop is neither "self"
	// nor a parseable IP address.
	ErrInvalidNextHop = errors.New(`next_hop must be "self" or an IP address`)

	// ErrInvalidPrefixLimit indicates learn.prefix_limit is negative.
	ErrInvalidPrefixLimit = errors.New("learn.prefix_limit must be >= 0")

	// ErrMissingCheckerClass indicates a checker entry has no class name.
	ErrMissingCheckerClass = errors.New("checker class must not be empty")
)

// NextHopSelf is the literal token the BGP speaker substitutes with its
// own address.
const NextHopSelf = "self"

// ValidateNextHop canonicalizes a next-hop string: "self" (any case)
// becomes the literal self token, anything else must parse as an IP
// address and is returned in compressed form. The function is idempotent.
func ValidateNextHop(s string) (string, error) {
	if strings.EqualFold(s, NextHopSelf) {
		return NextHopSelf, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("next_hop %q: %w", s, ErrInvalidNextHop)
	}
	return addr.String(), nil
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Advertise.Interval <= 0 {
		return ErrInvalidInterval
	}

	if len(cfg.Advertise.Prefixes) == 0 {
		return ErrNoPrefixes
	}

	nextHop, err := ValidateNextHop(cfg.Advertise.NextHop)
	if err != nil {
		return err
	}
	cfg.Advertise.NextHop = nextHop

	for prefix, checkers := range cfg.Advertise.Prefixes {
		for i, cc := range checkers {
			if cc.Class == "" {
				return fmt.Errorf("prefix %s checker[%d]: %w", prefix, i, ErrMissingCheckerClass)
			}
		}
	}

	if cfg.Learn.PrefixLimit < 0 {
		return ErrInvalidPrefixLimit
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
