package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/netauto/goexa/internal/config"
)

// writeTempConfig writes content to a temp file with the given name and
// returns its path.
func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalJSON = `{
  "advertise": {
    "interval": 5.0,
    "prefixes": {
      "69::/32": [
        {"class": "PingChecker", "kwargs": {"ping_target": "69::1"}}
      ]
    }
  }
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "announcer.json", minimalJSON)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Advertise.Interval != 5.0 {
		t.Errorf("Interval = %v, want 5.0", cfg.Advertise.Interval)
	}
	if cfg.Advertise.NextHop != "self" {
		t.Errorf("NextHop = %q, want default self", cfg.Advertise.NextHop)
	}
	if !cfg.Learn.UseSudo {
		t.Error("UseSudo default should be true")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want default info", cfg.Log.Level)
	}

	checkers, ok := cfg.Advertise.Prefixes["69::/32"]
	if !ok {
		t.Fatal("prefix 69::/32 missing from Prefixes")
	}
	if len(checkers) != 1 || checkers[0].Class != "PingChecker" {
		t.Errorf("checkers = %+v, want one PingChecker", checkers)
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "announcer.yaml", `
advertise:
  interval: 2.5
  next_hop: "2000:69::1"
  prefixes:
    "70::/32": []
learn:
  fibs: ["Linux"]
  allow_default: true
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Advertise.NextHop != "2000:69::1" {
		t.Errorf("NextHop = %q, want 2000:69::1", cfg.Advertise.NextHop)
	}
	if len(cfg.Learn.Fibs) != 1 || cfg.Learn.Fibs[0] != "Linux" {
		t.Errorf("Fibs = %v, want [Linux]", cfg.Learn.Fibs)
	}
	if !cfg.Learn.LearnAllowDefault() {
		t.Error("LearnAllowDefault() = false with explicit allow_default: true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := config.Load("/nonexistent/announcer.json"); err == nil {
		t.Error("Load(missing file) returned nil error")
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, "bad.json", `{"advertise": `)
	if _, err := config.Load(path); err == nil {
		t.Error("Load(invalid JSON) returned nil error")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeTempConfig(t, "announcer.json", minimalJSON)

	t.Setenv("GOEXA_LOG_LEVEL", "debug")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want env override debug", cfg.Log.Level)
	}
}

func TestValidateNextHop(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"self lower", "self", "self", false},
		{"self mixed case", "sELf", "self", false},
		{"v6 canonicalized", "0069:0000:0000:0000:0000:0000:0000:0001", "69::1", false},
		{"v4", "10.6.9.1", "10.6.9.1", false},
		{"garbage", "cooper69", "", true},
		{"prefix not address", "69::/32", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := config.ValidateNextHop(tt.in)
			if tt.wantErr {
				if !errors.Is(err, config.ErrInvalidNextHop) {
					t.Errorf("ValidateNextHop(%q) error = %v, want ErrInvalidNextHop", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateNextHop(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ValidateNextHop(%q) = %q, want %q", tt.in, got, tt.want)
			}

			// Idempotence: canonical form validates to itself.
			again, err := config.ValidateNextHop(got)
			if err != nil || again != got {
				t.Errorf("ValidateNextHop(%q) not idempotent: %q, %v", got, again, err)
			}
		})
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		cfg := config.DefaultConfig()
		cfg.Advertise.Interval = 1.0
		cfg.Advertise.Prefixes = map[string][]config.CheckerConfig{
			"69::/32": nil,
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{"zero interval", func(c *config.Config) { c.Advertise.Interval = 0 }, config.ErrInvalidInterval},
		{"negative interval", func(c *config.Config) { c.Advertise.Interval = -1 }, config.ErrInvalidInterval},
		{"no prefixes", func(c *config.Config) { c.Advertise.Prefixes = nil }, config.ErrNoPrefixes},
		{"bad next hop", func(c *config.Config) { c.Advertise.NextHop = "not-an-ip" }, config.ErrInvalidNextHop},
		{"negative prefix limit", func(c *config.Config) { c.Learn.PrefixLimit = -1 }, config.ErrInvalidPrefixLimit},
		{
			"empty checker class",
			func(c *config.Config) {
				c.Advertise.Prefixes["69::/32"] = []config.CheckerConfig{{Class: ""}}
			},
			config.ErrMissingCheckerClass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			if err := config.Validate(cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAllowDefaultLayering(t *testing.T) {
	t.Parallel()

	var lc config.LearnConfig
	if !lc.FibAllowDefault() {
		t.Error("FibAllowDefault() with absent key = false, want true")
	}
	if lc.LearnAllowDefault() {
		t.Error("LearnAllowDefault() with absent key = true, want false")
	}

	no := false
	lc.AllowDefault = &no
	if lc.FibAllowDefault() {
		t.Error("FibAllowDefault() with explicit false = true")
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIntervalDuration(t *testing.T) {
	t.Parallel()

	ac := config.AdvertiseConfig{Interval: 2.5}
	if got := ac.IntervalDuration().Seconds(); got != 2.5 {
		t.Errorf("IntervalDuration() = %vs, want 2.5s", got)
	}
}
