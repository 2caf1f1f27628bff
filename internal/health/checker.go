// Package health evaluates reachability checks that gate prefix
// advertisement. Checkers are selected by class name from configuration;
// all checkers bound to a prefix must pass for the prefix to be announced.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/netauto/goexa/internal/config"
	"github.com/netauto/goexa/internal/runner"
)

// Sentinel errors for checker construction.
var (
	// ErrUnknownChecker indicates the configured checker class name is
	// not recognized.
	ErrUnknownChecker = errors.New("unknown health checker class")

	// ErrMissingKwarg indicates a required checker option is absent.
	ErrMissingKwarg = errors.New("missing checker kwarg")

	// ErrInvalidKwarg indicates a checker option has the wrong type or an
	// unparseable value.
	ErrInvalidKwarg = errors.New("invalid checker kwarg")
)

// Checker produces a boolean reachability verdict for its target.
// Implementations must be safe for concurrent use and must never panic;
// any internal failure is a false verdict.
type Checker interface {
	// Check runs one evaluation. False on unreachable, subprocess
	// failure, timeout, or internal error.
	Check(ctx context.Context) bool

	// Target describes what is being checked, for logs and metrics.
	Target() string
}

// New constructs a Checker from its configured class name and kwargs.
// An unknown class name is a configuration error.
func New(cc config.CheckerConfig, r *runner.Runner, logger *slog.Logger) (Checker, error) {
	switch cc.Class {
	case "PingChecker":
		return newPingChecker(cc.Kwargs, r, logger)
	default:
		return nil, fmt.Errorf("checker class %q: %w", cc.Class, ErrUnknownChecker)
	}
}

// BuildAdvertisePrefixes resolves the configured prefix -> checkers map.
// Unparseable prefix keys are logged and skipped; a prefix with no
// checkers is kept and treated as always healthy. Unknown checker classes
// abort with an error: that is a deployment bug, not a runtime event.
func BuildAdvertisePrefixes(
	cfg config.AdvertiseConfig,
	r *runner.Runner,
	logger *slog.Logger,
) (map[netip.Prefix][]Checker, error) {
	prefixes := make(map[netip.Prefix][]Checker, len(cfg.Prefixes))

	for raw, checkerCfgs := range cfg.Prefixes {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			logger.Error("ignoring invalid advertise prefix",
				slog.String("prefix", raw),
				slog.String("error", err.Error()),
			)
			continue
		}

		checkers := make([]Checker, 0, len(checkerCfgs))
		for _, cc := range checkerCfgs {
			checker, err := New(cc, r, logger)
			if err != nil {
				return nil, fmt.Errorf("prefix %s: %w", raw, err)
			}
			checkers = append(checkers, checker)
		}
		prefixes[prefix] = checkers
	}

	return prefixes, nil
}

// CheckAll runs every checker concurrently and returns their verdicts in
// input order. One checker failing or hanging until its own timeout never
// cancels the others; the call returns when all checkers have finished.
func CheckAll(ctx context.Context, checkers []Checker) []bool {
	results := make([]bool, len(checkers))

	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = c.Check(ctx)
		}(i, c)
	}
	wg.Wait()

	return results
}

// -------------------------------------------------------------------------
// Kwarg Helpers
// -------------------------------------------------------------------------

// stringKwarg extracts a required string option.
func stringKwarg(kwargs map[string]any, key string) (string, error) {
	v, ok := kwargs[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrMissingKwarg)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s is %T, want string: %w", key, v, ErrInvalidKwarg)
	}
	return s, nil
}

// numberKwarg extracts an optional numeric option with a default. JSON and
// YAML decoders hand numbers over as float64 or int depending on source.
func numberKwarg(kwargs map[string]any, key string, def float64) (float64, error) {
	v, ok := kwargs[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s is %T, want number: %w", key, v, ErrInvalidKwarg)
	}
}
