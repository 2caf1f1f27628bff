package fib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/netauto/goexa/internal/config"
	"github.com/netauto/goexa/internal/runner"
)

// Sentinel errors for FIB construction and configuration.
var (
	// ErrUnknownFIB indicates the configured FIB name is not recognized.
	ErrUnknownFIB = errors.New("unknown FIB name")

	// ErrPrefixLimitUnsupported indicates learn.prefix_limit is set but
	// the backend cannot enforce it.
	ErrPrefixLimitUnsupported = errors.New("prefix limit set but not supported by FIB")
)

// FIB installs, removes and inspects routes on one backend forwarding
// table. All boolean results report whether the backend accepted the
// mutation; transient failures are false, never panics or escaping errors.
type FIB interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// AddRoute installs (prefix via nextHop). Returns false without side
	// effects when policy forbids the route (default route or link-local
	// next-hop disabled by configuration).
	AddRoute(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) bool

	// DelRoute removes exactly the (prefix, nextHop) adjacency.
	DelRoute(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) bool

	// DelAllRoutes removes every route carrying the agent's identifying
	// metric, restricted to nextHop when it is valid. True iff at least
	// one route was deleted.
	DelAllRoutes(ctx context.Context, nextHop netip.Addr) bool

	// CheckForRoute reports whether (prefix, nextHop) with the agent's
	// metric is present in the backend's table.
	CheckForRoute(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) bool

	// CheckPrefixLimit returns the configured learnt-prefix limit, 0 for
	// unlimited. A non-zero limit on a backend that cannot enforce one
	// is a configuration error.
	CheckPrefixLimit() (int, error)
}

// New constructs the named FIB backend. Unknown names are a configuration
// error. The returned backend's prefix limit is verified immediately so a
// bad combination fails at startup, not on first use.
func New(name string, cfg config.LearnConfig, r *runner.Runner, logger *slog.Logger) (FIB, error) {
	var f FIB
	switch name {
	case "Linux":
		f = NewLinuxFIB(cfg, r, logger)
	default:
		return nil, fmt.Errorf("fib %q: %w", name, ErrUnknownFIB)
	}

	if _, err := f.CheckPrefixLimit(); err != nil {
		return nil, fmt.Errorf("fib %q: %w", name, err)
	}

	return f, nil
}

// NewAll constructs every named backend, in input order.
func NewAll(names []string, cfg config.LearnConfig, r *runner.Runner, logger *slog.Logger) ([]FIB, error) {
	fibs := make([]FIB, 0, len(names))
	for _, name := range names {
		f, err := New(name, cfg, r, logger)
		if err != nil {
			return nil, err
		}
		fibs = append(fibs, f)
	}
	return fibs, nil
}
