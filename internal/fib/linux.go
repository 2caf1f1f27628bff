package fib

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/netauto/goexa/internal/config"
	"github.com/netauto/goexa/internal/netaddr"
	"github.com/netauto/goexa/internal/runner"
)

// LinuxMetric marks every route this agent installs so enumeration and
// deletion can tell them apart from operator- or daemon-installed routes.
const LinuxMetric = 31337

// ipCommandTimeout bounds a single ip(8) invocation.
const ipCommandTimeout = 2 * time.Second

// linuxFIBName identifies the backend in configuration, logs and metrics.
const linuxFIBName = "Linux"

// ipPath returns the ip(8) binary path for the current platform.
func ipPath() string {
	if runtime.GOOS == "darwin" {
		return "/usr/local/bin/ip"
	}
	return "/sbin/ip"
}

// sudoPath returns the sudo binary path for the current platform.
func sudoPath() string {
	if runtime.GOOS == "darwin" {
		return "/usr/sbin/sudo"
	}
	return "/usr/bin/sudo"
}

// LinuxFIB programs the kernel routing table through ip(8), optionally
// via sudo so neither the agent nor the speaker needs elevated privileges
// of its own.
type LinuxFIB struct {
	allowDefault   bool
	allowLLNextHop bool
	prefixLimit    int
	useSudo        bool
	runner         *runner.Runner
	logger         *slog.Logger
}

// NewLinuxFIB creates a LinuxFIB from the learn configuration.
func NewLinuxFIB(cfg config.LearnConfig, r *runner.Runner, logger *slog.Logger) *LinuxFIB {
	return &LinuxFIB{
		allowDefault:   cfg.FibAllowDefault(),
		allowLLNextHop: cfg.AllowLLNextHop,
		prefixLimit:    cfg.PrefixLimit,
		useSudo:        cfg.UseSudo,
		runner:         r,
		logger:         logger.With(slog.String("component", "fib.linux")),
	}
}

// Name implements FIB.
func (f *LinuxFIB) Name() string {
	return linuxFIBName
}

// CheckPrefixLimit implements FIB. The Linux backend has no learnt-prefix
// accounting, so any non-zero limit is rejected.
func (f *LinuxFIB) CheckPrefixLimit() (int, error) {
	if f.prefixLimit == 0 {
		return 0, nil
	}
	return 0, fmt.Errorf("limit %d: %w", f.prefixLimit, ErrPrefixLimitUnsupported)
}

// allowRoute applies the policy gates shared by every installation:
// default routes and link-local next-hops are refused unless enabled.
func (f *LinuxFIB) allowRoute(prefix netip.Prefix, nextHop netip.Addr) bool {
	if !f.allowDefault && netaddr.IsDefault(prefix) {
		f.logger.Info("not adding default route due to config",
			slog.String("prefix", prefix.String()),
		)
		return false
	}

	if nextHop.IsValid() && !f.allowLLNextHop && netaddr.IsLinkLocal(nextHop) {
		f.logger.Info("link-local next-hop addresses are disabled, skipping",
			slog.String("prefix", prefix.String()),
			slog.String("next_hop", nextHop.String()),
		)
		return false
	}

	return true
}

// AddRoute implements FIB.
func (f *LinuxFIB) AddRoute(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) bool {
	if !f.allowRoute(prefix, nextHop) {
		return false
	}

	f.logger.Info("adding route",
		slog.String("prefix", prefix.String()),
		slog.String("next_hop", nextHop.String()),
	)

	res, err := f.runner.Run(ctx, ipCommandTimeout, f.GenRouteCommand("add", prefix, nextHop)...)
	if err != nil {
		return false
	}
	return res.Succeeded()
}

// DelRoute implements FIB.
func (f *LinuxFIB) DelRoute(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) bool {
	f.logger.Info("deleting route",
		slog.String("prefix", prefix.String()),
		slog.String("next_hop", nextHop.String()),
	)

	res, err := f.runner.Run(ctx, ipCommandTimeout, f.GenRouteCommand("delete", prefix, nextHop)...)
	if err != nil {
		return false
	}
	return res.Succeeded()
}

// routeTable returns the plain-text routing table for one address family
// (4 or 6).
func (f *LinuxFIB) routeTable(ctx context.Context, version int) (string, error) {
	res, err := f.runner.Run(ctx, ipCommandTimeout,
		ipPath(), fmt.Sprintf("-%d", version), "route", "show")
	if err != nil {
		return "", err
	}
	if !res.Succeeded() {
		return "", fmt.Errorf("ip -%d route show exited %d", version, res.ExitCode)
	}
	return res.Stdout, nil
}

// prefixVersion returns 4 or 6 for the prefix's address family.
func prefixVersion(prefix netip.Prefix) int {
	if prefix.Addr().Is4() {
		return 4
	}
	return 6
}

// CheckForRoute implements FIB: greps the family's route table for the
// (prefix, next-hop) adjacency carrying the agent metric.
func (f *LinuxFIB) CheckForRoute(ctx context.Context, prefix netip.Prefix, nextHop netip.Addr) bool {
	table, err := f.routeTable(ctx, prefixVersion(prefix))
	if err != nil {
		f.logger.Error("failed to read route table",
			slog.String("error", err.Error()),
		)
		return false
	}

	routeRe := regexp.MustCompile(
		regexp.QuoteMeta(prefix.String()) +
			` via.*` + regexp.QuoteMeta(nextHop.String()) +
			`.*metric ` + strconv.Itoa(LinuxMetric) + `.*`)
	return routeRe.MatchString(table)
}

// DelAllRoutes implements FIB: enumerates both family tables and deletes
// every route carrying the agent metric, restricted to nextHop when given.
// True iff at least one route was deleted.
func (f *LinuxFIB) DelAllRoutes(ctx context.Context, nextHop netip.Addr) bool {
	var removeRe *regexp.Regexp
	if nextHop.IsValid() {
		removeRe = regexp.MustCompile(
			`(.*) via.*` + regexp.QuoteMeta(nextHop.String()) +
				`.*metric ` + strconv.Itoa(LinuxMetric) + `.*`)
	} else {
		removeRe = regexp.MustCompile(
			`(.*) via (.*) dev .*metric ` + strconv.Itoa(LinuxMetric))
	}

	deleted := 0
	for _, version := range []int{4, 6} {
		table, err := f.routeTable(ctx, version)
		if err != nil {
			f.logger.Error("failed to read route table",
				slog.Int("version", version),
				slog.String("error", err.Error()),
			)
			continue
		}

		for _, line := range strings.Split(table, "\n") {
			m := removeRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}

			prefix, err := parseTablePrefix(strings.TrimSpace(m[1]), version)
			if err != nil {
				f.logger.Error("unparseable prefix in route table",
					slog.String("line", line),
					slog.String("error", err.Error()),
				)
				continue
			}

			delNextHop := nextHop
			if !delNextHop.IsValid() {
				raw := strings.TrimSpace(strings.ReplaceAll(m[2], "inet6 ", ""))
				delNextHop, err = netip.ParseAddr(raw)
				if err != nil {
					f.logger.Error("unparseable next-hop in route table",
						slog.String("line", line),
						slog.String("error", err.Error()),
					)
					continue
				}
			}

			if !f.DelRoute(ctx, prefix, delNextHop) {
				f.logger.Error("failed to delete route in del_all_routes",
					slog.String("prefix", prefix.String()),
				)
				continue
			}
			deleted++
		}
	}

	f.logger.Info("del_all_routes finished", slog.Int("deleted", deleted))
	return deleted > 0
}

// parseTablePrefix parses a prefix as printed by ip route show: "default"
// for the default route, bare addresses for host routes, CIDR otherwise.
func parseTablePrefix(s string, version int) (netip.Prefix, error) {
	if s == "default" {
		if version == 4 {
			return netaddr.DefaultV4, nil
		}
		return netaddr.DefaultV6, nil
	}

	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse table prefix %q: %w", s, err)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// GenRouteCommand composes the ip(8) argv for one route mutation.
// op is "add" or "delete". Exported so operators can audit the exact
// commands the agent will issue (and so tests can pin them).
func (f *LinuxFIB) GenRouteCommand(op string, prefix netip.Prefix, nextHop netip.Addr) []string {
	var cmd []string
	if f.useSudo {
		cmd = append(cmd, sudoPath())
	}

	target := prefix.String()
	if netaddr.IsDefault(prefix) {
		target = "default"
	}

	cmd = append(cmd,
		ipPath(),
		fmt.Sprintf("-%d", prefixVersion(prefix)),
		"route",
		op,
		target,
		"via",
	)

	if prefix.Addr().Is4() && nextHop.Is6() {
		cmd = append(cmd, "inet6")
	}
	cmd = append(cmd, nextHop.String(), "metric", strconv.Itoa(LinuxMetric))

	return cmd
}
