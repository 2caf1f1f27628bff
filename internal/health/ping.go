package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"
	"strconv"
	"time"

	"github.com/netauto/goexa/internal/runner"
)

// PingChecker defaults.
const (
	defaultPingCount   = 2
	defaultPingTimeout = 5 * time.Second
)

// PingChecker sends ICMP/ICMPv6 echo requests through the platform ping
// utility. Using a subprocess keeps the agent (and the speaker that spawns
// it) free of raw-socket privileges.
//
// Kwargs:
//   - "ping_target"  IP address to ping (required)
//   - "ping_count"   echo requests per run (default 2)
//   - "ping_timeout" overall subprocess deadline in seconds (default 5)
//   - "ping_wait"    ping's own -w deadline in seconds (default timeout-1;
//     omitted on Darwin, whose ping has no compatible flag)
type PingChecker struct {
	target  netip.Addr
	count   int
	timeout time.Duration
	wait    time.Duration
	runner  *runner.Runner
	logger  *slog.Logger
}

// newPingChecker builds a PingChecker from configuration kwargs.
func newPingChecker(kwargs map[string]any, r *runner.Runner, logger *slog.Logger) (*PingChecker, error) {
	rawTarget, err := stringKwarg(kwargs, "ping_target")
	if err != nil {
		return nil, err
	}
	target, err := netip.ParseAddr(rawTarget)
	if err != nil {
		return nil, fmt.Errorf("ping_target %q: %w: %w", rawTarget, ErrInvalidKwarg, err)
	}

	count, err := numberKwarg(kwargs, "ping_count", defaultPingCount)
	if err != nil {
		return nil, err
	}

	timeoutS, err := numberKwarg(kwargs, "ping_timeout", defaultPingTimeout.Seconds())
	if err != nil {
		return nil, err
	}

	waitS, err := numberKwarg(kwargs, "ping_wait", timeoutS-1)
	if err != nil {
		return nil, err
	}

	return &PingChecker{
		target:  target,
		count:   int(count),
		timeout: time.Duration(timeoutS * float64(time.Second)),
		wait:    time.Duration(waitS * float64(time.Second)),
		runner:  r,
		logger:  logger.With(slog.String("component", "health.ping")),
	}, nil
}

// Target returns the checked address in compressed form.
func (p *PingChecker) Target() string {
	return p.target.String()
}

// Check pings the target and reports whether the subprocess exited zero.
// Timeouts and spawn failures are false verdicts, never errors.
func (p *PingChecker) Check(ctx context.Context) bool {
	res, err := p.runner.Run(ctx, p.timeout, p.command()...)
	if err != nil {
		p.logger.Error("ping run failed",
			slog.String("target", p.Target()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return res.Succeeded()
}

// command assembles the ping argv for the current platform.
func (p *PingChecker) command() []string {
	cmd := []string{"ping"}
	if p.target.Is6() {
		cmd = []string{"ping6"}
	}
	if runtime.GOOS != "darwin" {
		cmd = append(cmd, "-w", strconv.Itoa(int(p.wait.Seconds())))
	}
	cmd = append(cmd, "-c", strconv.Itoa(p.count), p.Target())
	return cmd
}
