// Package announcer couples the agent's two duties: the Advertiser
// evaluates health checks and drives announce/withdraw lines to the
// speaker, the Learner turns the speaker's message stream into FIB intent
// batches, and the Coordinator runs both under one lifecycle.
package announcer

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/netauto/goexa/internal/health"
	agentmetrics "github.com/netauto/goexa/internal/metrics"
	"github.com/netauto/goexa/internal/netaddr"
	"github.com/netauto/goexa/internal/speaker"
)

// withdrawOnExitTimeout bounds the final best-effort withdrawals emitted
// after cancellation, before the channel is torn down.
const withdrawOnExitTimeout = 5 * time.Second

// Advertiser periodically evaluates every configured health check and
// announces or withdraws the bound prefixes accordingly. It exclusively
// owns the healthy prefix set; the learner reads it through
// HealthyPrefixes for peer-up reconciliation.
type Advertiser struct {
	channel        speaker.Channel
	prefixes       map[netip.Prefix][]health.Checker
	interval       time.Duration
	nextHop        string
	withdrawOnExit bool
	metrics        *agentmetrics.Collector
	logger         *slog.Logger

	mu      sync.RWMutex
	healthy map[netip.Prefix]struct{}
}

// AdvertiserConfig holds the configuration for an Advertiser.
type AdvertiserConfig struct {
	// Channel is the speaker coupling commands are written to.
	Channel speaker.Channel

	// Prefixes maps each advertised prefix to its gating checkers.
	Prefixes map[netip.Prefix][]health.Checker

	// Interval is the time between health evaluation cycles.
	Interval time.Duration

	// NextHop is the canonicalized next-hop token ("self" or an address).
	NextHop string

	// WithdrawOnExit emits a final withdraw for every managed prefix
	// when the advertiser is cancelled.
	WithdrawOnExit bool

	// Metrics is optional; nil disables instrumentation.
	Metrics *agentmetrics.Collector

	// Logger is the parent logger.
	Logger *slog.Logger
}

// NewAdvertiser creates an Advertiser with an empty healthy set.
func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	return &Advertiser{
		channel:        cfg.Channel,
		prefixes:       cfg.Prefixes,
		interval:       cfg.Interval,
		nextHop:        cfg.NextHop,
		withdrawOnExit: cfg.WithdrawOnExit,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger.With(slog.String("component", "advertiser")),
		healthy:        make(map[netip.Prefix]struct{}),
	}
}

// HealthyPrefixes returns a snapshot of the prefixes considered healthy
// after the last successful announcement cycle.
func (a *Advertiser) HealthyPrefixes() []netip.Prefix {
	a.mu.RLock()
	defer a.mu.RUnlock()

	prefixes := make([]netip.Prefix, 0, len(a.healthy))
	for p := range a.healthy {
		prefixes = append(prefixes, p)
	}
	netaddr.Sort(prefixes)
	return prefixes
}

// setHealthy replaces the healthy set.
func (a *Advertiser) setHealthy(prefixes []netip.Prefix) {
	a.mu.Lock()
	a.healthy = make(map[netip.Prefix]struct{}, len(prefixes))
	for _, p := range prefixes {
		a.healthy[p] = struct{}{}
	}
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.SetHealthyPrefixes(len(prefixes))
	}
}

// AdvertisedPrefixes returns every configured prefix in canonical order,
// healthy or not. The learner filters learnt routes against this set.
func (a *Advertiser) AdvertisedPrefixes() []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(a.prefixes))
	for p := range a.prefixes {
		prefixes = append(prefixes, p)
	}
	netaddr.Sort(prefixes)
	return prefixes
}

// Run evaluates health checks every interval until ctx is cancelled. On
// cancellation the optional final withdrawals complete before Run returns,
// so the coordinator must not tear down the channel earlier.
func (a *Advertiser) Run(ctx context.Context) error {
	a.logger.Info("advertiser started",
		slog.Int("prefixes", len(a.prefixes)),
		slog.Duration("interval", a.interval),
		slog.String("next_hop", a.nextHop),
	)

	for {
		start := time.Now()
		a.runCycle(ctx)

		sleep := a.interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.shutdown()
			return nil
		case <-timer.C:
		}
	}
}

// shutdown performs the optional withdraw-on-exit with a detached,
// bounded context: the parent is already cancelled.
func (a *Advertiser) shutdown() {
	if !a.withdrawOnExit {
		a.logger.Info("advertiser stopped")
		return
	}

	a.logger.Info("withdrawing all prefixes on exit")
	ctx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), withdrawOnExitTimeout)
	defer cancel()

	a.WithdrawRoutes(ctx, a.AdvertisedPrefixes())
	a.logger.Info("advertiser stopped")
}

// runCycle runs one health evaluation and emits the resulting announce
// and withdraw lines.
func (a *Advertiser) runCycle(ctx context.Context) {
	advertise, withdraw := a.evaluate(ctx)

	announced := a.AddRoutes(ctx, advertise)
	if announced == len(advertise) {
		a.setHealthy(advertise)
		if a.metrics != nil {
			a.metrics.RecordAdvertiseCycle(agentmetrics.ResultOK)
		}
	} else {
		// Fail-safe: a speaker we cannot write to means nothing can be
		// trusted as announced.
		a.logger.Error("announce emission failed, clearing healthy set",
			slog.Int("announced", announced),
			slog.Int("wanted", len(advertise)),
		)
		a.setHealthy(nil)
		if a.metrics != nil {
			a.metrics.RecordAdvertiseCycle(agentmetrics.ResultWriteFailed)
		}
	}

	a.WithdrawRoutes(ctx, withdraw)
}

// evaluate runs every checker of every prefix concurrently and splits the
// prefixes into advertise and withdraw sets, both in canonical order. A
// prefix is healthy iff all of its checkers pass; a prefix with no
// checkers is always healthy.
func (a *Advertiser) evaluate(ctx context.Context) (advertise, withdraw []netip.Prefix) {
	type verdict struct {
		prefix  netip.Prefix
		healthy bool
	}

	verdicts := make(chan verdict)
	var wg sync.WaitGroup
	for prefix, checkers := range a.prefixes {
		wg.Add(1)
		go func(prefix netip.Prefix, checkers []health.Checker) {
			defer wg.Done()

			results := health.CheckAll(ctx, checkers)
			healthy := true
			for i, ok := range results {
				if a.metrics != nil {
					a.metrics.RecordHealthCheck(checkers[i].Target(), ok)
				}
				if !ok {
					healthy = false
				}
			}
			verdicts <- verdict{prefix: prefix, healthy: healthy}
		}(prefix, checkers)
	}

	go func() {
		wg.Wait()
		close(verdicts)
	}()

	for v := range verdicts {
		if v.healthy {
			advertise = append(advertise, v.prefix)
		} else {
			a.logger.Info("prefix unhealthy, withdrawing",
				slog.String("prefix", v.prefix.String()),
			)
			withdraw = append(withdraw, v.prefix)
		}
	}

	netaddr.Sort(advertise)
	netaddr.Sort(withdraw)
	return advertise, withdraw
}

// AddRoutes announces the given prefixes and returns how many emissions
// succeeded.
func (a *Advertiser) AddRoutes(ctx context.Context, prefixes []netip.Prefix) int {
	success := 0
	for _, prefix := range prefixes {
		line := fmt.Sprintf("announce route %s next-hop %s", prefix, a.nextHop)
		if err := a.channel.WriteLine(ctx, line); err != nil {
			a.logger.Error("unable to write announce",
				slog.String("prefix", prefix.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if a.metrics != nil {
			a.metrics.IncSpeakerLines("write")
		}
		success++
	}
	return success
}

// WithdrawRoutes withdraws the given prefixes and returns how many
// emissions succeeded. Failures are logged; the cycle continues.
func (a *Advertiser) WithdrawRoutes(ctx context.Context, prefixes []netip.Prefix) int {
	success := 0
	for _, prefix := range prefixes {
		line := fmt.Sprintf("withdraw route %s next-hop %s", prefix, a.nextHop)
		if err := a.channel.WriteLine(ctx, line); err != nil {
			a.logger.Error("unable to write withdraw",
				slog.String("prefix", prefix.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if a.metrics != nil {
			a.metrics.IncSpeakerLines("write")
		}
		success++
	}
	return success
}
