package announcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/netauto/goexa/internal/exabgp"
	"github.com/netauto/goexa/internal/fib"
	agentmetrics "github.com/netauto/goexa/internal/metrics"
	"github.com/netauto/goexa/internal/netaddr"
	"github.com/netauto/goexa/internal/speaker"
)

// ackLine is the speaker's acknowledgement of a command; never parsed.
const ackLine = "done"

// HealthySource exposes the advertiser's healthy prefix set to the
// learner for peer-up reconciliation.
type HealthySource interface {
	HealthyPrefixes() []netip.Prefix
}

// Learner reads speaker messages, parses them into intent batches,
// filters out our own summaries, and enqueues the rest for the consumer.
type Learner struct {
	channel    speaker.Channel
	parser     *exabgp.Parser
	queue      *fib.IntentQueue
	advertised []netip.Prefix
	healthy    HealthySource

	// allowDefault lets learnt default routes bypass the
	// internal-network filter.
	allowDefault bool

	metrics *agentmetrics.Collector
	logger  *slog.Logger
}

// LearnerConfig holds the configuration for a Learner.
type LearnerConfig struct {
	// Channel is the speaker coupling messages are read from.
	Channel speaker.Channel

	// Parser translates decoded messages into intents.
	Parser *exabgp.Parser

	// Queue receives the filtered intent batches.
	Queue *fib.IntentQueue

	// Advertised is the set of locally originated prefixes; learnt
	// routes overlapping them are dropped.
	Advertised []netip.Prefix

	// Healthy is the advertiser's healthy set, consulted on peer-up.
	Healthy HealthySource

	// AllowDefault lets default routes through the internal filter.
	AllowDefault bool

	// Metrics is optional; nil disables instrumentation.
	Metrics *agentmetrics.Collector

	// Logger is the parent logger.
	Logger *slog.Logger
}

// NewLearner creates a Learner.
func NewLearner(cfg LearnerConfig) *Learner {
	return &Learner{
		channel:      cfg.Channel,
		parser:       cfg.Parser,
		queue:        cfg.Queue,
		advertised:   cfg.Advertised,
		healthy:      cfg.Healthy,
		allowDefault: cfg.AllowDefault,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With(slog.String("component", "learner")),
	}
}

// Run reads and processes speaker messages until ctx is cancelled or the
// speaker closes the stream. A closed stream is an error: without the
// speaker the agent has no reason to live.
func (l *Learner) Run(ctx context.Context) error {
	l.logger.Info("learner started", slog.Int("advertised_prefixes", len(l.advertised)))

	for {
		line, err := l.channel.ReadLine(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			l.logger.Info("learner stopped")
			return nil
		case errors.Is(err, speaker.ErrClosed):
			return fmt.Errorf("speaker stream closed: %w", err)
		case err != nil:
			l.logger.Error("failed to read speaker line",
				slog.String("error", err.Error()),
			)
			continue
		}

		if line == "" || line == ackLine {
			continue
		}
		if l.metrics != nil {
			l.metrics.IncSpeakerLines("read")
		}

		intents, err := l.parser.Parse([]byte(line), l.healthy.HealthyPrefixes())
		switch {
		case errors.Is(err, exabgp.ErrUnsupportedAPIVersion):
			// Deployment bug: let the coordinator take the agent down.
			return err
		case err != nil:
			if l.metrics != nil {
				l.metrics.IncParseFailures()
			}
			l.logger.Error("dropping unparseable speaker message",
				slog.String("error", err.Error()),
			)
			continue
		}

		batch := FilterInternalNetworks(l.advertised, intents, l.allowDefault, l.logger)
		if len(batch) == 0 {
			continue
		}

		l.queue.Push(batch)
		if l.metrics != nil {
			l.metrics.SetIntentQueueDepth(l.queue.Depth())
		}
	}
}

// FilterInternalNetworks drops learnt intents whose prefix overlaps a
// locally advertised prefix of the same address family: our own summaries
// must not be reinstalled as learnt routes. Default routes bypass the
// filter when allowDefault is set. A batch containing RemoveAllRoutes is
// passed through untouched. The result is ordered IPv4 first, then IPv6,
// each sorted, for deterministic FIB programming.
func FilterInternalNetworks(
	advertised []netip.Prefix,
	intents []fib.Intent,
	allowDefault bool,
	logger *slog.Logger,
) []fib.Intent {
	for _, intent := range intents {
		if intent.Op == fib.OpRemoveAllRoutes {
			return intents
		}
	}

	kept := make([]fib.Intent, 0, len(intents))
	for _, intent := range intents {
		if netaddr.IsDefault(intent.Prefix) && allowDefault {
			kept = append(kept, intent)
			continue
		}

		internal := false
		for _, adv := range advertised {
			if netaddr.Overlaps(adv, intent.Prefix) {
				logger.Debug("dropping learnt route inside advertised network",
					slog.String("prefix", intent.Prefix.String()),
					slog.String("advertised", adv.String()),
				)
				internal = true
				break
			}
		}
		if !internal {
			kept = append(kept, intent)
		}
	}

	slices.SortStableFunc(kept, func(a, b fib.Intent) int {
		return netaddr.Compare(a.Prefix, b.Prefix)
	})
	return kept
}
