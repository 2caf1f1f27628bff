package announcer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/netauto/goexa/internal/fib"
)

// Coordinator owns the lifecycle of the advertise and learn paths. The
// learn path (learner + consumer) only runs when FIB backends are
// configured. Cancellation flows downward: the advertiser finishes its
// optional withdraw-on-exit before Run returns, so callers must only tear
// down the speaker channel afterwards.
type Coordinator struct {
	advertiser *Advertiser
	learner    *Learner
	consumer   *fib.Consumer
	logger     *slog.Logger
}

// CoordinatorConfig holds the configuration for a Coordinator. Learner
// and Consumer may both be nil to disable the learn path; setting exactly
// one of them is a wiring bug.
type CoordinatorConfig struct {
	Advertiser *Advertiser
	Learner    *Learner
	Consumer   *fib.Consumer
	Logger     *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		advertiser: cfg.Advertiser,
		learner:    cfg.Learner,
		consumer:   cfg.Consumer,
		logger:     cfg.Logger.With(slog.String("component", "coordinator")),
	}
}

// Run launches the advertiser and, when configured, the learner and FIB
// consumer, then blocks until every task has finished. The first task
// error cancels the rest.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("coordinator starting",
		slog.Bool("learning", c.learner != nil),
	)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.advertiser.Run(gCtx)
	})

	if c.learner != nil {
		g.Go(func() error {
			return c.learner.Run(gCtx)
		})
		g.Go(func() error {
			return c.consumer.Run(gCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}

	c.logger.Info("coordinator stopped")
	return nil
}
