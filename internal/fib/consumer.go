package fib

import (
	"context"
	"log/slog"
	"sync"

	agentmetrics "github.com/netauto/goexa/internal/metrics"
)

// Consumer drains the intent queue and fans each intent out to every
// enabled FIB backend. It owns the learnt-route mirror: the mirror is
// folded forward only when an entire batch applied cleanly, so a partial
// failure leaves it untouched and a later peer event can reconcile.
type Consumer struct {
	queue   *IntentQueue
	fibs    []FIB
	mirror  *Mirror
	dryRun  bool
	metrics *agentmetrics.Collector
	logger  *slog.Logger
}

// ConsumerConfig holds the configuration for a Consumer.
type ConsumerConfig struct {
	// Queue is the intent batch queue filled by the learner.
	Queue *IntentQueue

	// Fibs are the backends every intent is applied to.
	Fibs []FIB

	// DryRun logs intended actions without executing or mirroring them.
	DryRun bool

	// Metrics is optional; nil disables instrumentation.
	Metrics *agentmetrics.Collector

	// Logger is the parent logger. The consumer adds its component tag.
	Logger *slog.Logger
}

// NewConsumer creates a Consumer. The mirror starts empty.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	logger := cfg.Logger.With(slog.String("component", "fib.consumer"))
	return &Consumer{
		queue:   cfg.Queue,
		fibs:    cfg.Fibs,
		mirror:  NewMirror(logger),
		dryRun:  cfg.DryRun,
		metrics: cfg.Metrics,
		logger:  logger,
	}
}

// Mirror exposes the learnt-route mirror for tests. Production code must
// not touch it outside the consumer goroutine.
func (c *Consumer) Mirror() *Mirror {
	return c.mirror
}

// Run drains the queue until ctx is cancelled. Batches are independent:
// no runtime failure in one batch ever stops the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", slog.Int("fibs", len(c.fibs)))

	for {
		batch, err := c.queue.Pop(ctx)
		if err != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		if c.metrics != nil {
			c.metrics.SetIntentQueueDepth(c.queue.Depth())
		}
		c.logger.Info("consuming intent batch",
			slog.Int("intents", len(batch)),
			slog.Int("queued", c.queue.Depth()),
		)

		c.processBatch(ctx, batch)
	}
}

// fibOp is one pending backend call with its metric labels.
type fibOp struct {
	fib FIB
	run func(context.Context) bool
}

// processBatch applies every intent to every FIB and folds the batch into
// the mirror if everything succeeded. Panics are contained here: a batch
// is data from the wire and must never take the consumer down.
func (c *Consumer) processBatch(ctx context.Context, batch []Intent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic applying intent batch",
				slog.Any("panic", r),
			)
		}
	}()

	batchOK := true
	executed := false

	for _, intent := range batch {
		ops := c.buildOps(intent)
		if len(ops) == 0 {
			c.logger.Error("no route tasks generated for intent",
				slog.String("intent", intent.String()),
			)
			continue
		}

		if c.dryRun {
			c.logger.Info("dry run, skipping execution",
				slog.String("intent", intent.String()),
				slog.Int("fibs", len(ops)),
			)
			continue
		}

		executed = true
		results := make([]bool, len(ops))

		var wg sync.WaitGroup
		for i, op := range ops {
			wg.Add(1)
			go func(i int, op fibOp) {
				defer wg.Done()
				results[i] = op.run(ctx)
			}(i, op)
		}
		wg.Wait()

		for i, ok := range results {
			if c.metrics != nil {
				c.metrics.RecordFibOperation(ops[i].fib.Name(), intent.Op.String(), ok)
			}
			if !ok {
				batchOK = false
				c.logger.Error("FIB operation failure, please investigate",
					slog.String("fib", ops[i].fib.Name()),
					slog.String("intent", intent.String()),
				)
			}
		}
	}

	if executed && batchOK && !c.dryRun {
		c.mirror.Apply(batch)
	}
}

// buildOps constructs the per-FIB calls for one intent. Intents that
// require a next-hop and lack one are dropped here with an error.
func (c *Consumer) buildOps(intent Intent) []fibOp {
	switch intent.Op {
	case OpAddRoute:
		if !intent.NextHop.IsValid() {
			c.logger.Error("cannot add route with no next-hop",
				slog.String("prefix", intent.Prefix.String()),
			)
			return nil
		}
		return c.forEachFIB(func(f FIB, ctx context.Context) bool {
			return f.AddRoute(ctx, intent.Prefix, intent.NextHop)
		})

	case OpRemoveRoute:
		if !intent.NextHop.IsValid() {
			c.logger.Error("cannot remove route with no next-hop",
				slog.String("prefix", intent.Prefix.String()),
			)
			return nil
		}
		return c.forEachFIB(func(f FIB, ctx context.Context) bool {
			return f.DelRoute(ctx, intent.Prefix, intent.NextHop)
		})

	case OpRemoveAllRoutes:
		return c.forEachFIB(func(f FIB, ctx context.Context) bool {
			return f.DelAllRoutes(ctx, intent.NextHop)
		})

	default:
		c.logger.Error("unhandled operation",
			slog.String("intent", intent.String()),
		)
		return nil
	}
}

// forEachFIB wraps one call per configured backend.
func (c *Consumer) forEachFIB(call func(FIB, context.Context) bool) []fibOp {
	ops := make([]fibOp, 0, len(c.fibs))
	for _, f := range c.fibs {
		ops = append(ops, fibOp{
			fib: f,
			run: func(ctx context.Context) bool { return call(f, ctx) },
		})
	}
	return ops
}
