package writeback

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/autopilot/internal/config"
	"github.com/sells-group/autopilot/internal/metrics"
	"github.com/sells-group/autopilot/internal/model"
	"github.com/sells-group/autopilot/internal/resilience"
)

// Worker drains the queue, dispatching each item to the Executor registered
// for its source. Each source gets its own circuit breaker.
type Worker struct {
	queue       *Queue
	executors   map[string]Executor
	breakers    *resilience.Breakers
	concurrency int
	batchSize   int
	lock        time.Duration
	poll        time.Duration
	timeout     time.Duration
}

// NewWorker creates a Worker.
func NewWorker(queue *Queue, executors map[string]Executor, wcfg config.WorkerConfig, qcfg config.QueueConfig) *Worker {
	w := &Worker{
		queue:       queue,
		executors:   executors,
		breakers:    resilience.NewBreakers(resilience.NewBreakerConfig(wcfg.FailureThreshold, wcfg.ResetTimeoutSecs)),
		concurrency: wcfg.Concurrency,
		batchSize:   qcfg.BatchSize,
		lock:        qcfg.LockDuration(),
		poll:        time.Duration(wcfg.PollIntervalSecs) * time.Second,
		timeout:     time.Duration(wcfg.TimeoutSecs) * time.Second,
	}
	if w.concurrency < 1 {
		w.concurrency = 1
	}
	if w.batchSize < 1 {
		w.batchSize = 25
	}
	if w.poll <= 0 {
		w.poll = 5 * time.Second
	}
	if w.timeout <= 0 {
		w.timeout = 30 * time.Second
	}
	if w.lock < w.timeout {
		w.lock = 2 * w.timeout
	}
	return w
}

// Breakers exposes the per-source breakers for health reporting.
func (w *Worker) Breakers() *resilience.Breakers {
	return w.breakers
}

// Run polls until ctx is cancelled. Each poll reaps expired locks and then
// drains due items batch by batch.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("writeback: worker started",
		zap.Int("concurrency", w.concurrency),
		zap.Int("batch_size", w.batchSize),
		zap.Duration("poll", w.poll),
	)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if _, err := w.queue.ReapExpired(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("writeback: reap failed", zap.Error(err))
		}
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("writeback: drain failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			zap.L().Info("writeback: worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain processes batches until the queue has no due items. It returns the
// number of items processed.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for ctx.Err() == nil {
		n, err := w.ProcessBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.batchSize {
			break
		}
	}
	return total, nil
}

// ProcessBatch claims one batch and processes it with bounded concurrency.
// Per-item failures are recorded on the item, not returned.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	items, err := w.queue.Dequeue(ctx, w.batchSize, w.lock)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, item := range items {
		g.Go(func() error {
			w.process(gctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}

func (w *Worker) process(ctx context.Context, item model.QueueItem) {
	log := zap.L().With(
		zap.String("id", item.ID),
		zap.String("source", item.Source),
		zap.String("entity_type", item.EntityType),
		zap.Int("attempt", item.Attempts),
	)

	exec, ok := w.executors[item.Source]
	if !ok {
		w.fail(ctx, log, item, resilience.Permanentf("writeback: no executor for source %q", item.Source))
		return
	}

	start := time.Now()
	var externalID string
	err := w.breakers.Get(item.Source).Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, w.timeout)
		defer cancel()
		var err error
		externalID, err = exec.Execute(callCtx, item)
		return err
	})
	metrics.WritebackDuration.WithLabelValues(item.Source).Observe(time.Since(start).Seconds())

	if err != nil {
		w.fail(ctx, log, item, err)
		return
	}
	if err := w.queue.Complete(ctx, item.ID, externalID); err != nil {
		log.Error("writeback: complete failed", zap.Error(err))
		metrics.WritebackProcessed.WithLabelValues(item.Source, "error").Inc()
		return
	}
	metrics.WritebackProcessed.WithLabelValues(item.Source, "completed").Inc()
	log.Debug("writeback: item completed", zap.String("external_id", externalID))
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, item model.QueueItem, cause error) {
	class := resilience.Classify(cause)
	if eris.Is(cause, resilience.ErrCircuitOpen) {
		class = resilience.ClassTransient
	}
	status, err := w.queue.Fail(ctx, item.ID, cause.Error(), class == resilience.ClassPermanent)
	if err != nil {
		log.Error("writeback: record failure", zap.NamedError("cause", cause), zap.Error(err))
		metrics.WritebackProcessed.WithLabelValues(item.Source, "error").Inc()
		return
	}
	metrics.WritebackProcessed.WithLabelValues(item.Source, string(status)).Inc()
	log.Warn("writeback: item failed",
		zap.String("class", string(class)),
		zap.String("status", string(status)),
		zap.Error(cause),
	)
}
