package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type OutboxDispatcherConfig struct {
	BatchSize   int
	Concurrency int
	Retry       RetryScheduler
}

func DefaultOutboxDispatcherConfig() OutboxDispatcherConfig {
	cfg := DefaultConfig()
	return OutboxDispatcherConfig{
		BatchSize:   cfg.Outbox.BatchSize,
		Concurrency: cfg.Outbox.Concurrency,
		Retry:       cfg.RetryScheduler(),
	}
}

type DispatchStats struct {
	Claimed   int
	Succeeded int
	Skipped   int
	Retried   int
	Failed    int
}

func (s DispatchStats) add(other DispatchStats) DispatchStats {
	s.Claimed += other.Claimed
	s.Succeeded += other.Succeeded
	s.Skipped += other.Skipped
	s.Retried += other.Retried
	s.Failed += other.Failed
	return s
}

// OutboxDispatcher drains due grant tasks: claim, run on a bounded worker
// group, then ack, reschedule or fail each task from its TaskResult.
type OutboxDispatcher struct {
	outbox  TaskOutbox
	handler TaskHandler
	config  OutboxDispatcherConfig
	hook    FatalTaskHook
	now     func() time.Time
}

func NewOutboxDispatcher(
	outbox TaskOutbox,
	handler TaskHandler,
	config OutboxDispatcherConfig,
	hook FatalTaskHook,
) (*OutboxDispatcher, error) {
	if outbox == nil {
		return nil, fmt.Errorf("core: task outbox is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("core: task handler is required")
	}
	defaults := DefaultOutboxDispatcherConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	config.Retry = config.Retry.normalized()
	return &OutboxDispatcher{
		outbox:  outbox,
		handler: handler,
		config:  config,
		hook:    hook,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (d *OutboxDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.outbox == nil {
		return DispatchStats{}, fmt.Errorf("core: outbox dispatcher is not configured")
	}
	limit := batchSize
	if limit <= 0 {
		limit = d.config.BatchSize
	}
	tasks, err := d.outbox.ClaimDue(ctx, limit)
	if err != nil {
		return DispatchStats{}, err
	}

	var (
		mu          sync.Mutex
		stats       = DispatchStats{Claimed: len(tasks)}
		dispatchErr error
		group       errgroup.Group
	)
	group.SetLimit(d.config.Concurrency)
	for _, task := range tasks {
		group.Go(func() error {
			outcome, err := d.dispatchOne(ctx, task)
			mu.Lock()
			stats = stats.add(outcome)
			dispatchErr = joinErrors(dispatchErr, err)
			mu.Unlock()
			return nil
		})
	}
	_ = group.Wait()
	return stats, dispatchErr
}

// DispatchUntilIdle keeps dispatching full batches until a claim comes back
// short or ctx is done.
func (d *OutboxDispatcher) DispatchUntilIdle(ctx context.Context) (DispatchStats, error) {
	total := DispatchStats{}
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		stats, err := d.DispatchPending(ctx, d.config.BatchSize)
		total = total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Claimed < d.config.BatchSize {
			return total, nil
		}
	}
}

func (d *OutboxDispatcher) dispatchOne(ctx context.Context, task GrantTask) (DispatchStats, error) {
	result := d.run(ctx, task)
	taskID := strings.TrimSpace(task.ID)

	switch result.Outcome {
	case TaskOutcomeSuccess:
		if err := d.outbox.Ack(ctx, taskID); err != nil {
			return DispatchStats{}, err
		}
		if result.Skipped {
			return DispatchStats{Skipped: 1}, nil
		}
		return DispatchStats{Succeeded: 1}, nil
	case TaskOutcomeRetry:
		decision := d.config.Retry.Decide(task.Attempt, result, d.now())
		if decision.Retry {
			if err := d.outbox.Retry(ctx, taskID, result.Err, decision.NotBefore); err != nil {
				return DispatchStats{}, err
			}
			return DispatchStats{Retried: 1}, nil
		}
		return DispatchStats{Failed: 1}, d.fail(ctx, task, decision.Err)
	default:
		return DispatchStats{Failed: 1}, d.fail(ctx, task, result.Err)
	}
}

func (d *OutboxDispatcher) fail(ctx context.Context, task GrantTask, cause error) error {
	if cause == nil {
		cause = fmt.Errorf("core: task %s failed", task.ID)
	}
	if err := d.outbox.Fail(ctx, strings.TrimSpace(task.ID), cause); err != nil {
		return joinErrors(cause, err)
	}
	if d.hook != nil {
		d.hook.OnFatalTask(ctx, task, cause)
	}
	return nil
}

func (d *OutboxDispatcher) run(ctx context.Context, task GrantTask) (result TaskResult) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Fatal(fmt.Errorf("core: task %s panicked: %v", task.ID, recovered))
		}
	}()
	return d.handler.Handle(ctx, task)
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}
