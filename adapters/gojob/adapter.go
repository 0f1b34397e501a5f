package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/esinanturan/polar/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"
)

const (
	JobIDGrantTask = "grants.task"

	scriptPathPrefix = "grants.task."

	ParamTaskID    = "task_id"
	ParamKind      = "kind"
	ParamCustomer  = "customer_id"
	ParamBenefit   = "benefit_id"
	ParamScopeType = "scope_type"
	ParamScopeID   = "scope_id"
	ParamGrantID   = "grant_id"
	ParamAttempt   = "attempt"
	ParamNotBefore = "not_before"
)

// RetryPolicy bounds what the queue is asked to do on a nack.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt caps the delay and stops requeueing once attempt reaches
// MaxAttempts.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// TaskMessage encodes a grant task as a go-job execution message. The task's
// idempotency key doubles as the queue dedup key.
func TaskMessage(task core.GrantTask) *job.ExecutionMessage {
	params := map[string]any{
		ParamTaskID:  strings.TrimSpace(task.ID),
		ParamKind:    string(task.Kind),
		ParamAttempt: task.Attempt,
	}
	setParam(params, ParamCustomer, task.CustomerID)
	setParam(params, ParamBenefit, task.BenefitID)
	setParam(params, ParamScopeType, string(task.Scope.Type))
	setParam(params, ParamScopeID, task.Scope.ID)
	setParam(params, ParamGrantID, task.GrantID)
	if task.Attempt > 1 && !task.NotBefore.IsZero() {
		params[ParamNotBefore] = task.NotBefore.UTC().Format(time.RFC3339Nano)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDGrantTask,
		ScriptPath:     scriptPathPrefix + string(task.Kind),
		Parameters:     params,
		IdempotencyKey: task.StrategyKey(),
	}
}

// TaskFromMessage decodes a message built by TaskMessage. Parameters may have
// passed through JSON, so numbers arrive as float64.
func TaskFromMessage(msg *job.ExecutionMessage) (core.GrantTask, error) {
	if msg == nil {
		return core.GrantTask{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDGrantTask {
		return core.GrantTask{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	params := msg.Parameters
	task := core.GrantTask{
		ID:             stringParam(params, ParamTaskID),
		Kind:           core.TaskKind(stringParam(params, ParamKind)),
		CustomerID:     stringParam(params, ParamCustomer),
		BenefitID:      stringParam(params, ParamBenefit),
		GrantID:        stringParam(params, ParamGrantID),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		Attempt:        intParam(params, ParamAttempt),
		Status:         core.TaskStatusProcessing,
	}
	if scopeType := stringParam(params, ParamScopeType); scopeType != "" {
		task.Scope = core.GrantScope{Type: core.ScopeType(scopeType), ID: stringParam(params, ParamScopeID)}
	}
	if task.Attempt < 1 {
		task.Attempt = 1
	}
	if raw := stringParam(params, ParamNotBefore); raw != "" {
		notBefore, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return core.GrantTask{}, fmt.Errorf("gojob: invalid %s %q: %w", ParamNotBefore, raw, err)
		}
		task.NotBefore = notBefore
	}
	if err := task.Validate(); err != nil {
		return core.GrantTask{}, err
	}
	return task, nil
}

// Publisher enqueues grant tasks onto a go-job queue.
type Publisher struct {
	enqueuer queue.Enqueuer
}

func NewPublisher(enqueuer queue.Enqueuer) *Publisher {
	return &Publisher{enqueuer: enqueuer}
}

func (p *Publisher) Publish(ctx context.Context, tasks ...core.GrantTask) error {
	if p == nil || p.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return err
		}
		if err := p.enqueuer.Enqueue(ctx, TaskMessage(task)); err != nil {
			return fmt.Errorf("gojob: enqueue task %s: %w", task.ID, err)
		}
	}
	return nil
}

// PublishPlan enqueues the tasks of a committed plan. Its signature matches
// the unit of work commit hook.
func (p *Publisher) PublishPlan(ctx context.Context, plan core.Plan) error {
	if len(plan.Tasks) == 0 {
		return nil
	}
	return p.Publish(ctx, plan.Tasks...)
}

// Consumer runs queued grant tasks through a TaskHandler and settles each
// delivery from the TaskResult: ack on success, delayed requeue on retry,
// dead letter once the task is fatal or out of attempts.
//
// Each retry carries the next attempt number. With a requeue enqueuer the
// delivery is acked and the next attempt is published as a new message;
// without one the attempt is written back onto the delivered message before
// the nack.
type Consumer struct {
	dequeuer queue.Dequeuer
	requeue  queue.Enqueuer
	handler  core.TaskHandler
	retry    core.RetryScheduler
	policy   RetryPolicy
	hook     core.FatalTaskHook
	now      func() time.Time
}

type ConsumerOption func(*Consumer)

func WithRetryScheduler(scheduler core.RetryScheduler) ConsumerOption {
	return func(c *Consumer) {
		c.retry = scheduler
	}
}

func WithRetryPolicy(policy RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

func WithRequeueEnqueuer(enqueuer queue.Enqueuer) ConsumerOption {
	return func(c *Consumer) {
		c.requeue = enqueuer
	}
}

func WithFatalTaskHook(hook core.FatalTaskHook) ConsumerOption {
	return func(c *Consumer) {
		c.hook = hook
	}
}

func NewConsumer(dequeuer queue.Dequeuer, handler core.TaskHandler, opts ...ConsumerOption) (*Consumer, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("gojob: task handler is required")
	}
	consumer := &Consumer{
		dequeuer: dequeuer,
		handler:  handler,
		retry:    core.DefaultRetryScheduler(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(consumer)
		}
	}
	return consumer, nil
}

// ProcessNext dequeues one delivery and settles it.
func (c *Consumer) ProcessNext(ctx context.Context) (core.TaskResult, error) {
	if c == nil || c.dequeuer == nil {
		return core.TaskResult{}, fmt.Errorf("gojob: consumer is not configured")
	}
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return core.TaskResult{}, err
	}
	return c.HandleDelivery(ctx, delivery)
}

func (c *Consumer) HandleDelivery(ctx context.Context, delivery queue.Delivery) (core.TaskResult, error) {
	if delivery == nil {
		return core.TaskResult{}, fmt.Errorf("gojob: delivery is required")
	}
	task, err := TaskFromMessage(delivery.Message())
	if err != nil {
		// undecodable messages never become runnable
		result := core.Fatal(err)
		return result, delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
	}

	now := c.now()
	if task.NotBefore.After(now) {
		wait := task.NotBefore.Sub(now)
		result := core.RetryAfter(wait, nil)
		result.Reason = "not due"
		return result, delivery.Nack(ctx, queue.NackOptions{Delay: wait, Requeue: true, Reason: "not due"})
	}

	result := c.handler.Handle(ctx, task)
	switch result.Outcome {
	case core.TaskOutcomeSuccess:
		return result, delivery.Ack(ctx)
	case core.TaskOutcomeRetry:
		decision := c.retry.Decide(task.Attempt, result, now)
		if !decision.Retry {
			return core.Fatal(decision.Err), c.deadLetter(ctx, delivery, task, decision.Err)
		}
		opts := c.policy.NormalizeAttempt(queue.NackOptions{
			Delay:   decision.Delay,
			Requeue: true,
			Reason:  errorText(result.Err),
		}, task.Attempt)
		if opts.DeadLetter {
			return core.Fatal(decision.Err), c.deadLetter(ctx, delivery, task, decision.Err)
		}
		return result, c.retryLater(ctx, delivery, task, opts, now)
	default:
		return result, c.deadLetter(ctx, delivery, task, result.Err)
	}
}

func (c *Consumer) retryLater(ctx context.Context, delivery queue.Delivery, task core.GrantTask, opts queue.NackOptions, now time.Time) error {
	next := task
	next.Attempt = task.Attempt + 1
	next.Status = core.TaskStatusPending
	next.LastError = opts.Reason
	next.NotBefore = now.Add(opts.Delay)

	if c.requeue != nil {
		if err := c.requeue.Enqueue(ctx, TaskMessage(next)); err == nil {
			return delivery.Ack(ctx)
		}
	}
	if msg := delivery.Message(); msg != nil {
		if msg.Parameters == nil {
			msg.Parameters = map[string]any{}
		}
		msg.Parameters[ParamAttempt] = next.Attempt
		delete(msg.Parameters, ParamNotBefore)
	}
	return delivery.Nack(ctx, opts)
}

func (c *Consumer) deadLetter(ctx context.Context, delivery queue.Delivery, task core.GrantTask, cause error) error {
	if err := delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: errorText(cause)}); err != nil {
		return err
	}
	if c.hook != nil {
		c.hook.OnFatalTask(ctx, task, cause)
	}
	return nil
}

// WorkerMetricsHook counts go-job worker events through the engine's metrics
// recorder.
type WorkerMetricsHook struct {
	recorder core.MetricsRecorder
}

func NewWorkerMetricsHook(recorder core.MetricsRecorder) *WorkerMetricsHook {
	if recorder == nil {
		recorder = core.NopMetricsRecorder{}
	}
	return &WorkerMetricsHook{recorder: recorder}
}

func (h *WorkerMetricsHook) OnStart(ctx context.Context, event worker.Event) {
	h.record(ctx, "started", event)
}

func (h *WorkerMetricsHook) OnSuccess(ctx context.Context, event worker.Event) {
	h.record(ctx, "success", event)
}

func (h *WorkerMetricsHook) OnFailure(ctx context.Context, event worker.Event) {
	h.record(ctx, "failure", event)
}

func (h *WorkerMetricsHook) OnRetry(ctx context.Context, event worker.Event) {
	h.record(ctx, "retry", event)
}

func (h *WorkerMetricsHook) record(ctx context.Context, outcome string, event worker.Event) {
	if h == nil || h.recorder == nil {
		return
	}
	tags := map[string]string{"outcome": outcome, "task_kind": eventTaskKind(event)}
	h.recorder.IncCounter(ctx, "grants.queue.jobs", 1, tags)
	if outcome != "started" && event.Duration > 0 {
		h.recorder.ObserveHistogram(ctx, "grants.queue.job_duration_ms", float64(event.Duration.Milliseconds()), tags)
	}
}

func eventTaskKind(event worker.Event) string {
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	if message == nil {
		return "unknown"
	}
	if kind := stringParam(message.Parameters, ParamKind); kind != "" {
		return kind
	}
	return "unknown"
}

func setParam(params map[string]any, key string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		params[key] = value
	}
}

func stringParam(params map[string]any, key string) string {
	if len(params) == 0 {
		return ""
	}
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

func intParam(params map[string]any, key string) int {
	switch typed := params[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return 0
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ worker.Hook = (*WorkerMetricsHook)(nil)
