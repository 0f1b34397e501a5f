package core

import (
	"context"
	"fmt"
	"time"
)

// TaskRunner executes one grant task under the per-record lock and reports
// the outcome as a TaskResult. It never returns a retriable failure as fatal
// and never persists properties before the strategy has returned.
type TaskRunner struct {
	customers    CustomerReader
	benefits     BenefitReader
	grants       GrantStore
	strategies   *StrategyRegistry
	locker       GrantLocker
	orchestrator *GrantOrchestrator
	unitOfWork   UnitOfWork
	config       RunnerConfig
	now          func() time.Time
}

type TaskRunnerDependencies struct {
	Customers    CustomerReader
	Benefits     BenefitReader
	Grants       GrantStore
	Strategies   *StrategyRegistry
	Locker       GrantLocker
	Orchestrator *GrantOrchestrator
	UnitOfWork   UnitOfWork
}

func NewTaskRunner(deps TaskRunnerDependencies, config RunnerConfig) (*TaskRunner, error) {
	if deps.Customers == nil {
		return nil, fmt.Errorf("core: customer reader is required")
	}
	if deps.Benefits == nil {
		return nil, fmt.Errorf("core: benefit reader is required")
	}
	if deps.Grants == nil {
		return nil, fmt.Errorf("core: grant store is required")
	}
	if deps.Strategies == nil {
		return nil, fmt.Errorf("core: strategy registry is required")
	}
	if deps.Locker == nil {
		deps.Locker = NewMemoryGrantLocker()
	}
	defaults := DefaultConfig().Runner
	if config.LockTTL <= 0 {
		config.LockTTL = defaults.LockTTL
	}
	if config.LockRetryDelay <= 0 {
		config.LockRetryDelay = defaults.LockRetryDelay
	}
	if config.StoreRetryDelay <= 0 {
		config.StoreRetryDelay = defaults.StoreRetryDelay
	}
	return &TaskRunner{
		customers:    deps.Customers,
		benefits:     deps.Benefits,
		grants:       deps.Grants,
		strategies:   deps.Strategies,
		locker:       deps.Locker,
		orchestrator: deps.Orchestrator,
		unitOfWork:   deps.UnitOfWork,
		config:       config,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (r *TaskRunner) Handle(ctx context.Context, task GrantTask) TaskResult {
	return r.Run(ctx, task)
}

func (r *TaskRunner) Run(ctx context.Context, task GrantTask) TaskResult {
	if r == nil {
		return Fatal(fmt.Errorf("core: task runner is not configured"))
	}
	if err := task.Validate(); err != nil {
		return Fatal(MapError(err))
	}
	switch task.Kind {
	case TaskKindDeleteBenefit:
		return r.runDeleteBenefit(ctx, task)
	case TaskKindUpdate, TaskKindDeleteGrant:
		return r.runByGrantID(ctx, task)
	default:
		return r.runByTriple(ctx, task)
	}
}

func (r *TaskRunner) runByTriple(ctx context.Context, task GrantTask) TaskResult {
	customer, benefit, failure := r.loadReferents(ctx, task.CustomerID, task.BenefitID)
	if failure != nil {
		return *failure
	}

	handle, failure := r.lock(ctx, GrantLockKey(task.CustomerID, task.BenefitID, task.Scope))
	if failure != nil {
		return *failure
	}
	defer func() { _ = handle.Unlock(ctx) }()

	grant, err := r.grants.FindGrant(ctx, task.CustomerID, task.BenefitID, task.Scope)
	if err != nil {
		if !IsNotFound(err) {
			return RetryAfter(r.config.StoreRetryDelay, err)
		}
		if task.Kind != TaskKindGrant {
			return Fatal(GrantDoesNotExistError(task.Scope.String()))
		}
		if benefit.IsDeleted() {
			return Skipped("benefit deleted")
		}
		grant = NewGrantRecord(task.CustomerID, task.BenefitID, task.Scope, r.now())
	}
	return r.execute(ctx, task, customer, benefit, grant)
}

func (r *TaskRunner) runByGrantID(ctx context.Context, task GrantTask) TaskResult {
	grant, err := r.grants.GetGrant(ctx, task.GrantID)
	if err != nil {
		if IsNotFound(err) {
			return Fatal(GrantDoesNotExistError(task.GrantID))
		}
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	customer, benefit, failure := r.loadReferents(ctx, grant.CustomerID, grant.BenefitID)
	if failure != nil {
		return *failure
	}

	handle, failure := r.lock(ctx, grant.LockKey())
	if failure != nil {
		return *failure
	}
	defer func() { _ = handle.Unlock(ctx) }()

	// the record may have moved while the lock was contended
	grant, err = r.grants.GetGrant(ctx, task.GrantID)
	if err != nil {
		if IsNotFound(err) {
			return Fatal(GrantDoesNotExistError(task.GrantID))
		}
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	return r.execute(ctx, task, customer, benefit, grant)
}

func (r *TaskRunner) runDeleteBenefit(ctx context.Context, task GrantTask) TaskResult {
	if r.orchestrator == nil || r.unitOfWork == nil {
		return Fatal(fmt.Errorf("core: benefit deletion requires an orchestrator and a unit of work"))
	}
	if _, err := r.benefits.GetBenefit(ctx, task.BenefitID); err != nil {
		if IsNotFound(err) {
			return Fatal(BenefitDoesNotExistError(task.BenefitID))
		}
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	// a deleted benefit can still carry grants committed after the first
	// deletion, so every run sweeps the live ones again
	plan, err := r.orchestrator.OnBenefitDeleted(ctx, task.BenefitID)
	if err != nil {
		if isPermanent(err) {
			return Fatal(err)
		}
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	if err := r.unitOfWork.Commit(ctx, plan); err != nil {
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	return TaskResult{
		Outcome: TaskOutcomeSuccess,
		Reason:  fmt.Sprintf("enqueued %d revoke tasks", plan.TaskCount(TaskKindRevoke)),
	}
}

func (r *TaskRunner) execute(ctx context.Context, task GrantTask, customer Customer, benefit Benefit, grant GrantRecord) TaskResult {
	if grant.IsDeleted() {
		return Skipped("grant deleted")
	}
	if grant.IsRevoked() {
		if task.Kind == TaskKindDeleteGrant {
			return r.softDelete(ctx, grant)
		}
		return Skipped("grant already revoked")
	}
	switch task.Kind {
	case TaskKindGrant:
		if grant.State == GrantStateGranted {
			return Skipped("grant already granted")
		}
		if benefit.IsDeleted() {
			return r.retire(ctx, grant)
		}
	case TaskKindCycle, TaskKindUpdate:
		if benefit.IsDeleted() {
			return Skipped("benefit deleted")
		}
		if grant.State != GrantStateGranted {
			return Skipped("grant not granted yet")
		}
	}

	strategy, err := r.strategies.Resolve(benefit.Kind)
	if err != nil {
		return Fatal(err)
	}
	call := StrategyCall{
		Attempt:        task.Attempt,
		IdempotencyKey: task.StrategyKey(),
		Update:         task.Kind == TaskKindUpdate,
	}
	props, err := invokeStrategy(ctx, strategy, task.Kind, benefit, customer, grant.Properties, call)
	if err != nil {
		if retriable, ok := AsRetriable(err); ok {
			return RetryAfter(retriable.Delay, err)
		}
		return Fatal(StrategyFailedError(benefit.Kind, task.Kind, err))
	}

	now := r.now()
	updated := grant.Clone()
	if err := updated.Advance(task.Kind, props, now); err != nil {
		return Fatal(err)
	}
	if task.Kind == TaskKindDeleteGrant || (task.Kind == TaskKindRevoke && benefit.IsDeleted()) {
		if err := updated.MarkDeleted(now); err != nil {
			return Fatal(err)
		}
	}
	saved, err := r.grants.SaveGrant(ctx, updated)
	if err != nil {
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	return Success(saved)
}

// retire closes an initialized grant whose benefit was deleted before the
// grant ran. No strategy call succeeded for it, so nothing upstream is undone.
func (r *TaskRunner) retire(ctx context.Context, grant GrantRecord) TaskResult {
	now := r.now()
	updated := grant.Clone()
	if err := updated.Advance(TaskKindRevoke, grant.Properties, now); err != nil {
		return Fatal(err)
	}
	if err := updated.MarkDeleted(now); err != nil {
		return Fatal(err)
	}
	saved, err := r.grants.SaveGrant(ctx, updated)
	if err != nil {
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	result := Success(saved)
	result.Reason = "benefit deleted, grant retired"
	return result
}

func (r *TaskRunner) softDelete(ctx context.Context, grant GrantRecord) TaskResult {
	updated := grant.Clone()
	if err := updated.MarkDeleted(r.now()); err != nil {
		return Fatal(err)
	}
	saved, err := r.grants.SaveGrant(ctx, updated)
	if err != nil {
		return RetryAfter(r.config.StoreRetryDelay, err)
	}
	return Success(saved)
}

func (r *TaskRunner) loadReferents(ctx context.Context, customerID string, benefitID string) (Customer, Benefit, *TaskResult) {
	customer, err := r.customers.GetCustomer(ctx, customerID)
	if err != nil {
		result := RetryAfter(r.config.StoreRetryDelay, err)
		if IsNotFound(err) {
			result = Fatal(CustomerDoesNotExistError(customerID))
		}
		return Customer{}, Benefit{}, &result
	}
	benefit, err := r.benefits.GetBenefit(ctx, benefitID)
	if err != nil {
		result := RetryAfter(r.config.StoreRetryDelay, err)
		if IsNotFound(err) {
			result = Fatal(BenefitDoesNotExistError(benefitID))
		}
		return Customer{}, Benefit{}, &result
	}
	return customer, benefit, nil
}

func (r *TaskRunner) lock(ctx context.Context, key string) (LockHandle, *TaskResult) {
	handle, err := r.locker.Acquire(ctx, key, r.config.LockTTL)
	if err != nil {
		result := RetryAfter(r.config.LockRetryDelay, err)
		return nil, &result
	}
	if handle == nil {
		result := RetryAfter(r.config.LockRetryDelay, LockHeldError(key))
		return nil, &result
	}
	return handle, nil
}
