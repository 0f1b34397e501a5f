package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

// Engine is the entry point of the grant lifecycle: it turns lifecycle
// events into committed plans, runs grant tasks and drains the outbox.
type Engine struct {
	config          Config
	logger          Logger
	loggerProvider  LoggerProvider
	metricsRecorder MetricsRecorder
	errorFactory    ErrorFactory
	errorMapper     ErrorMapper
	benefits        BenefitReader
	customers       CustomerReader
	grants          GrantStore
	unitOfWork      UnitOfWork
	outbox          TaskOutbox
	failedTasks     FailedTaskReader
	strategies      *StrategyRegistry
	orchestrator    *GrantOrchestrator
	runner          *TaskRunner
	dispatcher      *OutboxDispatcher
	fatalHook       FatalTaskHook
	now             func() time.Time
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	builder := defaultEngineBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve(defaultServiceName, builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger(defaultServiceName); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.clock == nil {
		builder.clock = func() time.Time { return time.Now().UTC() }
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if err := applyRepositoryFactory(&builder); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if builder.locker == nil {
		builder.locker = NewMemoryGrantLocker()
	}
	if builder.failedTasks == nil {
		if reader, ok := builder.outbox.(FailedTaskReader); ok {
			builder.failedTasks = reader
		}
	}

	strategies, err := NewStrategyRegistry()
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	overrides := map[BenefitKind]BenefitStrategy{}
	for _, strategy := range builder.strategies {
		if strategy != nil {
			overrides[strategy.Kind()] = strategy
		}
	}
	for _, strategy := range DefaultStrategies(finalConfig, builder.usageEvents, builder.meters) {
		if override, ok := overrides[strategy.Kind()]; ok {
			strategy = override
			delete(overrides, strategy.Kind())
		}
		if err := strategies.Register(strategy); err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}
	for _, strategy := range overrides {
		if err := strategies.Register(strategy); err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
	}

	engine := &Engine{
		config:          finalConfig,
		logger:          logger,
		loggerProvider:  provider,
		metricsRecorder: builder.metricsRecorder,
		errorFactory:    builder.errorFactory,
		errorMapper:     builder.errorMapper,
		benefits:        builder.benefits,
		customers:       builder.customers,
		grants:          builder.grants,
		unitOfWork:      builder.unitOfWork,
		outbox:          builder.outbox,
		failedTasks:     builder.failedTasks,
		strategies:      strategies,
		fatalHook:       builder.fatalHook,
		now:             builder.clock,
	}

	if builder.productBenefits != nil && builder.benefits != nil && builder.grants != nil {
		orchestrator, err := NewGrantOrchestrator(builder.productBenefits, builder.benefits, builder.grants, strategies)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		orchestrator.now = builder.clock
		engine.orchestrator = orchestrator
	}
	if builder.customers != nil && builder.benefits != nil && builder.grants != nil {
		runner, err := NewTaskRunner(TaskRunnerDependencies{
			Customers:    builder.customers,
			Benefits:     builder.benefits,
			Grants:       builder.grants,
			Strategies:   strategies,
			Locker:       builder.locker,
			Orchestrator: engine.orchestrator,
			UnitOfWork:   builder.unitOfWork,
		}, finalConfig.Runner)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		runner.now = builder.clock
		engine.runner = runner
	}
	if builder.outbox != nil && engine.runner != nil {
		dispatcher, err := NewOutboxDispatcher(builder.outbox, engine, OutboxDispatcherConfig{
			BatchSize:   finalConfig.Outbox.BatchSize,
			Concurrency: finalConfig.Outbox.Concurrency,
			Retry:       finalConfig.RetryScheduler(),
		}, engine)
		if err != nil {
			return nil, mapBuildError(builder.errorMapper, err)
		}
		dispatcher.now = builder.clock
		engine.dispatcher = dispatcher
	}
	return engine, nil
}

func applyRepositoryFactory(builder *engineBuilder) error {
	if builder.repositoryFactory == nil {
		return nil
	}
	var provider StoreProvider
	if storeFactory, ok := builder.repositoryFactory.(RepositoryStoreFactory); ok {
		built, err := storeFactory.BuildStores(builder.persistenceClient)
		if err != nil {
			return err
		}
		provider = built
	} else if direct, ok := builder.repositoryFactory.(StoreProvider); ok {
		provider = direct
	}
	if provider == nil {
		return nil
	}
	if builder.benefits == nil {
		builder.benefits = provider.Benefits()
	}
	if builder.customers == nil {
		builder.customers = provider.Customers()
	}
	if builder.productBenefits == nil {
		builder.productBenefits = provider.ProductBenefits()
	}
	if builder.grants == nil {
		builder.grants = provider.Grants()
	}
	if builder.unitOfWork == nil {
		builder.unitOfWork = provider.UnitOfWork()
	}
	if builder.meters == nil {
		if source, ok := provider.(interface{ Meters() MeterReader }); ok {
			builder.meters = source.Meters()
		}
	}
	if builder.usageEvents == nil {
		if source, ok := provider.(interface{ UsageEvents() UsageEventEmitter }); ok {
			builder.usageEvents = source.UsageEvents()
		}
	}
	if builder.outbox == nil {
		if source, ok := provider.(interface{ TaskOutbox() TaskOutbox }); ok {
			builder.outbox = source.TaskOutbox()
		}
	}
	if builder.locker == nil {
		if source, ok := provider.(interface{ GrantLocker() GrantLocker }); ok {
			builder.locker = source.GrantLocker()
		}
	}
	return nil
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

func (e *Engine) Logger() Logger {
	if e == nil {
		return glog.Nop()
	}
	return e.logger
}

func (e *Engine) Strategies() *StrategyRegistry {
	if e == nil {
		return nil
	}
	return e.strategies
}

func (e *Engine) mapError(err error) error {
	if err == nil {
		return nil
	}
	if e == nil || e.errorMapper == nil {
		return MapError(err)
	}
	if mapped := e.errorMapper(err); mapped != nil {
		return mapped
	}
	return err
}

func (e *Engine) requireOrchestration() error {
	if e == nil || e.orchestrator == nil {
		return fmt.Errorf("core: orchestration requires product benefit, benefit and grant stores")
	}
	if e.unitOfWork == nil {
		return fmt.Errorf("core: orchestration requires a unit of work")
	}
	return nil
}

// commitPlan builds and commits a plan. A conflict means another writer
// created one of the records first, so the plan is rebuilt once.
func (e *Engine) commitPlan(ctx context.Context, operation string, fields map[string]any, build func(context.Context) (Plan, error)) (plan Plan, err error) {
	startedAt := time.Now()
	defer func() {
		observed := cloneFields(fields)
		observed["tasks"] = len(plan.Tasks)
		observed["new_grants"] = len(plan.NewGrants)
		if len(plan.RevokedGrantIDs) > 0 {
			observed["revoked_skipped"] = strings.Join(plan.RevokedGrantIDs, ",")
		}
		e.observeOperation(ctx, startedAt, operation, err, observed)
	}()
	if err = e.requireOrchestration(); err != nil {
		return Plan{}, e.mapError(err)
	}
	for attempt := 0; attempt < 2; attempt++ {
		plan, err = build(ctx)
		if err != nil {
			return Plan{}, e.mapError(err)
		}
		if plan.IsEmpty() {
			return plan, nil
		}
		err = e.unitOfWork.Commit(ctx, plan)
		if err == nil {
			return plan, nil
		}
		if !IsConflict(err) {
			break
		}
	}
	return Plan{}, e.mapError(err)
}

func (e *Engine) OnSubscriptionActive(ctx context.Context, sub Subscription) (Plan, error) {
	return e.commitPlan(ctx, "subscription_active", subscriptionFields(sub), func(ctx context.Context) (Plan, error) {
		return e.orchestrator.OnSubscriptionActive(ctx, sub)
	})
}

func (e *Engine) OnSubscriptionCycle(ctx context.Context, sub Subscription) (Plan, error) {
	return e.commitPlan(ctx, "subscription_cycle", subscriptionFields(sub), func(ctx context.Context) (Plan, error) {
		return e.orchestrator.OnSubscriptionCycle(ctx, sub)
	})
}

func (e *Engine) OnSubscriptionRevoked(ctx context.Context, sub Subscription) (Plan, error) {
	return e.commitPlan(ctx, "subscription_revoked", subscriptionFields(sub), func(ctx context.Context) (Plan, error) {
		return e.orchestrator.OnSubscriptionRevoked(ctx, sub)
	})
}

func (e *Engine) OnOrderPaid(ctx context.Context, order Order) (Plan, error) {
	return e.commitPlan(ctx, "order_paid", orderFields(order), func(ctx context.Context) (Plan, error) {
		return e.orchestrator.OnOrderPaid(ctx, order)
	})
}

func (e *Engine) OnOrderRevoked(ctx context.Context, order Order) (Plan, error) {
	return e.commitPlan(ctx, "order_revoked", orderFields(order), func(ctx context.Context) (Plan, error) {
		return e.orchestrator.OnOrderRevoked(ctx, order)
	})
}

func (e *Engine) OnBenefitPropertiesChanged(ctx context.Context, benefit Benefit, previous BenefitProperties) (Plan, error) {
	fields := map[string]any{"benefit_id": benefit.ID, "benefit_kind": string(benefit.Kind)}
	return e.commitPlan(ctx, "benefit_properties_changed", fields, func(ctx context.Context) (Plan, error) {
		return e.orchestrator.OnBenefitPropertiesChanged(ctx, benefit, previous)
	})
}

// DeleteBenefit revokes every live grant of the benefit and soft-deletes it
// in one commit.
func (e *Engine) DeleteBenefit(ctx context.Context, benefitID string) (Plan, error) {
	return e.commitPlan(ctx, "benefit_deleted", map[string]any{"benefit_id": benefitID}, func(ctx context.Context) (Plan, error) {
		return e.orchestrator.OnBenefitDeleted(ctx, benefitID)
	})
}

// RequestBenefitDeletion defers DeleteBenefit to the task pipeline.
func (e *Engine) RequestBenefitDeletion(ctx context.Context, benefitID string) (GrantTask, error) {
	benefitID = strings.TrimSpace(benefitID)
	plan, err := e.commitPlan(ctx, "benefit_deletion_requested", map[string]any{"benefit_id": benefitID}, func(ctx context.Context) (Plan, error) {
		if benefitID == "" {
			return Plan{}, ValidationError("benefit_id", "benefit id is required")
		}
		benefit, err := e.benefits.GetBenefit(ctx, benefitID)
		if err != nil {
			if IsNotFound(err) {
				return Plan{}, BenefitDoesNotExistError(benefitID)
			}
			return Plan{}, err
		}
		if benefit.IsDeleted() {
			live, err := e.grants.ListGrants(ctx, GrantFilter{
				BenefitID: benefitID,
				States:    []GrantState{GrantStateInitialized, GrantStateGranted},
			})
			if err != nil {
				return Plan{}, err
			}
			if len(live) == 0 {
				return Plan{}, nil
			}
		}
		return Plan{Tasks: []GrantTask{NewDeleteBenefitTask(benefitID, e.now())}}, nil
	})
	if err != nil || len(plan.Tasks) == 0 {
		return GrantTask{}, err
	}
	return plan.Tasks[0], nil
}

// DeleteGrant enqueues a delete_grant task: revoke if needed, then soft delete.
func (e *Engine) DeleteGrant(ctx context.Context, grantID string) (GrantTask, error) {
	grantID = strings.TrimSpace(grantID)
	plan, err := e.commitPlan(ctx, "grant_deletion_requested", map[string]any{"grant_id": grantID}, func(ctx context.Context) (Plan, error) {
		if grantID == "" {
			return Plan{}, ValidationError("grant_id", "grant id is required")
		}
		grant, err := e.grants.GetGrant(ctx, grantID)
		if err != nil {
			if IsNotFound(err) {
				return Plan{}, GrantDoesNotExistError(grantID)
			}
			return Plan{}, err
		}
		if grant.IsDeleted() {
			return Plan{}, nil
		}
		return Plan{Tasks: []GrantTask{NewGrantTask(TaskKindDeleteGrant, grant, e.now())}}, nil
	})
	if err != nil || len(plan.Tasks) == 0 {
		return GrantTask{}, err
	}
	return plan.Tasks[0], nil
}

type CreateBenefitInput struct {
	Actor          Actor
	OrganizationID string
	Kind           BenefitKind
	Description    string
	Properties     map[string]any
}

func (e *Engine) CreateBenefit(ctx context.Context, in CreateBenefitInput) (Benefit, error) {
	var created Benefit
	fields := map[string]any{"benefit_kind": string(in.Kind), "organization_id": in.OrganizationID}
	_, err := e.commitPlan(ctx, "benefit_created", fields, func(ctx context.Context) (Plan, error) {
		organizationID := strings.TrimSpace(in.OrganizationID)
		if organizationID == "" {
			return Plan{}, ValidationError("organization_id", "organization id is required")
		}
		if !in.Actor.CanRead(organizationID) {
			return Plan{}, ValidationError("organization_id", "organization is not accessible")
		}
		props, err := e.ValidateBenefitProperties(ctx, in.Actor, in.Kind, in.Properties)
		if err != nil {
			return Plan{}, err
		}
		now := e.now()
		created = Benefit{
			ID:             uuid.NewString(),
			OrganizationID: organizationID,
			Kind:           in.Kind,
			Description:    strings.TrimSpace(in.Description),
			Properties:     props,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		benefit := created
		return Plan{Benefit: &benefit}, nil
	})
	if err != nil {
		return Benefit{}, err
	}
	return created, nil
}

type UpdateBenefitInput struct {
	Actor      Actor
	BenefitID  string
	Properties map[string]any
}

// UpdateBenefitProperties saves new properties and, when the strategy asks
// for it, enqueues an update for every live grant in the same commit.
func (e *Engine) UpdateBenefitProperties(ctx context.Context, in UpdateBenefitInput) (Benefit, Plan, error) {
	var updated Benefit
	fields := map[string]any{"benefit_id": in.BenefitID}
	plan, err := e.commitPlan(ctx, "benefit_updated", fields, func(ctx context.Context) (Plan, error) {
		benefitID := strings.TrimSpace(in.BenefitID)
		current, err := e.benefits.GetBenefit(ctx, benefitID)
		if err != nil {
			if IsNotFound(err) {
				return Plan{}, BenefitDoesNotExistError(benefitID)
			}
			return Plan{}, err
		}
		if current.IsDeleted() {
			return Plan{}, BenefitDoesNotExistError(benefitID)
		}
		props, err := e.ValidateBenefitProperties(ctx, in.Actor, current.Kind, in.Properties)
		if err != nil {
			return Plan{}, err
		}
		updated = current
		updated.Properties = props
		updated.UpdatedAt = e.now()
		plan, err := e.orchestrator.OnBenefitPropertiesChanged(ctx, updated, current.Properties)
		if err != nil {
			return Plan{}, err
		}
		benefit := updated
		plan.Benefit = &benefit
		return plan, nil
	})
	if err != nil {
		return Benefit{}, Plan{}, err
	}
	return updated, plan, nil
}

func (e *Engine) ValidateBenefitProperties(ctx context.Context, actor Actor, kind BenefitKind, raw map[string]any) (BenefitProperties, error) {
	strategy, err := e.strategies.Resolve(kind)
	if err != nil {
		return nil, err
	}
	return strategy.ValidateProperties(ctx, actor, copyAnyMap(raw))
}

// RunTask executes one task and records the outcome.
func (e *Engine) RunTask(ctx context.Context, task GrantTask) TaskResult {
	startedAt := time.Now()
	var result TaskResult
	if e == nil || e.runner == nil {
		result = Fatal(fmt.Errorf("core: task execution requires customer, benefit and grant stores"))
	} else {
		result = e.runner.Run(ctx, task)
	}
	if result.Err != nil {
		result.Err = e.mapError(result.Err)
	}
	e.observeTask(ctx, startedAt, task, result)
	return result
}

func (e *Engine) Handle(ctx context.Context, task GrantTask) TaskResult {
	return e.RunTask(ctx, task)
}

func (e *Engine) OnFatalTask(ctx context.Context, task GrantTask, err error) {
	fields := taskFields(task)
	if err != nil {
		fields["error"] = err.Error()
		if mapped := MapError(err); mapped != nil {
			fields["error_code"] = mapped.TextCode
			fields["severity"] = mapped.Severity.String()
		}
	}
	e.recordCounter(ctx, metricPrefix+"task.fatal", 1, map[string]string{"task_kind": string(task.Kind)})
	e.logError(ctx, "grant task failed permanently", fields)
	if e.fatalHook != nil {
		e.fatalHook.OnFatalTask(ctx, task, err)
	}
}

func (e *Engine) DispatchPending(ctx context.Context, batchSize int) (stats DispatchStats, err error) {
	startedAt := time.Now()
	defer func() {
		e.observeOperation(ctx, startedAt, "dispatch", err, dispatchFields(stats))
	}()
	if e == nil || e.dispatcher == nil {
		return DispatchStats{}, fmt.Errorf("core: dispatch requires a task outbox")
	}
	return e.dispatcher.DispatchPending(ctx, batchSize)
}

// ReleaseStale returns claims older than the configured stale window to
// pending.
func (e *Engine) ReleaseStale(ctx context.Context) (released int, err error) {
	startedAt := time.Now()
	defer func() {
		e.observeOperation(ctx, startedAt, "release_stale", err, map[string]any{"released": released})
	}()
	if e == nil || e.outbox == nil {
		return 0, fmt.Errorf("core: releasing claims requires a task outbox")
	}
	return e.outbox.ReleaseStale(ctx, e.now().Add(-e.config.Outbox.StaleAfter))
}

// Sweep releases stale claims and drains every due task.
func (e *Engine) Sweep(ctx context.Context) (DispatchStats, error) {
	if _, err := e.ReleaseStale(ctx); err != nil {
		return DispatchStats{}, err
	}
	if e.dispatcher == nil {
		return DispatchStats{}, fmt.Errorf("core: dispatch requires a task outbox")
	}
	startedAt := time.Now()
	stats, err := e.dispatcher.DispatchUntilIdle(ctx)
	e.observeOperation(ctx, startedAt, "sweep", err, dispatchFields(stats))
	return stats, err
}

func (e *Engine) GetGrant(ctx context.Context, grantID string) (GrantRecord, error) {
	if e == nil || e.grants == nil {
		return GrantRecord{}, fmt.Errorf("core: grant store is not configured")
	}
	grant, err := e.grants.GetGrant(ctx, strings.TrimSpace(grantID))
	if err != nil {
		if IsNotFound(err) {
			return GrantRecord{}, GrantDoesNotExistError(grantID)
		}
		return GrantRecord{}, e.mapError(err)
	}
	return grant, nil
}

func (e *Engine) ListGrants(ctx context.Context, filter GrantFilter) ([]GrantRecord, error) {
	if e == nil || e.grants == nil {
		return nil, fmt.Errorf("core: grant store is not configured")
	}
	if filter.Scope != nil {
		if err := filter.Scope.Validate(); err != nil {
			return nil, e.mapError(err)
		}
	}
	grants, err := e.grants.ListGrants(ctx, filter)
	if err != nil {
		return nil, e.mapError(err)
	}
	return grants, nil
}

func (e *Engine) GetBenefit(ctx context.Context, benefitID string) (Benefit, error) {
	if e == nil || e.benefits == nil {
		return Benefit{}, fmt.Errorf("core: benefit reader is not configured")
	}
	benefit, err := e.benefits.GetBenefit(ctx, strings.TrimSpace(benefitID))
	if err != nil {
		if IsNotFound(err) {
			return Benefit{}, BenefitDoesNotExistError(benefitID)
		}
		return Benefit{}, e.mapError(err)
	}
	return benefit, nil
}

func (e *Engine) ListFailedTasks(ctx context.Context, limit int) ([]GrantTask, error) {
	if e == nil || e.failedTasks == nil {
		return nil, fmt.Errorf("core: failed task reader is not configured")
	}
	if limit <= 0 {
		limit = e.config.Outbox.BatchSize
	}
	tasks, err := e.failedTasks.ListFailedTasks(ctx, limit)
	if err != nil {
		return nil, e.mapError(err)
	}
	return tasks, nil
}

func subscriptionFields(sub Subscription) map[string]any {
	return map[string]any{
		"subscription_id": sub.ID,
		"customer_id":     sub.CustomerID,
		"product_id":      sub.ProductID,
	}
}

func orderFields(order Order) map[string]any {
	return map[string]any{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
		"product_id":  order.ProductID,
	}
}

func dispatchFields(stats DispatchStats) map[string]any {
	return map[string]any{
		"claimed":   stats.Claimed,
		"succeeded": stats.Succeeded,
		"skipped":   stats.Skipped,
		"retried":   stats.Retried,
		"failed":    stats.Failed,
	}
}

var (
	_ TaskHandler   = (*Engine)(nil)
	_ FatalTaskHook = (*Engine)(nil)
)
