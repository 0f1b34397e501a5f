package core

import (
	"context"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu       sync.Mutex
	counters []capturedCounter
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: cloneTags(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func (m *captureMetricsRecorder) has(name string, tagKey string, tagValue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, counter := range m.counters {
		if counter.name == name && counter.tags[tagKey] == tagValue {
			return true
		}
	}
	return false
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := copyAnyMap(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: copyAnyMap(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := copyAnyMap(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		if key, ok := args[index].(string); ok {
			fields[key] = args[index+1]
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) find(level string, msg string) (capturedLog, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, record := range *l.records {
		if record.level == level && record.msg == msg {
			return record, true
		}
	}
	return capturedLog{}, false
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyAnyMap(l.values), nil
}

type engineFixture struct {
	engine  *Engine
	world   *memoryWorld
	emitter *recordingEmitter
	metrics *captureMetricsRecorder
	logger  *captureLogger
	hook    *recordingFatalHook
}

func newEngineFixture(t *testing.T, emitter *recordingEmitter, benefits ...Benefit) *engineFixture {
	t.Helper()
	world := &memoryWorld{
		benefits:  newMemoryBenefits(benefits...),
		customers: newMemoryCustomers(testCustomer()),
		grants:    newMemoryGrants(),
		outbox:    newMemoryOutbox(),
	}
	for _, benefit := range benefits {
		world.benefits.attach(testProductID, benefit.ID)
	}
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	hook := &recordingFatalHook{}
	meters := memoryMeters{byID: map[string]Meter{testMeterID: {ID: testMeterID, OrganizationID: testOrgID}}}

	engine, err := NewEngine(Config{},
		WithLogger(logger),
		WithLoggerProvider(stubLoggerProvider{logger: logger}),
		WithMetricsRecorder(metrics),
		WithBenefitReader(world.benefits),
		WithProductBenefitReader(world.benefits),
		WithCustomerReader(world.customers),
		WithGrantStore(world.grants),
		WithUnitOfWork(world),
		WithTaskOutbox(world.outbox),
		WithMeterReader(meters),
		WithUsageEventEmitter(emitter),
		WithFatalTaskHook(hook),
		WithClock(fixedClock),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &engineFixture{engine: engine, world: world, emitter: emitter, metrics: metrics, logger: logger, hook: hook}
}

func TestNewEngine_Defaults(t *testing.T) {
	engine, err := NewEngine(Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if engine.Logger() == nil {
		t.Fatalf("expected default logger")
	}
	cfg := engine.Config()
	if cfg.ServiceName != "grants" || cfg.Retry.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("expected default config, got %+v", cfg)
	}
	kinds := engine.Strategies().Kinds()
	if len(kinds) != 2 || kinds[0] != BenefitKindCustom || kinds[1] != BenefitKindMeterCredit {
		t.Fatalf("unexpected strategies %v", kinds)
	}

	if _, err := engine.OnSubscriptionActive(context.Background(), testSubscription()); err == nil {
		t.Fatalf("expected orchestration without stores to fail")
	}
	if result := engine.RunTask(context.Background(), NewDeleteBenefitTask("ben_1", testNow)); !result.IsFatal() {
		t.Fatalf("expected task without stores to be fatal")
	}
}

func TestNewEngine_ConfigLayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(mapRawLoader{values: map[string]any{
		"service_name": "from-config",
		"outbox": map[string]any{
			"batch_size": 20,
		},
	}})

	engine, err := NewEngine(Config{ServiceName: "from-runtime"}, WithConfigProvider(provider))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cfg := engine.Config()
	if cfg.ServiceName != "from-runtime" {
		t.Fatalf("expected runtime value to win, got %q", cfg.ServiceName)
	}
	if cfg.Outbox.BatchSize != 20 {
		t.Fatalf("expected config layer batch size, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.Outbox.Concurrency != defaultOutboxConcurrency {
		t.Fatalf("expected default concurrency, got %d", cfg.Outbox.Concurrency)
	}
}

func TestNewEngine_StrategyOverrideReplacesBuiltin(t *testing.T) {
	override := &updatingStrategy{}
	engine, err := NewEngine(Config{}, WithStrategies(override))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	strategy, ok := engine.Strategies().Get(BenefitKindCustom)
	if !ok || strategy != BenefitStrategy(override) {
		t.Fatalf("expected custom strategy override")
	}
}

func TestEngine_SubscriptionLifecycleEndToEnd(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter(), meterBenefit("ben_1", 100))
	ctx := context.Background()

	plan, err := fx.engine.OnSubscriptionActive(ctx, testSubscription())
	if err != nil {
		t.Fatalf("subscription active: %v", err)
	}
	if plan.TaskCount(TaskKindGrant) != 1 {
		t.Fatalf("expected one grant task, got %+v", plan.Tasks)
	}
	stats, err := fx.engine.DispatchPending(ctx, 0)
	if err != nil || stats.Succeeded != 1 {
		t.Fatalf("expected grant dispatched, got %+v (%v)", stats, err)
	}

	if _, err := fx.engine.OnSubscriptionCycle(ctx, testSubscription()); err != nil {
		t.Fatalf("subscription cycle: %v", err)
	}
	if stats, err = fx.engine.DispatchPending(ctx, 0); err != nil || stats.Succeeded != 1 {
		t.Fatalf("expected cycle dispatched, got %+v (%v)", stats, err)
	}
	if net := fx.emitter.netUnits(testMeterID); net != 200 {
		t.Fatalf("expected two credits, got %d", net)
	}

	if _, err := fx.engine.OnSubscriptionRevoked(ctx, testSubscription()); err != nil {
		t.Fatalf("subscription revoked: %v", err)
	}
	if stats, err = fx.engine.DispatchPending(ctx, 0); err != nil || stats.Succeeded != 1 {
		t.Fatalf("expected revoke dispatched, got %+v (%v)", stats, err)
	}
	if net := fx.emitter.netUnits(testMeterID); net != 100 {
		t.Fatalf("expected revoke to reverse the last credit only, got %d", net)
	}

	grants, err := fx.engine.ListGrants(ctx, GrantFilter{CustomerID: testCustomerID})
	if err != nil || len(grants) != 1 || !grants[0].IsRevoked() {
		t.Fatalf("expected one revoked grant, got %+v (%v)", grants, err)
	}
	if _, err := fx.engine.GetGrant(ctx, grants[0].ID); err != nil {
		t.Fatalf("get grant: %v", err)
	}

	if !fx.metrics.has("grants.subscription_active.total", "status", "success") {
		t.Fatalf("expected subscription_active success counter")
	}
	if !fx.metrics.has("grants.task.total", "task_kind", string(TaskKindRevoke)) {
		t.Fatalf("expected revoke task counter")
	}
	record, ok := fx.logger.find("info", "task.grant succeeded")
	if !ok {
		t.Fatalf("expected grant task log line")
	}
	if record.fields["customer_id"] != testCustomerID || record.fields["outcome"] != string(TaskOutcomeSuccess) {
		t.Fatalf("unexpected log fields %+v", record.fields)
	}
}

func TestEngine_FatalTaskIsReported(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter(), meterBenefit("ben_1", 100))
	ctx := context.Background()
	orphan := NewGrantTask(TaskKindGrant, NewGrantRecord("cus_gone", "ben_1", testSubscription().Scope(), testNow), testNow)
	fx.world.outbox.append(orphan)

	stats, err := fx.engine.DispatchPending(ctx, 0)
	if err != nil || stats.Failed != 1 {
		t.Fatalf("expected fatal dispatch, got %+v (%v)", stats, err)
	}
	if len(fx.hook.tasks) != 1 || !IsCustomerDoesNotExist(fx.hook.errs[0]) {
		t.Fatalf("expected user hook to see the failure, got %+v", fx.hook.errs)
	}
	if !fx.metrics.has("grants.task.fatal", "task_kind", string(TaskKindGrant)) {
		t.Fatalf("expected fatal counter")
	}
	record, ok := fx.logger.find("error", "grant task failed permanently")
	if !ok || record.fields["error_code"] != ServiceErrorCustomerNotFound {
		t.Fatalf("expected fatal log with error code, got %+v", record)
	}

	failed, err := fx.engine.ListFailedTasks(ctx, 0)
	if err != nil || len(failed) != 1 || failed[0].ID != orphan.ID {
		t.Fatalf("expected failed task listed, got %+v (%v)", failed, err)
	}
}

func TestEngine_CommitConflictRebuildsPlanOnce(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter(), meterBenefit("ben_1", 100))
	fx.world.failNext = goerrors.New("grant already exists", goerrors.CategoryConflict)

	plan, err := fx.engine.OnSubscriptionActive(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("expected conflict to be retried, got %v", err)
	}
	if len(plan.NewGrants) != 1 || fx.world.commits != 1 {
		t.Fatalf("expected a single successful commit, got %d", fx.world.commits)
	}
}

func TestEngine_CommitFailureIsMapped(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter(), meterBenefit("ben_1", 100))
	fx.world.failNext = goerrors.New("database unavailable", goerrors.CategoryInternal)

	_, err := fx.engine.OnSubscriptionActive(context.Background(), testSubscription())
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.TextCode != ServiceErrorInternal {
		t.Fatalf("expected internal service error, got %v", err)
	}
	if !fx.metrics.has("grants.subscription_active.total", "status", "failure") {
		t.Fatalf("expected failure counter")
	}
}

func TestEngine_CreateAndUpdateBenefit(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter())
	ctx := context.Background()
	actor := Actor{Kind: ActorKindOrganization, ID: testOrgID}

	_, err := fx.engine.CreateBenefit(ctx, CreateBenefitInput{
		Actor:          actor,
		OrganizationID: testOrgID,
		Kind:           BenefitKindMeterCredit,
		Properties:     map[string]any{"meter_id": "meter_unknown", "units": 10},
	})
	assertFieldError(t, "create with unknown meter", err, MeterCreditPropertyMeterID, "This meter does not exist.")

	created, err := fx.engine.CreateBenefit(ctx, CreateBenefitInput{
		Actor:          actor,
		OrganizationID: testOrgID,
		Kind:           BenefitKindMeterCredit,
		Description:    " API credits ",
		Properties:     map[string]any{"meter_id": testMeterID, "units": 10},
	})
	if err != nil {
		t.Fatalf("create benefit: %v", err)
	}
	if created.Description != "API credits" || created.Properties[MeterCreditPropertyUnits] != int64(10) {
		t.Fatalf("unexpected created benefit %+v", created)
	}
	if _, err := fx.engine.GetBenefit(ctx, created.ID); err != nil {
		t.Fatalf("expected created benefit persisted: %v", err)
	}

	updated, plan, err := fx.engine.UpdateBenefitProperties(ctx, UpdateBenefitInput{
		Actor:      actor,
		BenefitID:  created.ID,
		Properties: map[string]any{"meter_id": testMeterID, "units": 25},
	})
	if err != nil {
		t.Fatalf("update benefit: %v", err)
	}
	if updated.Properties[MeterCreditPropertyUnits] != int64(25) || plan.TaskCount(TaskKindUpdate) != 0 {
		t.Fatalf("unexpected update result %+v / %+v", updated, plan)
	}

	_, err = fx.engine.CreateBenefit(ctx, CreateBenefitInput{Actor: actor, OrganizationID: testOrgID, Kind: "tickets"})
	if !HasTextCode(err, ServiceErrorUnsupportedKind) {
		t.Fatalf("expected unsupported kind, got %v", err)
	}
}

func TestEngine_BenefitDeletionThroughTasks(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter(), meterBenefit("ben_1", 100))
	ctx := context.Background()
	if _, err := fx.engine.OnSubscriptionActive(ctx, testSubscription()); err != nil {
		t.Fatalf("subscription active: %v", err)
	}
	if _, err := fx.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	task, err := fx.engine.RequestBenefitDeletion(ctx, "ben_1")
	if err != nil || task.Kind != TaskKindDeleteBenefit {
		t.Fatalf("expected delete benefit task, got %+v (%v)", task, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := fx.engine.Sweep(ctx); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}

	benefit, err := fx.engine.GetBenefit(ctx, "ben_1")
	if err != nil || !benefit.IsDeleted() {
		t.Fatalf("expected soft-deleted benefit, got %+v (%v)", benefit, err)
	}
	grant := fx.world.grants.only(t)
	if !grant.IsRevoked() || !grant.IsDeleted() {
		t.Fatalf("expected revoked and deleted grant, got %+v", grant)
	}
	if net := fx.emitter.netUnits(testMeterID); net != 0 {
		t.Fatalf("expected credits reversed, got %d", net)
	}

	task, err = fx.engine.RequestBenefitDeletion(ctx, "ben_1")
	if err != nil || task.ID != "" {
		t.Fatalf("expected no task for an already deleted benefit, got %+v (%v)", task, err)
	}
	late := NewGrantRecord(testCustomerID, "ben_1", GrantScope{Type: ScopeTypeOrder, ID: "order_late"}, testNow)
	if _, err := fx.world.grants.SaveGrant(ctx, late); err != nil {
		t.Fatalf("seed late grant: %v", err)
	}
	task, err = fx.engine.RequestBenefitDeletion(ctx, "ben_1")
	if err != nil || task.Kind != TaskKindDeleteBenefit {
		t.Fatalf("expected a task while a live grant remains, got %+v (%v)", task, err)
	}
	if _, err := fx.engine.RequestBenefitDeletion(ctx, "ben_missing"); !IsBenefitDoesNotExist(err) {
		t.Fatalf("expected benefit does not exist, got %v", err)
	}
}

func TestEngine_DeleteGrant(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter(), meterBenefit("ben_1", 100))
	ctx := context.Background()
	if _, err := fx.engine.OnSubscriptionActive(ctx, testSubscription()); err != nil {
		t.Fatalf("subscription active: %v", err)
	}
	if _, err := fx.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	grant := fx.world.grants.only(t)

	if _, err := fx.engine.DeleteGrant(ctx, grant.ID); err != nil {
		t.Fatalf("delete grant: %v", err)
	}
	if _, err := fx.engine.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stored := fx.world.grants.only(t); !stored.IsDeleted() {
		t.Fatalf("expected grant deleted")
	}
	if _, err := fx.engine.DeleteGrant(ctx, "missing"); !IsGrantDoesNotExist(err) {
		t.Fatalf("expected grant does not exist, got %v", err)
	}
}

func TestEngine_ReleaseStaleUsesStaleWindow(t *testing.T) {
	fx := newEngineFixture(t, newRecordingEmitter())
	task := NewDeleteBenefitTask("ben_1", testNow)
	fx.world.outbox.append(task)
	fx.world.outbox.now = func() time.Time { return testNow.Add(-time.Hour) }
	if _, err := fx.world.outbox.ClaimDue(context.Background(), 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, err := fx.engine.ReleaseStale(context.Background())
	if err != nil || released != 1 {
		t.Fatalf("expected stale claim released, got %d (%v)", released, err)
	}
}
