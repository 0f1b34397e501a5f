package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type memoryBenefits struct {
	mu       sync.Mutex
	byID     map[string]Benefit
	products map[string][]string
	failGet  error
}

func newMemoryBenefits(benefits ...Benefit) *memoryBenefits {
	store := &memoryBenefits{byID: map[string]Benefit{}, products: map[string][]string{}}
	for _, benefit := range benefits {
		store.byID[benefit.ID] = benefit
	}
	return store
}

func (s *memoryBenefits) attach(productID string, benefitIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productID] = append(s.products[productID], benefitIDs...)
}

func (s *memoryBenefits) put(benefit Benefit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[benefit.ID] = benefit
}

func (s *memoryBenefits) GetBenefit(_ context.Context, id string) (Benefit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet != nil {
		return Benefit{}, s.failGet
	}
	benefit, ok := s.byID[id]
	if !ok {
		return Benefit{}, fmt.Errorf("benefit %s: %w", id, ErrNotFound)
	}
	return benefit, nil
}

func (s *memoryBenefits) ListProductBenefits(_ context.Context, productID string) ([]Benefit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Benefit{}
	for _, id := range s.products[productID] {
		if benefit, ok := s.byID[id]; ok {
			out = append(out, benefit)
		}
	}
	return out, nil
}

type memoryCustomers struct {
	byID map[string]Customer
}

func newMemoryCustomers(customers ...Customer) *memoryCustomers {
	store := &memoryCustomers{byID: map[string]Customer{}}
	for _, customer := range customers {
		store.byID[customer.ID] = customer
	}
	return store
}

func (s *memoryCustomers) GetCustomer(_ context.Context, id string) (Customer, error) {
	customer, ok := s.byID[id]
	if !ok {
		return Customer{}, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	return customer, nil
}

type memoryGrants struct {
	mu        sync.Mutex
	byID      map[string]GrantRecord
	saves     int
	failSaves int
}

func newMemoryGrants(records ...GrantRecord) *memoryGrants {
	store := &memoryGrants{byID: map[string]GrantRecord{}}
	for _, record := range records {
		store.byID[record.ID] = record.Clone()
	}
	return store
}

func (s *memoryGrants) GetGrant(_ context.Context, id string) (GrantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byID[id]
	if !ok {
		return GrantRecord{}, fmt.Errorf("grant %s: %w", id, ErrNotFound)
	}
	return record.Clone(), nil
}

func (s *memoryGrants) FindGrant(_ context.Context, customerID string, benefitID string, scope GrantScope) (GrantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.byID {
		if record.CustomerID == customerID && record.BenefitID == benefitID && record.Scope == scope {
			return record.Clone(), nil
		}
	}
	return GrantRecord{}, fmt.Errorf("grant %s/%s/%s: %w", customerID, benefitID, scope, ErrNotFound)
}

func (s *memoryGrants) SaveGrant(_ context.Context, grant GrantRecord) (GrantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 {
		s.failSaves--
		return GrantRecord{}, fmt.Errorf("grant store unavailable")
	}
	for id, record := range s.byID {
		if id != grant.ID && record.CustomerID == grant.CustomerID && record.BenefitID == grant.BenefitID && record.Scope == grant.Scope {
			return GrantRecord{}, fmt.Errorf("duplicate grant for %s", grant.LockKey())
		}
	}
	s.saves++
	s.byID[grant.ID] = grant.Clone()
	return grant.Clone(), nil
}

func (s *memoryGrants) ListGrants(_ context.Context, filter GrantFilter) ([]GrantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []GrantRecord{}
	for _, record := range s.byID {
		if filter.CustomerID != "" && record.CustomerID != filter.CustomerID {
			continue
		}
		if filter.BenefitID != "" && record.BenefitID != filter.BenefitID {
			continue
		}
		if filter.Scope != nil && record.Scope != *filter.Scope {
			continue
		}
		if !filter.IncludeDeleted && record.IsDeleted() {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, record.State) {
			continue
		}
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryGrants) only(t interface{ Fatalf(string, ...any) }) GrantRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.byID) != 1 {
		t.Fatalf("expected exactly one grant record, got %d", len(s.byID))
	}
	for _, record := range s.byID {
		return record.Clone()
	}
	return GrantRecord{}
}

func containsState(states []GrantState, state GrantState) bool {
	for _, candidate := range states {
		if candidate == state {
			return true
		}
	}
	return false
}

// memoryWorld commits plans against the in-memory stores and keeps the
// resulting outbox.
type memoryWorld struct {
	benefits  *memoryBenefits
	customers *memoryCustomers
	grants    *memoryGrants
	outbox    *memoryOutbox
	commits   int
	failNext  error
}

func (w *memoryWorld) Commit(_ context.Context, plan Plan) error {
	if w.failNext != nil {
		err := w.failNext
		w.failNext = nil
		return err
	}
	for _, record := range plan.NewGrants {
		if _, err := w.grants.SaveGrant(context.Background(), record); err != nil {
			return err
		}
	}
	if plan.Benefit != nil {
		w.benefits.put(*plan.Benefit)
	}
	if id := strings.TrimSpace(plan.SoftDeleteBenefitID); id != "" {
		w.benefits.mu.Lock()
		benefit := w.benefits.byID[id]
		if benefit.DeletedAt == nil {
			deletedAt := testNow
			benefit.DeletedAt = &deletedAt
		}
		w.benefits.byID[id] = benefit
		w.benefits.mu.Unlock()
	}
	w.outbox.append(plan.Tasks...)
	w.commits++
	return nil
}

type outboxEntry struct {
	task      GrantTask
	attempts  int
	lastError string
	claimedAt time.Time
}

type memoryOutbox struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*outboxEntry
	now     func() time.Time
}

func newMemoryOutbox() *memoryOutbox {
	return &memoryOutbox{entries: map[string]*outboxEntry{}, now: fixedClock}
}

func (o *memoryOutbox) append(tasks ...GrantTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, task := range tasks {
		task.Status = TaskStatusPending
		o.entries[task.ID] = &outboxEntry{task: task}
		o.order = append(o.order, task.ID)
	}
}

func (o *memoryOutbox) ClaimDue(_ context.Context, limit int) ([]GrantTask, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	out := []GrantTask{}
	for _, id := range o.order {
		if len(out) >= limit {
			break
		}
		entry := o.entries[id]
		if entry.task.Status != TaskStatusPending {
			continue
		}
		if !entry.task.NotBefore.IsZero() && entry.task.NotBefore.After(now) {
			continue
		}
		entry.task.Status = TaskStatusProcessing
		entry.task.Attempt = entry.attempts + 1
		entry.claimedAt = now
		out = append(out, entry.task)
	}
	return out, nil
}

func (o *memoryOutbox) Ack(_ context.Context, taskID string) error {
	return o.update(taskID, func(entry *outboxEntry) {
		entry.task.Status = TaskStatusDone
	})
}

func (o *memoryOutbox) Retry(_ context.Context, taskID string, cause error, notBefore time.Time) error {
	return o.update(taskID, func(entry *outboxEntry) {
		entry.attempts++
		entry.task.Status = TaskStatusPending
		entry.task.NotBefore = notBefore
		if cause != nil {
			entry.lastError = cause.Error()
		}
	})
}

func (o *memoryOutbox) Fail(_ context.Context, taskID string, cause error) error {
	return o.update(taskID, func(entry *outboxEntry) {
		entry.attempts++
		entry.task.Status = TaskStatusFailed
		if cause != nil {
			entry.lastError = cause.Error()
		}
	})
}

func (o *memoryOutbox) ReleaseStale(_ context.Context, claimedBefore time.Time) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	released := 0
	for _, entry := range o.entries {
		if entry.task.Status == TaskStatusProcessing && entry.claimedAt.Before(claimedBefore) {
			entry.task.Status = TaskStatusPending
			released++
		}
	}
	return released, nil
}

func (o *memoryOutbox) ListFailedTasks(_ context.Context, limit int) ([]GrantTask, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := []GrantTask{}
	for _, id := range o.order {
		entry := o.entries[id]
		if entry.task.Status == TaskStatusFailed && len(out) < limit {
			task := entry.task
			task.LastError = entry.lastError
			out = append(out, task)
		}
	}
	return out, nil
}

func (o *memoryOutbox) update(taskID string, fn func(*outboxEntry)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	fn(entry)
	return nil
}

func (o *memoryOutbox) tasks(kind TaskKind) []GrantTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := []GrantTask{}
	for _, id := range o.order {
		if entry := o.entries[id]; entry.task.Kind == kind {
			out = append(out, entry.task)
		}
	}
	return out
}

func (o *memoryOutbox) status(taskID string) TaskStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.entries[taskID]; ok {
		return entry.task.Status
	}
	return ""
}

// recordingEmitter is an upstream usage ledger that deduplicates by
// idempotency key. Queued failures are returned before anything is stored.
type recordingEmitter struct {
	mu       sync.Mutex
	events   []UsageEvent
	byKey    map[string]UsageEvent
	failures []error
	calls    int
}

func newRecordingEmitter(failures ...error) *recordingEmitter {
	return &recordingEmitter{byKey: map[string]UsageEvent{}, failures: failures}
}

func (e *recordingEmitter) EmitUsageEvent(_ context.Context, event UsageEvent) (UsageEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if len(e.failures) > 0 {
		err := e.failures[0]
		e.failures = e.failures[1:]
		return UsageEvent{}, err
	}
	if stored, ok := e.byKey[event.IdempotencyKey]; ok && event.IdempotencyKey != "" {
		return stored, nil
	}
	e.byKey[event.IdempotencyKey] = event
	e.events = append(e.events, event)
	return event, nil
}

func (e *recordingEmitter) netUnits(meterID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total int64
	for _, event := range e.events {
		if event.Metadata[MeterCreditPropertyMeterID] != meterID {
			continue
		}
		units, _ := int64Property(event.Metadata, MeterCreditPropertyUnits)
		total += units
	}
	return total
}

func (e *recordingEmitter) snapshot() []UsageEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]UsageEvent(nil), e.events...)
}

type memoryMeters struct {
	byID map[string]Meter
}

func (m memoryMeters) GetReadableMeter(_ context.Context, actor Actor, meterID string) (Meter, error) {
	meter, ok := m.byID[meterID]
	if !ok || !actor.CanRead(meter.OrganizationID) {
		return Meter{}, fmt.Errorf("meter %s: %w", meterID, ErrNotFound)
	}
	return meter, nil
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type recordingFatalHook struct {
	mu    sync.Mutex
	tasks []GrantTask
	errs  []error
}

func (h *recordingFatalHook) OnFatalTask(_ context.Context, task GrantTask, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks = append(h.tasks, task)
	h.errs = append(h.errs, err)
}

const (
	testOrgID      = "org_1"
	testCustomerID = "cus_1"
	testProductID  = "prod_1"
	testMeterID    = "meter_1"
)

func meterBenefit(id string, units int64) Benefit {
	return Benefit{
		ID:             id,
		OrganizationID: testOrgID,
		Kind:           BenefitKindMeterCredit,
		Properties: BenefitProperties{
			MeterCreditPropertyMeterID: testMeterID,
			MeterCreditPropertyUnits:   units,
		},
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func testCustomer() Customer {
	return Customer{ID: testCustomerID, OrganizationID: testOrgID, Email: "buyer@example.com"}
}

func testSubscription() Subscription {
	return Subscription{ID: "sub_1", CustomerID: testCustomerID, ProductID: testProductID, OrganizationID: testOrgID}
}

type testRig struct {
	world   *memoryWorld
	emitter *recordingEmitter
	locker  *MemoryGrantLocker
	runner  *TaskRunner
	orch    *GrantOrchestrator
}

func newTestRig(emitter *recordingEmitter, benefits ...Benefit) *testRig {
	world := &memoryWorld{
		benefits:  newMemoryBenefits(benefits...),
		customers: newMemoryCustomers(testCustomer()),
		grants:    newMemoryGrants(),
		outbox:    newMemoryOutbox(),
	}
	for _, benefit := range benefits {
		world.benefits.attach(testProductID, benefit.ID)
	}
	strategies, err := NewStrategyRegistry(NewMeterCreditStrategy(emitter, nil, 10*time.Second), CustomStrategy{})
	if err != nil {
		panic(err)
	}
	orch, err := NewGrantOrchestrator(world.benefits, world.benefits, world.grants, strategies)
	if err != nil {
		panic(err)
	}
	orch.now = fixedClock
	locker := NewMemoryGrantLocker()
	locker.nowFn = fixedClock
	runner, err := NewTaskRunner(TaskRunnerDependencies{
		Customers:    world.customers,
		Benefits:     world.benefits,
		Grants:       world.grants,
		Strategies:   strategies,
		Locker:       locker,
		Orchestrator: orch,
		UnitOfWork:   world,
	}, DefaultConfig().Runner)
	if err != nil {
		panic(err)
	}
	runner.now = fixedClock
	return &testRig{world: world, emitter: emitter, locker: locker, runner: runner, orch: orch}
}

// grantedRecord seeds a granted record as if a grant of units had succeeded.
func (r *testRig) grantedRecord(benefitID string, units int64) GrantRecord {
	record := NewGrantRecord(testCustomerID, benefitID, testSubscription().Scope(), testNow)
	if err := record.Advance(TaskKindGrant, GrantProperties{
		GrantPropertyLastCreditedMeterID: testMeterID,
		GrantPropertyLastCreditedUnits:   units,
		GrantPropertyLastCreditedAt:      testNow.Format(time.RFC3339),
	}, testNow); err != nil {
		panic(err)
	}
	if _, err := r.world.grants.SaveGrant(context.Background(), record); err != nil {
		panic(err)
	}
	return record
}
