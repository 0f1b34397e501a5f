package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

func commitPlan(t *testing.T, rig *testRig, build func(context.Context) (Plan, error)) Plan {
	t.Helper()
	plan, err := build(context.Background())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := rig.world.Commit(context.Background(), plan); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return plan
}

func subscriptionActive(rig *testRig) func(context.Context) (Plan, error) {
	return func(ctx context.Context) (Plan, error) {
		return rig.orch.OnSubscriptionActive(ctx, testSubscription())
	}
}

func TestTaskRunner_GrantThenRevokeNetsToZero(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	ctx := context.Background()

	plan := commitPlan(t, rig, subscriptionActive(rig))
	result := rig.runner.Run(ctx, plan.Tasks[0])
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected grant to succeed, got %+v", result)
	}
	record := rig.world.grants.only(t)
	if record.State != GrantStateGranted {
		t.Fatalf("expected granted record, got %s", record.State)
	}
	if rig.emitter.netUnits(testMeterID) != 100 {
		t.Fatalf("expected +100 credited, got %d", rig.emitter.netUnits(testMeterID))
	}

	plan = commitPlan(t, rig, func(ctx context.Context) (Plan, error) {
		return rig.orch.OnSubscriptionRevoked(ctx, testSubscription())
	})
	if len(plan.Tasks) != 1 {
		t.Fatalf("expected one revoke task, got %d", len(plan.Tasks))
	}
	result = rig.runner.Run(ctx, plan.Tasks[0])
	if !result.IsSuccess() {
		t.Fatalf("expected revoke to succeed, got %+v", result)
	}
	record = rig.world.grants.only(t)
	if !record.IsRevoked() || record.RevokedAt == nil {
		t.Fatalf("expected revoked record, got %+v", record)
	}
	if net := rig.emitter.netUnits(testMeterID); net != 0 {
		t.Fatalf("expected net zero units, got %d", net)
	}
	if units, _ := int64Property(record.Properties, GrantPropertyLastCreditedUnits); units != -100 {
		t.Fatalf("expected last credited units -100, got %d", units)
	}
}

func TestTaskRunner_RevokeOnRevokedGrantIsNoop(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)
	if err := record.Advance(TaskKindRevoke, GrantProperties{}, testNow); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := rig.world.grants.SaveGrant(context.Background(), record); err != nil {
		t.Fatalf("save: %v", err)
	}

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindRevoke, record, testNow))
	if !result.IsSuccess() || !result.Skipped {
		t.Fatalf("expected skipped success, got %+v", result)
	}
	if rig.emitter.calls != 0 {
		t.Fatalf("expected no upstream call, got %d", rig.emitter.calls)
	}
}

func TestTaskRunner_GrantOnGrantedIsSkipped(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindGrant, record, testNow))
	if !result.Skipped || rig.emitter.calls != 0 {
		t.Fatalf("expected grant on granted record to be skipped, got %+v (calls=%d)", result, rig.emitter.calls)
	}
}

func TestTaskRunner_RetriableFailureLeavesStateUntouched(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(errors.New("upstream timeout")), meterBenefit("ben_1", 100))
	ctx := context.Background()
	plan := commitPlan(t, rig, subscriptionActive(rig))

	result := rig.runner.Run(ctx, plan.Tasks[0])
	if !result.IsRetry() {
		t.Fatalf("expected retry, got %+v", result)
	}
	if result.Delay != 10*time.Second {
		t.Fatalf("expected strategy delay hint, got %s", result.Delay)
	}
	record := rig.world.grants.only(t)
	if record.State != GrantStateInitialized || len(record.Properties) != 0 {
		t.Fatalf("expected untouched initialized record, got %+v", record)
	}

	if _, err := rig.locker.Acquire(ctx, record.LockKey(), time.Minute); err != nil {
		t.Fatalf("expected lock released after the run, got %v", err)
	}
}

func TestTaskRunner_MissingReferentsAreFatal(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	ctx := context.Background()

	missingCustomer := NewGrantTask(TaskKindGrant, NewGrantRecord("cus_missing", "ben_1", testSubscription().Scope(), testNow), testNow)
	result := rig.runner.Run(ctx, missingCustomer)
	if !result.IsFatal() || !IsCustomerDoesNotExist(result.Err) {
		t.Fatalf("expected fatal customer does not exist, got %+v", result)
	}

	missingBenefit := NewGrantTask(TaskKindCycle, NewGrantRecord(testCustomerID, "ben_missing", testSubscription().Scope(), testNow), testNow)
	result = rig.runner.Run(ctx, missingBenefit)
	if !result.IsFatal() || !IsBenefitDoesNotExist(result.Err) {
		t.Fatalf("expected fatal benefit does not exist, got %+v", result)
	}

	missingGrant := NewGrantTask(TaskKindUpdate, NewGrantRecord(testCustomerID, "ben_1", testSubscription().Scope(), testNow), testNow)
	result = rig.runner.Run(ctx, missingGrant)
	if !result.IsFatal() || !IsGrantDoesNotExist(result.Err) {
		t.Fatalf("expected fatal grant does not exist, got %+v", result)
	}
	if rig.emitter.calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", rig.emitter.calls)
	}
}

func TestTaskRunner_ReferentStoreOutageIsRetried(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	rig.world.benefits.failGet = errors.New("connection refused")
	record := rig.grantedRecord("ben_1", 100)

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindCycle, record, testNow))
	if !result.IsRetry() || result.Delay != DefaultConfig().Runner.StoreRetryDelay {
		t.Fatalf("expected store retry, got %+v", result)
	}
}

func TestTaskRunner_LockHeldIsRetried(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)
	ctx := context.Background()

	handle, err := rig.locker.Acquire(ctx, record.LockKey(), time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	result := rig.runner.Run(ctx, NewGrantTask(TaskKindCycle, record, testNow))
	if !result.IsRetry() || result.Delay != DefaultConfig().Runner.LockRetryDelay {
		t.Fatalf("expected lock retry, got %+v", result)
	}
	if !HasTextCode(result.Err, ServiceErrorLocked) {
		t.Fatalf("expected locked error, got %v", result.Err)
	}
	if rig.emitter.calls != 0 {
		t.Fatalf("expected no upstream call while locked")
	}

	if err := handle.Unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	result = rig.runner.Run(ctx, NewGrantTask(TaskKindCycle, record, testNow))
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected cycle to succeed after unlock, got %+v", result)
	}
}

func TestTaskRunner_StoreFailureAfterUpstreamIsDeduplicatedOnRetry(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)
	ctx := context.Background()
	task := NewGrantTask(TaskKindCycle, record, testNow)

	rig.world.grants.failSaves = 1
	result := rig.runner.Run(ctx, task)
	if !result.IsRetry() {
		t.Fatalf("expected retry after store failure, got %+v", result)
	}

	task.Attempt = 2
	result = rig.runner.Run(ctx, task)
	if !result.IsSuccess() {
		t.Fatalf("expected retry to succeed, got %+v", result)
	}
	if rig.emitter.calls != 2 {
		t.Fatalf("expected two upstream calls, got %d", rig.emitter.calls)
	}
	if events := rig.emitter.snapshot(); len(events) != 1 {
		t.Fatalf("expected one upstream effect, got %d", len(events))
	}
	if net := rig.emitter.netUnits(testMeterID); net != 100 {
		t.Fatalf("expected a single +100 cycle credit, got %d", net)
	}
}

func TestTaskRunner_RevokeWithDeletedBenefitSoftDeletesGrant(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)
	benefit := meterBenefit("ben_1", 100)
	deletedAt := testNow
	benefit.DeletedAt = &deletedAt
	rig.world.benefits.put(benefit)

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindRevoke, record, testNow))
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected revoke to run, got %+v", result)
	}
	stored := rig.world.grants.only(t)
	if !stored.IsRevoked() || !stored.IsDeleted() {
		t.Fatalf("expected revoked and soft-deleted grant, got %+v", stored)
	}
	if net := rig.emitter.netUnits(testMeterID); net != -100 {
		t.Fatalf("expected -100 compensation, got %d", net)
	}
}

func TestTaskRunner_CycleOnDeletedBenefitIsSkipped(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)
	benefit := meterBenefit("ben_1", 100)
	deletedAt := testNow
	benefit.DeletedAt = &deletedAt
	rig.world.benefits.put(benefit)

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindCycle, record, testNow))
	if !result.Skipped || rig.emitter.calls != 0 {
		t.Fatalf("expected skipped cycle, got %+v", result)
	}
}

func TestTaskRunner_DeleteGrantRevokesThenSoftDeletes(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindDeleteGrant, record, testNow))
	if !result.IsSuccess() {
		t.Fatalf("expected delete grant to succeed, got %+v", result)
	}
	stored := rig.world.grants.only(t)
	if !stored.IsRevoked() || !stored.IsDeleted() {
		t.Fatalf("expected revoked and deleted grant, got %+v", stored)
	}
	if rig.emitter.netUnits(testMeterID) != -100 {
		t.Fatalf("expected compensation before delete")
	}

	result = rig.runner.Run(context.Background(), NewGrantTask(TaskKindDeleteGrant, stored, testNow))
	if !result.Skipped {
		t.Fatalf("expected second delete to be skipped, got %+v", result)
	}
}

func TestTaskRunner_DeleteBenefitEnqueuesRevokes(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	rig.grantedRecord("ben_1", 100)
	ctx := context.Background()

	result := rig.runner.Run(ctx, NewDeleteBenefitTask("ben_1", testNow))
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected delete benefit to run, got %+v", result)
	}
	revokes := rig.world.outbox.tasks(TaskKindRevoke)
	if len(revokes) != 1 {
		t.Fatalf("expected one revoke task, got %d", len(revokes))
	}
	benefit, err := rig.world.benefits.GetBenefit(ctx, "ben_1")
	if err != nil || !benefit.IsDeleted() {
		t.Fatalf("expected soft-deleted benefit, got %+v (%v)", benefit, err)
	}

	result = rig.runner.Run(ctx, revokes[0])
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected revoke to run, got %+v", result)
	}
	if stored := rig.world.grants.only(t); !stored.IsDeleted() {
		t.Fatalf("expected grant soft-deleted alongside its benefit")
	}

	result = rig.runner.Run(ctx, NewDeleteBenefitTask("ben_1", testNow))
	if !result.IsSuccess() {
		t.Fatalf("expected repeated delete benefit to succeed, got %+v", result)
	}
	if revokes := rig.world.outbox.tasks(TaskKindRevoke); len(revokes) != 1 {
		t.Fatalf("expected no further revoke tasks, got %d", len(revokes))
	}
}

func TestTaskRunner_DeleteBenefitOnDeletedBenefitRevokesLiveGrants(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	rig.grantedRecord("ben_1", 100)
	ctx := context.Background()
	benefit := meterBenefit("ben_1", 100)
	deletedAt := testNow.Add(-time.Hour)
	benefit.DeletedAt = &deletedAt
	rig.world.benefits.put(benefit)

	result := rig.runner.Run(ctx, NewDeleteBenefitTask("ben_1", testNow))
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected delete benefit to run, got %+v", result)
	}
	revokes := rig.world.outbox.tasks(TaskKindRevoke)
	if len(revokes) != 1 {
		t.Fatalf("expected one revoke task, got %d", len(revokes))
	}
	stored, err := rig.world.benefits.GetBenefit(ctx, "ben_1")
	if err != nil || stored.DeletedAt == nil || !stored.DeletedAt.Equal(deletedAt) {
		t.Fatalf("expected original deletion time to be kept, got %+v (%v)", stored, err)
	}

	result = rig.runner.Run(ctx, revokes[0])
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected revoke to run, got %+v", result)
	}
	if grant := rig.world.grants.only(t); !grant.IsRevoked() || !grant.IsDeleted() {
		t.Fatalf("expected revoked and deleted grant, got %+v", grant)
	}
	if net := rig.emitter.netUnits(testMeterID); net != -100 {
		t.Fatalf("expected -100 compensation, got %d", net)
	}
}

func TestTaskRunner_GrantCommittedAfterBenefitDeletionIsRetired(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	ctx := context.Background()

	active, err := rig.orch.OnSubscriptionActive(ctx, testSubscription())
	if err != nil {
		t.Fatalf("active plan: %v", err)
	}
	commitPlan(t, rig, func(ctx context.Context) (Plan, error) {
		return rig.orch.OnBenefitDeleted(ctx, "ben_1")
	})
	if err := rig.world.Commit(ctx, active); err != nil {
		t.Fatalf("commit active plan: %v", err)
	}

	result := rig.runner.Run(ctx, active.Tasks[0])
	if !result.IsSuccess() || result.Skipped {
		t.Fatalf("expected grant on deleted benefit to retire the record, got %+v", result)
	}
	grant := rig.world.grants.only(t)
	if !grant.IsRevoked() || !grant.IsDeleted() {
		t.Fatalf("expected retired grant, got %+v", grant)
	}
	if rig.emitter.calls != 0 {
		t.Fatalf("expected no upstream call, got %d", rig.emitter.calls)
	}

	result = rig.runner.Run(ctx, NewDeleteBenefitTask("ben_1", testNow))
	if !result.IsSuccess() {
		t.Fatalf("expected delete benefit to succeed, got %+v", result)
	}
	if revokes := rig.world.outbox.tasks(TaskKindRevoke); len(revokes) != 0 {
		t.Fatalf("expected no revoke tasks for a retired grant, got %d", len(revokes))
	}
}

func TestTaskRunner_GrantWithoutRecordOnDeletedBenefitIsSkipped(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	benefit := meterBenefit("ben_1", 100)
	deletedAt := testNow
	benefit.DeletedAt = &deletedAt
	rig.world.benefits.put(benefit)
	record := NewGrantRecord(testCustomerID, "ben_1", testSubscription().Scope(), testNow)

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindGrant, record, testNow))
	if !result.Skipped {
		t.Fatalf("expected skipped grant, got %+v", result)
	}
	if len(rig.world.grants.byID) != 0 {
		t.Fatalf("expected no record to be written")
	}
}

func TestTaskRunner_UnsupportedKindIsFatal(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), Benefit{ID: "ben_x", OrganizationID: testOrgID, Kind: "tickets"})
	record := NewGrantRecord(testCustomerID, "ben_x", testSubscription().Scope(), testNow)

	result := rig.runner.Run(context.Background(), NewGrantTask(TaskKindGrant, record, testNow))
	if !result.IsFatal() || !HasTextCode(result.Err, ServiceErrorUnsupportedKind) {
		t.Fatalf("expected unsupported kind, got %+v", result)
	}
}

func TestTaskRunner_InvalidTaskIsFatal(t *testing.T) {
	rig := newTestRig(newRecordingEmitter())
	result := rig.runner.Run(context.Background(), GrantTask{ID: "t1", Kind: "explode"})
	if !result.IsFatal() {
		t.Fatalf("expected fatal result, got %+v", result)
	}
}
