package core

import (
	"context"
	"testing"
)

type updatingStrategy struct {
	CustomStrategy
	calls int
}

func (s *updatingStrategy) RequiresUpdate(context.Context, Benefit, BenefitProperties) (bool, error) {
	s.calls++
	return true, nil
}

func TestGrantOrchestrator_OnSubscriptionActiveCreatesInitializedGrants(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100), meterBenefit("ben_2", 5))

	plan, err := rig.orch.OnSubscriptionActive(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("on subscription active: %v", err)
	}
	if len(plan.NewGrants) != 2 || plan.TaskCount(TaskKindGrant) != 2 {
		t.Fatalf("expected two grants and two grant tasks, got %+v", plan)
	}
	for i, record := range plan.NewGrants {
		if record.State != GrantStateInitialized {
			t.Fatalf("expected initialized record, got %s", record.State)
		}
		task := plan.Tasks[i]
		if task.CustomerID != testCustomerID || task.BenefitID != record.BenefitID || task.Scope != record.Scope {
			t.Fatalf("task does not target its record: %+v vs %+v", task, record)
		}
		if task.GrantID != record.ID {
			t.Fatalf("expected task to carry the grant id")
		}
	}
}

func TestGrantOrchestrator_OnSubscriptionActiveSkipsExistingAndDeleted(t *testing.T) {
	deleted := meterBenefit("ben_deleted", 1)
	deletedAt := testNow
	deleted.DeletedAt = &deletedAt
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100), meterBenefit("ben_2", 5), deleted)

	rig.grantedRecord("ben_1", 100)

	plan, err := rig.orch.OnSubscriptionActive(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("on subscription active: %v", err)
	}
	if len(plan.NewGrants) != 1 || plan.NewGrants[0].BenefitID != "ben_2" {
		t.Fatalf("expected only ben_2 to be planned, got %+v", plan.NewGrants)
	}
}

func TestGrantOrchestrator_RevokedGrantIsNotRecreated(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	record := rig.grantedRecord("ben_1", 100)
	if err := record.Advance(TaskKindRevoke, nil, testNow); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := rig.world.grants.SaveGrant(context.Background(), record); err != nil {
		t.Fatalf("save: %v", err)
	}

	plan, err := rig.orch.OnSubscriptionActive(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("on subscription active: %v", err)
	}
	if !plan.IsEmpty() {
		t.Fatalf("expected empty plan for revoked triple, got %+v", plan)
	}
	if len(plan.RevokedGrantIDs) != 1 || plan.RevokedGrantIDs[0] != record.ID {
		t.Fatalf("expected revoked grant %s to be reported, got %v", record.ID, plan.RevokedGrantIDs)
	}

	revokePlan, err := rig.orch.OnSubscriptionRevoked(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("on subscription revoked: %v", err)
	}
	if len(revokePlan.Tasks) != 0 {
		t.Fatalf("expected no revoke tasks for a revoked grant, got %d", len(revokePlan.Tasks))
	}
}

func TestGrantOrchestrator_OnOrderPaidUsesOrderScope(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	order := Order{ID: "ord_1", CustomerID: testCustomerID, ProductID: testProductID, OrganizationID: testOrgID}

	plan, err := rig.orch.OnOrderPaid(context.Background(), order)
	if err != nil {
		t.Fatalf("on order paid: %v", err)
	}
	if len(plan.NewGrants) != 1 || plan.NewGrants[0].Scope != OrderScope("ord_1") {
		t.Fatalf("expected one order-scoped grant, got %+v", plan.NewGrants)
	}
}

func TestGrantOrchestrator_CycleOnlyTargetsGrantedRecords(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100), meterBenefit("ben_2", 5))
	granted := rig.grantedRecord("ben_1", 100)
	pending := NewGrantRecord(testCustomerID, "ben_2", testSubscription().Scope(), testNow)
	if _, err := rig.world.grants.SaveGrant(context.Background(), pending); err != nil {
		t.Fatalf("save: %v", err)
	}

	plan, err := rig.orch.OnSubscriptionCycle(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("on subscription cycle: %v", err)
	}
	if plan.TaskCount(TaskKindCycle) != 1 || plan.Tasks[0].GrantID != granted.ID {
		t.Fatalf("expected a single cycle task for the granted record, got %+v", plan.Tasks)
	}
}

func TestGrantOrchestrator_RevokeTargetsInitializedAndGranted(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100), meterBenefit("ben_2", 5))
	rig.grantedRecord("ben_1", 100)
	pending := NewGrantRecord(testCustomerID, "ben_2", testSubscription().Scope(), testNow)
	if _, err := rig.world.grants.SaveGrant(context.Background(), pending); err != nil {
		t.Fatalf("save: %v", err)
	}

	plan, err := rig.orch.OnSubscriptionRevoked(context.Background(), testSubscription())
	if err != nil {
		t.Fatalf("on subscription revoked: %v", err)
	}
	if plan.TaskCount(TaskKindRevoke) != 2 {
		t.Fatalf("expected two revoke tasks, got %+v", plan.Tasks)
	}
}

func TestGrantOrchestrator_OnBenefitDeletedRevokesAndSoftDeletes(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	first := rig.grantedRecord("ben_1", 100)
	second := NewGrantRecord("cus_2", "ben_1", SubscriptionScope("sub_2"), testNow)
	if err := second.Advance(TaskKindGrant, GrantProperties{}, testNow); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := rig.world.grants.SaveGrant(context.Background(), second); err != nil {
		t.Fatalf("save: %v", err)
	}

	plan, err := rig.orch.OnBenefitDeleted(context.Background(), "ben_1")
	if err != nil {
		t.Fatalf("on benefit deleted: %v", err)
	}
	if plan.TaskCount(TaskKindRevoke) != 2 {
		t.Fatalf("expected a revoke task per live grant, got %+v", plan.Tasks)
	}
	if plan.SoftDeleteBenefitID != "ben_1" {
		t.Fatalf("expected benefit soft delete in the same plan")
	}
	targets := map[string]bool{}
	for _, task := range plan.Tasks {
		targets[task.GrantID] = true
	}
	if !targets[first.ID] || !targets[second.ID] {
		t.Fatalf("expected both grants targeted, got %+v", targets)
	}
}

func TestGrantOrchestrator_OnBenefitDeletedUnknownBenefit(t *testing.T) {
	rig := newTestRig(newRecordingEmitter())
	_, err := rig.orch.OnBenefitDeleted(context.Background(), "ben_missing")
	if !IsBenefitDoesNotExist(err) {
		t.Fatalf("expected benefit does not exist, got %v", err)
	}
}

func TestGrantOrchestrator_PropertiesChangedHonorsRequiresUpdate(t *testing.T) {
	rig := newTestRig(newRecordingEmitter(), meterBenefit("ben_1", 100))
	rig.grantedRecord("ben_1", 100)

	plan, err := rig.orch.OnBenefitPropertiesChanged(context.Background(), meterBenefit("ben_1", 200), BenefitProperties{"units": 100})
	if err != nil {
		t.Fatalf("meter credit properties changed: %v", err)
	}
	if !plan.IsEmpty() {
		t.Fatalf("meter credit changes must not touch existing grants, got %+v", plan)
	}

	custom := Benefit{ID: "ben_custom", OrganizationID: testOrgID, Kind: BenefitKindCustom}
	record := NewGrantRecord(testCustomerID, custom.ID, testSubscription().Scope(), testNow)
	if _, err := rig.world.grants.SaveGrant(context.Background(), record); err != nil {
		t.Fatalf("save: %v", err)
	}
	updating := &updatingStrategy{}
	strategies, err := NewStrategyRegistry(updating)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	orch, err := NewGrantOrchestrator(rig.world.benefits, rig.world.benefits, rig.world.grants, strategies)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}

	plan, err = orch.OnBenefitPropertiesChanged(context.Background(), custom, BenefitProperties{})
	if err != nil {
		t.Fatalf("custom properties changed: %v", err)
	}
	if updating.calls != 1 || plan.TaskCount(TaskKindUpdate) != 1 || plan.Tasks[0].GrantID != record.ID {
		t.Fatalf("expected one update task for the custom grant, got %+v", plan.Tasks)
	}
}

func TestPlanMerge(t *testing.T) {
	record := NewGrantRecord(testCustomerID, "ben_1", testSubscription().Scope(), testNow)
	left := Plan{NewGrants: []GrantRecord{record}, Tasks: []GrantTask{NewGrantTask(TaskKindGrant, record, testNow)}}
	right := Plan{Tasks: []GrantTask{NewGrantTask(TaskKindRevoke, record, testNow)}, SoftDeleteBenefitID: "ben_1"}

	merged := left.Merge(right)
	if len(merged.NewGrants) != 1 || len(merged.Tasks) != 2 || merged.SoftDeleteBenefitID != "ben_1" {
		t.Fatalf("unexpected merge result: %+v", merged)
	}
	if !(Plan{}).IsEmpty() || merged.IsEmpty() {
		t.Fatalf("unexpected emptiness")
	}
}
