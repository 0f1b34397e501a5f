package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Plan is the outcome of an orchestration decision: records to create, a
// benefit to save, and the tasks to append to the outbox. A UnitOfWork
// commits all of it in one transaction.
//
// RevokedGrantIDs lists revoked grants that kept a triple from being granted
// again. They are reported, never persisted.
type Plan struct {
	NewGrants           []GrantRecord
	Benefit             *Benefit
	SoftDeleteBenefitID string
	Tasks               []GrantTask
	RevokedGrantIDs     []string
}

func (p Plan) IsEmpty() bool {
	return len(p.NewGrants) == 0 &&
		len(p.Tasks) == 0 &&
		p.Benefit == nil &&
		strings.TrimSpace(p.SoftDeleteBenefitID) == ""
}

// TaskCount returns the number of tasks of kind in the plan.
func (p Plan) TaskCount(kind TaskKind) int {
	count := 0
	for _, task := range p.Tasks {
		if task.Kind == kind {
			count++
		}
	}
	return count
}

// Merge appends other onto p. A benefit or soft delete in other wins.
func (p Plan) Merge(other Plan) Plan {
	p.NewGrants = append(p.NewGrants, other.NewGrants...)
	p.Tasks = append(p.Tasks, other.Tasks...)
	p.RevokedGrantIDs = append(p.RevokedGrantIDs, other.RevokedGrantIDs...)
	if other.Benefit != nil {
		p.Benefit = other.Benefit
	}
	if id := strings.TrimSpace(other.SoftDeleteBenefitID); id != "" {
		p.SoftDeleteBenefitID = id
	}
	return p
}

// GrantOrchestrator turns commercial lifecycle events into plans. It only
// reads; nothing is persisted until the plan is committed.
type GrantOrchestrator struct {
	products   ProductBenefitReader
	benefits   BenefitReader
	grants     GrantStore
	strategies *StrategyRegistry
	now        func() time.Time
}

func NewGrantOrchestrator(
	products ProductBenefitReader,
	benefits BenefitReader,
	grants GrantStore,
	strategies *StrategyRegistry,
) (*GrantOrchestrator, error) {
	if products == nil {
		return nil, fmt.Errorf("core: product benefit reader is required")
	}
	if benefits == nil {
		return nil, fmt.Errorf("core: benefit reader is required")
	}
	if grants == nil {
		return nil, fmt.Errorf("core: grant store is required")
	}
	if strategies == nil {
		return nil, fmt.Errorf("core: strategy registry is required")
	}
	return &GrantOrchestrator{
		products:   products,
		benefits:   benefits,
		grants:     grants,
		strategies: strategies,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (o *GrantOrchestrator) OnSubscriptionActive(ctx context.Context, sub Subscription) (Plan, error) {
	return o.grantProduct(ctx, sub.CustomerID, sub.ProductID, sub.Scope())
}

func (o *GrantOrchestrator) OnOrderPaid(ctx context.Context, order Order) (Plan, error) {
	return o.grantProduct(ctx, order.CustomerID, order.ProductID, order.Scope())
}

func (o *GrantOrchestrator) OnSubscriptionCycle(ctx context.Context, sub Subscription) (Plan, error) {
	scope := sub.Scope()
	if err := scope.Validate(); err != nil {
		return Plan{}, err
	}
	records, err := o.grants.ListGrants(ctx, GrantFilter{
		CustomerID: sub.CustomerID,
		Scope:      &scope,
		States:     []GrantState{GrantStateGranted},
	})
	if err != nil {
		return Plan{}, err
	}
	return o.tasksFor(TaskKindCycle, records), nil
}

func (o *GrantOrchestrator) OnSubscriptionRevoked(ctx context.Context, sub Subscription) (Plan, error) {
	return o.revokeScope(ctx, sub.CustomerID, sub.Scope())
}

func (o *GrantOrchestrator) OnOrderRevoked(ctx context.Context, order Order) (Plan, error) {
	return o.revokeScope(ctx, order.CustomerID, order.Scope())
}

// OnBenefitPropertiesChanged enqueues an update for every live grant of the
// benefit when its strategy says existing grants are affected.
func (o *GrantOrchestrator) OnBenefitPropertiesChanged(ctx context.Context, benefit Benefit, previous BenefitProperties) (Plan, error) {
	if strings.TrimSpace(benefit.ID) == "" {
		return Plan{}, ValidationError("benefit_id", "benefit id is required")
	}
	if benefit.IsDeleted() {
		return Plan{}, nil
	}
	strategy, err := o.strategies.Resolve(benefit.Kind)
	if err != nil {
		return Plan{}, err
	}
	required, err := strategy.RequiresUpdate(ctx, benefit, previous.Clone())
	if err != nil {
		return Plan{}, err
	}
	if !required {
		return Plan{}, nil
	}
	records, err := o.grants.ListGrants(ctx, GrantFilter{
		BenefitID: benefit.ID,
		States:    []GrantState{GrantStateInitialized, GrantStateGranted},
	})
	if err != nil {
		return Plan{}, err
	}
	return o.tasksFor(TaskKindUpdate, records), nil
}

// OnBenefitDeleted revokes every live grant of the benefit and soft-deletes
// the benefit in the same plan.
func (o *GrantOrchestrator) OnBenefitDeleted(ctx context.Context, benefitID string) (Plan, error) {
	benefitID = strings.TrimSpace(benefitID)
	if benefitID == "" {
		return Plan{}, ValidationError("benefit_id", "benefit id is required")
	}
	if _, err := o.benefits.GetBenefit(ctx, benefitID); err != nil {
		if IsNotFound(err) {
			return Plan{}, BenefitDoesNotExistError(benefitID)
		}
		return Plan{}, err
	}
	records, err := o.grants.ListGrants(ctx, GrantFilter{
		BenefitID: benefitID,
		States:    []GrantState{GrantStateInitialized, GrantStateGranted},
	})
	if err != nil {
		return Plan{}, err
	}
	plan := o.tasksFor(TaskKindRevoke, records)
	plan.SoftDeleteBenefitID = benefitID
	return plan, nil
}

func (o *GrantOrchestrator) grantProduct(ctx context.Context, customerID string, productID string, scope GrantScope) (Plan, error) {
	if strings.TrimSpace(customerID) == "" {
		return Plan{}, ValidationError("customer_id", "customer id is required")
	}
	if strings.TrimSpace(productID) == "" {
		return Plan{}, ValidationError("product_id", "product id is required")
	}
	if err := scope.Validate(); err != nil {
		return Plan{}, err
	}
	benefits, err := o.products.ListProductBenefits(ctx, productID)
	if err != nil {
		return Plan{}, err
	}

	now := o.now()
	plan := Plan{}
	seen := map[string]struct{}{}
	for _, benefit := range benefits {
		if benefit.IsDeleted() {
			continue
		}
		if _, dup := seen[benefit.ID]; dup {
			continue
		}
		seen[benefit.ID] = struct{}{}

		existing, findErr := o.grants.FindGrant(ctx, customerID, benefit.ID, scope)
		switch {
		case findErr == nil:
			// revoked is terminal: a reactivated scope does not re-grant it
			if existing.IsRevoked() {
				plan.RevokedGrantIDs = append(plan.RevokedGrantIDs, existing.ID)
			}
			continue
		case IsNotFound(findErr):
		default:
			return Plan{}, findErr
		}

		record := NewGrantRecord(customerID, benefit.ID, scope, now)
		plan.NewGrants = append(plan.NewGrants, record)
		plan.Tasks = append(plan.Tasks, NewGrantTask(TaskKindGrant, record, now))
	}
	return plan, nil
}

func (o *GrantOrchestrator) revokeScope(ctx context.Context, customerID string, scope GrantScope) (Plan, error) {
	if err := scope.Validate(); err != nil {
		return Plan{}, err
	}
	records, err := o.grants.ListGrants(ctx, GrantFilter{
		CustomerID: customerID,
		Scope:      &scope,
		States:     []GrantState{GrantStateInitialized, GrantStateGranted},
	})
	if err != nil {
		return Plan{}, err
	}
	return o.tasksFor(TaskKindRevoke, records), nil
}

func (o *GrantOrchestrator) tasksFor(kind TaskKind, records []GrantRecord) Plan {
	now := o.now()
	plan := Plan{Tasks: make([]GrantTask, 0, len(records))}
	for _, record := range records {
		if record.IsDeleted() || record.IsRevoked() {
			continue
		}
		plan.Tasks = append(plan.Tasks, NewGrantTask(kind, record, now))
	}
	return plan
}
