package command

import (
	"context"

	"github.com/esinanturan/polar/core"
	gocmd "github.com/goliatone/go-command"
)

type LifecycleService interface {
	OnSubscriptionActive(ctx context.Context, sub core.Subscription) (core.Plan, error)
	OnSubscriptionCycle(ctx context.Context, sub core.Subscription) (core.Plan, error)
	OnSubscriptionRevoked(ctx context.Context, sub core.Subscription) (core.Plan, error)
	OnOrderPaid(ctx context.Context, order core.Order) (core.Plan, error)
	OnOrderRevoked(ctx context.Context, order core.Order) (core.Plan, error)
}

type BenefitService interface {
	CreateBenefit(ctx context.Context, in core.CreateBenefitInput) (core.Benefit, error)
	UpdateBenefitProperties(ctx context.Context, in core.UpdateBenefitInput) (core.Benefit, core.Plan, error)
	RequestBenefitDeletion(ctx context.Context, benefitID string) (core.GrantTask, error)
	DeleteGrant(ctx context.Context, grantID string) (core.GrantTask, error)
}

type OutboxService interface {
	DispatchPending(ctx context.Context, batchSize int) (core.DispatchStats, error)
	Sweep(ctx context.Context) (core.DispatchStats, error)
}

type SubscriptionActiveCommand struct {
	service LifecycleService
}

func NewSubscriptionActiveCommand(service LifecycleService) *SubscriptionActiveCommand {
	return &SubscriptionActiveCommand{service: service}
}

func (c *SubscriptionActiveCommand) Execute(ctx context.Context, msg SubscriptionActiveMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	plan, err := c.service.OnSubscriptionActive(ctx, msg.Subscription)
	if err != nil {
		return err
	}
	storeResult(ctx, plan)
	return nil
}

type SubscriptionCycleCommand struct {
	service LifecycleService
}

func NewSubscriptionCycleCommand(service LifecycleService) *SubscriptionCycleCommand {
	return &SubscriptionCycleCommand{service: service}
}

func (c *SubscriptionCycleCommand) Execute(ctx context.Context, msg SubscriptionCycleMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	plan, err := c.service.OnSubscriptionCycle(ctx, msg.Subscription)
	if err != nil {
		return err
	}
	storeResult(ctx, plan)
	return nil
}

type SubscriptionRevokedCommand struct {
	service LifecycleService
}

func NewSubscriptionRevokedCommand(service LifecycleService) *SubscriptionRevokedCommand {
	return &SubscriptionRevokedCommand{service: service}
}

func (c *SubscriptionRevokedCommand) Execute(ctx context.Context, msg SubscriptionRevokedMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	plan, err := c.service.OnSubscriptionRevoked(ctx, msg.Subscription)
	if err != nil {
		return err
	}
	storeResult(ctx, plan)
	return nil
}

type OrderPaidCommand struct {
	service LifecycleService
}

func NewOrderPaidCommand(service LifecycleService) *OrderPaidCommand {
	return &OrderPaidCommand{service: service}
}

func (c *OrderPaidCommand) Execute(ctx context.Context, msg OrderPaidMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	plan, err := c.service.OnOrderPaid(ctx, msg.Order)
	if err != nil {
		return err
	}
	storeResult(ctx, plan)
	return nil
}

type OrderRevokedCommand struct {
	service LifecycleService
}

func NewOrderRevokedCommand(service LifecycleService) *OrderRevokedCommand {
	return &OrderRevokedCommand{service: service}
}

func (c *OrderRevokedCommand) Execute(ctx context.Context, msg OrderRevokedMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: lifecycle service is required")
	}
	plan, err := c.service.OnOrderRevoked(ctx, msg.Order)
	if err != nil {
		return err
	}
	storeResult(ctx, plan)
	return nil
}

type CreateBenefitCommand struct {
	service BenefitService
}

func NewCreateBenefitCommand(service BenefitService) *CreateBenefitCommand {
	return &CreateBenefitCommand{service: service}
}

func (c *CreateBenefitCommand) Execute(ctx context.Context, msg CreateBenefitMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: benefit service is required")
	}
	benefit, err := c.service.CreateBenefit(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, benefit)
	return nil
}

type UpdateBenefitPropertiesCommand struct {
	service BenefitService
}

func NewUpdateBenefitPropertiesCommand(service BenefitService) *UpdateBenefitPropertiesCommand {
	return &UpdateBenefitPropertiesCommand{service: service}
}

func (c *UpdateBenefitPropertiesCommand) Execute(ctx context.Context, msg UpdateBenefitPropertiesMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: benefit service is required")
	}
	benefit, plan, err := c.service.UpdateBenefitProperties(ctx, msg.Input)
	if err != nil {
		return err
	}
	storeResult(ctx, BenefitUpdate{Benefit: benefit, Plan: plan})
	return nil
}

// DeleteBenefitCommand defers the deletion to a delete_benefit task. The
// stored task is zero when the benefit was already deleted and has no live
// grants left.
type DeleteBenefitCommand struct {
	service BenefitService
}

func NewDeleteBenefitCommand(service BenefitService) *DeleteBenefitCommand {
	return &DeleteBenefitCommand{service: service}
}

func (c *DeleteBenefitCommand) Execute(ctx context.Context, msg DeleteBenefitMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: benefit service is required")
	}
	task, err := c.service.RequestBenefitDeletion(ctx, msg.BenefitID)
	if err != nil {
		return err
	}
	storeResult(ctx, task)
	return nil
}

type DeleteGrantCommand struct {
	service BenefitService
}

func NewDeleteGrantCommand(service BenefitService) *DeleteGrantCommand {
	return &DeleteGrantCommand{service: service}
}

func (c *DeleteGrantCommand) Execute(ctx context.Context, msg DeleteGrantMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: benefit service is required")
	}
	task, err := c.service.DeleteGrant(ctx, msg.GrantID)
	if err != nil {
		return err
	}
	storeResult(ctx, task)
	return nil
}

type DispatchPendingCommand struct {
	service OutboxService
}

func NewDispatchPendingCommand(service OutboxService) *DispatchPendingCommand {
	return &DispatchPendingCommand{service: service}
}

func (c *DispatchPendingCommand) Execute(ctx context.Context, msg DispatchPendingMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: outbox service is required")
	}
	stats, err := c.service.DispatchPending(ctx, msg.BatchSize)
	storeResult(ctx, stats)
	return err
}

type SweepCommand struct {
	service OutboxService
}

func NewSweepCommand(service OutboxService) *SweepCommand {
	return &SweepCommand{service: service}
}

func (c *SweepCommand) Execute(ctx context.Context, _ SweepMessage) error {
	if c == nil || c.service == nil {
		return commandDependencyError("command: outbox service is required")
	}
	stats, err := c.service.Sweep(ctx)
	storeResult(ctx, stats)
	return err
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
