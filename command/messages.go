package command

import (
	"strings"

	"github.com/esinanturan/polar/core"
)

const (
	TypeSubscriptionActive      = "grants.command.subscription.active"
	TypeSubscriptionCycle       = "grants.command.subscription.cycle"
	TypeSubscriptionRevoked     = "grants.command.subscription.revoked"
	TypeOrderPaid               = "grants.command.order.paid"
	TypeOrderRevoked            = "grants.command.order.revoked"
	TypeCreateBenefit           = "grants.command.benefit.create"
	TypeUpdateBenefitProperties = "grants.command.benefit.update_properties"
	TypeDeleteBenefit           = "grants.command.benefit.delete"
	TypeDeleteGrant             = "grants.command.grant.delete"
	TypeDispatchPending         = "grants.command.outbox.dispatch"
	TypeSweep                   = "grants.command.outbox.sweep"
)

type SubscriptionActiveMessage struct {
	Subscription core.Subscription
}

func (SubscriptionActiveMessage) Type() string { return TypeSubscriptionActive }

func (m SubscriptionActiveMessage) Validate() error {
	return validateSubscription(m.Subscription)
}

type SubscriptionCycleMessage struct {
	Subscription core.Subscription
}

func (SubscriptionCycleMessage) Type() string { return TypeSubscriptionCycle }

func (m SubscriptionCycleMessage) Validate() error {
	return validateSubscription(m.Subscription)
}

type SubscriptionRevokedMessage struct {
	Subscription core.Subscription
}

func (SubscriptionRevokedMessage) Type() string { return TypeSubscriptionRevoked }

func (m SubscriptionRevokedMessage) Validate() error {
	return validateSubscription(m.Subscription)
}

type OrderPaidMessage struct {
	Order core.Order
}

func (OrderPaidMessage) Type() string { return TypeOrderPaid }

func (m OrderPaidMessage) Validate() error {
	return validateOrder(m.Order)
}

type OrderRevokedMessage struct {
	Order core.Order
}

func (OrderRevokedMessage) Type() string { return TypeOrderRevoked }

func (m OrderRevokedMessage) Validate() error {
	return validateOrder(m.Order)
}

type CreateBenefitMessage struct {
	Input core.CreateBenefitInput
}

func (CreateBenefitMessage) Type() string { return TypeCreateBenefit }

func (m CreateBenefitMessage) Validate() error {
	if strings.TrimSpace(m.Input.OrganizationID) == "" {
		return commandValidationError("organization_id", "organization id is required")
	}
	if strings.TrimSpace(string(m.Input.Kind)) == "" {
		return commandValidationError("kind", "benefit kind is required")
	}
	return nil
}

type UpdateBenefitPropertiesMessage struct {
	Input core.UpdateBenefitInput
}

func (UpdateBenefitPropertiesMessage) Type() string { return TypeUpdateBenefitProperties }

func (m UpdateBenefitPropertiesMessage) Validate() error {
	if strings.TrimSpace(m.Input.BenefitID) == "" {
		return commandValidationError("benefit_id", "benefit id is required")
	}
	return nil
}

// BenefitUpdate is the result stored by UpdateBenefitPropertiesCommand.
type BenefitUpdate struct {
	Benefit core.Benefit
	Plan    core.Plan
}

type DeleteBenefitMessage struct {
	BenefitID string
}

func (DeleteBenefitMessage) Type() string { return TypeDeleteBenefit }

func (m DeleteBenefitMessage) Validate() error {
	if strings.TrimSpace(m.BenefitID) == "" {
		return commandValidationError("benefit_id", "benefit id is required")
	}
	return nil
}

type DeleteGrantMessage struct {
	GrantID string
}

func (DeleteGrantMessage) Type() string { return TypeDeleteGrant }

func (m DeleteGrantMessage) Validate() error {
	if strings.TrimSpace(m.GrantID) == "" {
		return commandValidationError("grant_id", "grant id is required")
	}
	return nil
}

type DispatchPendingMessage struct {
	BatchSize int
}

func (DispatchPendingMessage) Type() string { return TypeDispatchPending }

func (m DispatchPendingMessage) Validate() error {
	if m.BatchSize < 0 {
		return commandValidationError("batch_size", "batch size must not be negative")
	}
	return nil
}

type SweepMessage struct{}

func (SweepMessage) Type() string { return TypeSweep }

func validateSubscription(sub core.Subscription) error {
	if strings.TrimSpace(sub.ID) == "" {
		return commandValidationError("subscription_id", "subscription id is required")
	}
	if strings.TrimSpace(sub.CustomerID) == "" {
		return commandValidationError("customer_id", "customer id is required")
	}
	if strings.TrimSpace(sub.ProductID) == "" {
		return commandValidationError("product_id", "product id is required")
	}
	return nil
}

func validateOrder(order core.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return commandValidationError("order_id", "order id is required")
	}
	if strings.TrimSpace(order.CustomerID) == "" {
		return commandValidationError("customer_id", "customer id is required")
	}
	if strings.TrimSpace(order.ProductID) == "" {
		return commandValidationError("product_id", "product id is required")
	}
	return nil
}
