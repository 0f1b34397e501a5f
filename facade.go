package polar

import (
	"fmt"

	grantscommand "github.com/esinanturan/polar/command"
	grantsquery "github.com/esinanturan/polar/query"
)

// CommandQueryService is the surface the facade builds handlers over.
// *Engine satisfies it.
type CommandQueryService interface {
	grantscommand.LifecycleService
	grantscommand.BenefitService
	grantscommand.OutboxService
	grantsquery.GrantReader
	grantsquery.BenefitReader
}

type Commands struct {
	SubscriptionActive      *grantscommand.SubscriptionActiveCommand
	SubscriptionCycle       *grantscommand.SubscriptionCycleCommand
	SubscriptionRevoked     *grantscommand.SubscriptionRevokedCommand
	OrderPaid               *grantscommand.OrderPaidCommand
	OrderRevoked            *grantscommand.OrderRevokedCommand
	CreateBenefit           *grantscommand.CreateBenefitCommand
	UpdateBenefitProperties *grantscommand.UpdateBenefitPropertiesCommand
	DeleteBenefit           *grantscommand.DeleteBenefitCommand
	DeleteGrant             *grantscommand.DeleteGrantCommand
	DispatchPending         *grantscommand.DispatchPendingCommand
	Sweep                   *grantscommand.SweepCommand
}

type Queries struct {
	GetGrant        *grantsquery.GetGrantQuery
	ListGrants      *grantsquery.ListGrantsQuery
	GetBenefit      *grantsquery.GetBenefitQuery
	ListFailedTasks *grantsquery.ListFailedTasksQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	failedTasks grantsquery.FailedTaskReader
}

// WithFailedTaskReader overrides where ListFailedTasks reads from. By default
// the service itself is used when it implements the reader.
func WithFailedTaskReader(reader grantsquery.FailedTaskReader) FacadeOption {
	return func(options *facadeOptions) {
		options.failedTasks = reader
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("polar: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	failedTasks := cfg.failedTasks
	if failedTasks == nil {
		if reader, ok := service.(grantsquery.FailedTaskReader); ok {
			failedTasks = reader
		}
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		SubscriptionActive:      grantscommand.NewSubscriptionActiveCommand(service),
		SubscriptionCycle:       grantscommand.NewSubscriptionCycleCommand(service),
		SubscriptionRevoked:     grantscommand.NewSubscriptionRevokedCommand(service),
		OrderPaid:               grantscommand.NewOrderPaidCommand(service),
		OrderRevoked:            grantscommand.NewOrderRevokedCommand(service),
		CreateBenefit:           grantscommand.NewCreateBenefitCommand(service),
		UpdateBenefitProperties: grantscommand.NewUpdateBenefitPropertiesCommand(service),
		DeleteBenefit:           grantscommand.NewDeleteBenefitCommand(service),
		DeleteGrant:             grantscommand.NewDeleteGrantCommand(service),
		DispatchPending:         grantscommand.NewDispatchPendingCommand(service),
		Sweep:                   grantscommand.NewSweepCommand(service),
	}
	facade.queries = Queries{
		GetGrant:        grantsquery.NewGetGrantQuery(service),
		ListGrants:      grantsquery.NewListGrantsQuery(service),
		GetBenefit:      grantsquery.NewGetBenefitQuery(service),
		ListFailedTasks: grantsquery.NewListFailedTasksQuery(failedTasks),
	}
	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

var _ CommandQueryService = (*Engine)(nil)
