package gocommand

import (
	"context"
	"fmt"
	"strings"

	polar "github.com/esinanturan/polar"
	grantscommand "github.com/esinanturan/polar/command"
	"github.com/esinanturan/polar/core"
	grantsquery "github.com/esinanturan/polar/query"
	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
)

// ValidateMessageContract checks Type() and, when present, Validate().
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) RegisterCommand(cmd any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(cmd)
}

func (a *RegistryAdapter) RegisterQuery(qry any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(qry)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func SubscribeCommand[T any](cmd command.Commander[T], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
}

func SubscribeQuery[T any, R any](qry command.Querier[T, R], runnerOpts ...runner.Option) commanddispatcher.Subscription {
	return commanddispatcher.SubscribeQuery(qry, runnerOpts...)
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

// DispatchResult dispatches msg and returns whatever the command stored as
// its result. The zero R is returned when nothing was stored.
func DispatchResult[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	collector := command.NewResult[R]()
	err := Dispatch(command.ContextWithResult(ctx, collector), msg)
	value, _ := collector.Load()
	return value, err
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := SubscribeQuery(qry, runnerOpts...)
	if err := adapter.RegisterQuery(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// RegisterFacade registers every grants command and query on the registry
// and subscribes them to the dispatcher. On failure the subscriptions made so
// far are removed.
func RegisterFacade(adapter *RegistryAdapter, facade *polar.Facade, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	if facade == nil {
		return nil, fmt.Errorf("gocommand: grants facade is required")
	}
	commands := facade.Commands()
	queries := facade.Queries()
	var subscriptions []commanddispatcher.Subscription
	register := func(subscription commanddispatcher.Subscription, err error) error {
		if err != nil {
			return err
		}
		subscriptions = append(subscriptions, subscription)
		return nil
	}

	steps := []func() error{
		func() error {
			return register(RegisterAndSubscribe[grantscommand.SubscriptionActiveMessage](adapter, commands.SubscriptionActive, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.SubscriptionCycleMessage](adapter, commands.SubscriptionCycle, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.SubscriptionRevokedMessage](adapter, commands.SubscriptionRevoked, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.OrderPaidMessage](adapter, commands.OrderPaid, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.OrderRevokedMessage](adapter, commands.OrderRevoked, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.CreateBenefitMessage](adapter, commands.CreateBenefit, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.UpdateBenefitPropertiesMessage](adapter, commands.UpdateBenefitProperties, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.DeleteBenefitMessage](adapter, commands.DeleteBenefit, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.DeleteGrantMessage](adapter, commands.DeleteGrant, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.DispatchPendingMessage](adapter, commands.DispatchPending, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribe[grantscommand.SweepMessage](adapter, commands.Sweep, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[grantsquery.GetGrantMessage, core.GrantRecord](adapter, queries.GetGrant, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[grantsquery.ListGrantsMessage, []core.GrantRecord](adapter, queries.ListGrants, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[grantsquery.GetBenefitMessage, core.Benefit](adapter, queries.GetBenefit, runnerOpts...))
		},
		func() error {
			return register(RegisterAndSubscribeQuery[grantsquery.ListFailedTasksMessage, []core.GrantTask](adapter, queries.ListFailedTasks, runnerOpts...))
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			Unsubscribe(subscriptions)
			return nil, err
		}
	}
	return subscriptions, nil
}

func Unsubscribe(subscriptions []commanddispatcher.Subscription) {
	for _, subscription := range subscriptions {
		if subscription != nil {
			subscription.Unsubscribe()
		}
	}
}
