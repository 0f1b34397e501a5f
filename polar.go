package polar

import "github.com/esinanturan/polar/core"

type Config = core.Config

type Option = core.Option

type Engine = core.Engine

type Benefit = core.Benefit
type BenefitKind = core.BenefitKind
type BenefitProperties = core.BenefitProperties
type BenefitStrategy = core.BenefitStrategy
type Customer = core.Customer
type Meter = core.Meter
type Actor = core.Actor
type Subscription = core.Subscription
type Order = core.Order
type GrantScope = core.GrantScope
type GrantRecord = core.GrantRecord
type GrantState = core.GrantState
type GrantProperties = core.GrantProperties
type GrantFilter = core.GrantFilter
type GrantTask = core.GrantTask
type TaskKind = core.TaskKind
type TaskResult = core.TaskResult
type Plan = core.Plan
type DispatchStats = core.DispatchStats
type UsageEvent = core.UsageEvent
type UsageEventEmitter = core.UsageEventEmitter
type CreateBenefitInput = core.CreateBenefitInput
type UpdateBenefitInput = core.UpdateBenefitInput
type Sweeper = core.Sweeper

var (
	WithLogger               = core.WithLogger
	WithLoggerProvider       = core.WithLoggerProvider
	WithMetricsRecorder      = core.WithMetricsRecorder
	WithErrorFactory         = core.WithErrorFactory
	WithErrorMapper          = core.WithErrorMapper
	WithPersistenceClient    = core.WithPersistenceClient
	WithRepositoryFactory    = core.WithRepositoryFactory
	WithConfigProvider       = core.WithConfigProvider
	WithOptionsResolver      = core.WithOptionsResolver
	WithBenefitReader        = core.WithBenefitReader
	WithCustomerReader       = core.WithCustomerReader
	WithProductBenefitReader = core.WithProductBenefitReader
	WithGrantStore           = core.WithGrantStore
	WithMeterReader          = core.WithMeterReader
	WithUsageEventEmitter    = core.WithUsageEventEmitter
	WithUnitOfWork           = core.WithUnitOfWork
	WithTaskOutbox           = core.WithTaskOutbox
	WithFailedTaskReader     = core.WithFailedTaskReader
	WithGrantLocker          = core.WithGrantLocker
	WithStrategies           = core.WithStrategies
	WithFatalTaskHook        = core.WithFatalTaskHook
	WithClock                = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	return core.NewEngine(cfg, opts...)
}

// NewSweeper schedules engine sweeps on the configured cron expression.
func NewSweeper(engine *Engine) (*Sweeper, error) {
	if engine == nil {
		return nil, core.ValidationError("engine", "engine is required")
	}
	return core.NewSweeper(engine, engine.Config().Sweep.Schedule, engine.Logger())
}
