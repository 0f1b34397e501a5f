package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// StrategyCall carries the per-invocation context of a strategy operation.
type StrategyCall struct {
	Attempt        int
	IdempotencyKey string
	Update         bool
}

// BenefitStrategy implements one benefit kind. Grant, Cycle and Revoke must be
// idempotent for the same attempt, idempotency key and prior properties.
type BenefitStrategy interface {
	Kind() BenefitKind
	Grant(ctx context.Context, benefit Benefit, customer Customer, prior GrantProperties, call StrategyCall) (GrantProperties, error)
	Cycle(ctx context.Context, benefit Benefit, customer Customer, prior GrantProperties, call StrategyCall) (GrantProperties, error)
	Revoke(ctx context.Context, benefit Benefit, customer Customer, prior GrantProperties, call StrategyCall) (GrantProperties, error)
	RequiresUpdate(ctx context.Context, benefit Benefit, previous BenefitProperties) (bool, error)
	ValidateProperties(ctx context.Context, actor Actor, raw map[string]any) (BenefitProperties, error)
}

// BenefitReader returns benefits including soft-deleted ones. Missing
// benefits are reported with an error matching IsNotFound.
type BenefitReader interface {
	GetBenefit(ctx context.Context, id string) (Benefit, error)
}

type CustomerReader interface {
	GetCustomer(ctx context.Context, id string) (Customer, error)
}

// ProductBenefitReader lists the benefits attached to a product.
type ProductBenefitReader interface {
	ListProductBenefits(ctx context.Context, productID string) ([]Benefit, error)
}

type MeterReader interface {
	GetReadableMeter(ctx context.Context, actor Actor, meterID string) (Meter, error)
}

type GrantFilter struct {
	CustomerID     string
	BenefitID      string
	Scope          *GrantScope
	States         []GrantState
	IncludeDeleted bool
	Limit          int
	Offset         int
}

type GrantStore interface {
	GetGrant(ctx context.Context, id string) (GrantRecord, error)
	FindGrant(ctx context.Context, customerID string, benefitID string, scope GrantScope) (GrantRecord, error)
	SaveGrant(ctx context.Context, grant GrantRecord) (GrantRecord, error)
	ListGrants(ctx context.Context, filter GrantFilter) ([]GrantRecord, error)
}

// UnitOfWork persists a plan atomically: new grant records, benefit changes
// and outbox tasks commit together or not at all.
type UnitOfWork interface {
	Commit(ctx context.Context, plan Plan) error
}

type TaskOutbox interface {
	ClaimDue(ctx context.Context, limit int) ([]GrantTask, error)
	Ack(ctx context.Context, taskID string) error
	Retry(ctx context.Context, taskID string, cause error, notBefore time.Time) error
	Fail(ctx context.Context, taskID string, cause error) error
	ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error)
}

type FailedTaskReader interface {
	ListFailedTasks(ctx context.Context, limit int) ([]GrantTask, error)
}

// UsageEventEmitter is the upstream usage-accounting client. Emitting an event
// whose idempotency key was already accepted returns the stored event.
type UsageEventEmitter interface {
	EmitUsageEvent(ctx context.Context, event UsageEvent) (UsageEvent, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

type GrantLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (LockHandle, error)
}

type TaskHandler interface {
	Handle(ctx context.Context, task GrantTask) TaskResult
}

// FatalTaskHook receives tasks that will not be retried.
type FatalTaskHook interface {
	OnFatalTask(ctx context.Context, task GrantTask, err error)
}

type StoreProvider interface {
	Benefits() BenefitReader
	Customers() CustomerReader
	ProductBenefits() ProductBenefitReader
	Grants() GrantStore
	UnitOfWork() UnitOfWork
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}
