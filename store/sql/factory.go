package sqlstore

import (
	"context"
	"fmt"

	"github.com/esinanturan/polar/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

type FactoryOption func(*RepositoryFactory)

// WithBenefitCache serves benefit reads through cacheService.
func WithBenefitCache(cacheService repositorycache.CacheService) FactoryOption {
	return func(f *RepositoryFactory) {
		f.cacheService = cacheService
	}
}

type RepositoryFactory struct {
	db           *bun.DB
	cacheService repositorycache.CacheService

	benefitStore    *BenefitStore
	cachedBenefits  *CachedBenefitStore
	customerStore   *CustomerStore
	meterStore      *MeterStore
	grantStore      *GrantStore
	usageEventStore *UsageEventStore
	taskOutboxStore *TaskOutboxStore
	grantLockStore  *GrantLockStore
	unitOfWork      *UnitOfWork
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if _, err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) (core.StoreProvider, error) {
	if f == nil {
		return nil, fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return nil, err
		}
		f.db = db
	}
	if f.grantStore != nil && f.unitOfWork != nil {
		return f, nil
	}
	if err := f.initStores(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *RepositoryFactory) Benefits() core.BenefitReader {
	if f == nil {
		return nil
	}
	if f.cachedBenefits != nil {
		return f.cachedBenefits
	}
	return f.benefitStore
}

func (f *RepositoryFactory) ProductBenefits() core.ProductBenefitReader {
	if f == nil {
		return nil
	}
	if f.cachedBenefits != nil {
		return f.cachedBenefits
	}
	return f.benefitStore
}

func (f *RepositoryFactory) Customers() core.CustomerReader {
	if f == nil {
		return nil
	}
	return f.customerStore
}

func (f *RepositoryFactory) Grants() core.GrantStore {
	if f == nil {
		return nil
	}
	return f.grantStore
}

func (f *RepositoryFactory) UnitOfWork() core.UnitOfWork {
	if f == nil {
		return nil
	}
	return f.unitOfWork
}

func (f *RepositoryFactory) Meters() core.MeterReader {
	if f == nil {
		return nil
	}
	return f.meterStore
}

// UsageEvents serves the local usage ledger as the engine's emitter.
func (f *RepositoryFactory) UsageEvents() core.UsageEventEmitter {
	if f == nil {
		return nil
	}
	return f.usageEventStore
}

func (f *RepositoryFactory) TaskOutbox() core.TaskOutbox {
	if f == nil {
		return nil
	}
	return f.taskOutboxStore
}

func (f *RepositoryFactory) UsageEventStore() *UsageEventStore {
	if f == nil {
		return nil
	}
	return f.usageEventStore
}

func (f *RepositoryFactory) TaskOutboxStore() *TaskOutboxStore {
	if f == nil {
		return nil
	}
	return f.taskOutboxStore
}

func (f *RepositoryFactory) GrantLocker() core.GrantLocker {
	if f == nil {
		return nil
	}
	return f.grantLockStore
}

// BenefitStore exposes benefit writes and attachments for seeding and admin
// tooling. Reads should go through Benefits.
func (f *RepositoryFactory) BenefitStore() *BenefitStore {
	if f == nil {
		return nil
	}
	return f.benefitStore
}

func (f *RepositoryFactory) CustomerStore() *CustomerStore {
	if f == nil {
		return nil
	}
	return f.customerStore
}

func (f *RepositoryFactory) MeterStore() *MeterStore {
	if f == nil {
		return nil
	}
	return f.meterStore
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) initStores() error {
	benefitStore, err := NewBenefitStore(f.db)
	if err != nil {
		return err
	}
	f.benefitStore = benefitStore
	customerStore, err := NewCustomerStore(f.db)
	if err != nil {
		return err
	}
	f.customerStore = customerStore
	meterStore, err := NewMeterStore(f.db)
	if err != nil {
		return err
	}
	f.meterStore = meterStore
	grantStore, err := NewGrantStore(f.db)
	if err != nil {
		return err
	}
	f.grantStore = grantStore
	usageEventStore, err := NewUsageEventStore(f.db)
	if err != nil {
		return err
	}
	f.usageEventStore = usageEventStore
	taskOutboxStore, err := NewTaskOutboxStore(f.db)
	if err != nil {
		return err
	}
	f.taskOutboxStore = taskOutboxStore
	grantLockStore, err := NewGrantLockStore(f.db)
	if err != nil {
		return err
	}
	f.grantLockStore = grantLockStore
	unitOfWork, err := NewUnitOfWork(f.db)
	if err != nil {
		return err
	}
	f.unitOfWork = unitOfWork

	if f.cacheService != nil {
		cached, err := NewCachedBenefitStore(benefitStore, f.cacheService)
		if err != nil {
			return err
		}
		f.cachedBenefits = cached
		unitOfWork.OnCommit(func(ctx context.Context, plan core.Plan) {
			// entries that fail to evict still expire with the cache TTL
			_ = cached.EvictPlan(ctx, plan)
		})
	}
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
