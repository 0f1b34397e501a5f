package sqlstore

import "github.com/esinanturan/polar/core"

var (
	_ core.RepositoryStoreFactory = (*RepositoryFactory)(nil)
	_ core.StoreProvider          = (*RepositoryFactory)(nil)
	_ core.BenefitReader          = (*BenefitStore)(nil)
	_ core.ProductBenefitReader   = (*BenefitStore)(nil)
	_ core.BenefitReader          = (*CachedBenefitStore)(nil)
	_ core.ProductBenefitReader   = (*CachedBenefitStore)(nil)
	_ core.CustomerReader         = (*CustomerStore)(nil)
	_ core.MeterReader            = (*MeterStore)(nil)
	_ core.GrantStore             = (*GrantStore)(nil)
	_ core.UnitOfWork             = (*UnitOfWork)(nil)
	_ core.TaskOutbox             = (*TaskOutboxStore)(nil)
	_ core.FailedTaskReader       = (*TaskOutboxStore)(nil)
	_ core.UsageEventEmitter      = (*UsageEventStore)(nil)
	_ core.GrantLocker            = (*GrantLockStore)(nil)
)
