package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ BenefitStrategy = (*MeterCreditStrategy)(nil)
	_ BenefitStrategy = CustomStrategy{}
	_ GrantLocker     = (*MemoryGrantLocker)(nil)
	_ TaskHandler     = (*TaskRunner)(nil)
	_ Sweepable       = (*Engine)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
