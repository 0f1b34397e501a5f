package command

import (
	"github.com/esinanturan/polar/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Commander[SubscriptionActiveMessage]      = (*SubscriptionActiveCommand)(nil)
	_ gocmd.Commander[SubscriptionCycleMessage]       = (*SubscriptionCycleCommand)(nil)
	_ gocmd.Commander[SubscriptionRevokedMessage]     = (*SubscriptionRevokedCommand)(nil)
	_ gocmd.Commander[OrderPaidMessage]               = (*OrderPaidCommand)(nil)
	_ gocmd.Commander[OrderRevokedMessage]            = (*OrderRevokedCommand)(nil)
	_ gocmd.Commander[CreateBenefitMessage]           = (*CreateBenefitCommand)(nil)
	_ gocmd.Commander[UpdateBenefitPropertiesMessage] = (*UpdateBenefitPropertiesCommand)(nil)
	_ gocmd.Commander[DeleteBenefitMessage]           = (*DeleteBenefitCommand)(nil)
	_ gocmd.Commander[DeleteGrantMessage]             = (*DeleteGrantCommand)(nil)
	_ gocmd.Commander[DispatchPendingMessage]         = (*DispatchPendingCommand)(nil)
	_ gocmd.Commander[SweepMessage]                   = (*SweepCommand)(nil)

	_ LifecycleService = (*core.Engine)(nil)
	_ BenefitService   = (*core.Engine)(nil)
	_ OutboxService    = (*core.Engine)(nil)
)
