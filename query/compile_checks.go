package query

import (
	"github.com/esinanturan/polar/core"
	gocmd "github.com/goliatone/go-command"
)

var (
	_ gocmd.Querier[GetGrantMessage, core.GrantRecord]        = (*GetGrantQuery)(nil)
	_ gocmd.Querier[ListGrantsMessage, []core.GrantRecord]    = (*ListGrantsQuery)(nil)
	_ gocmd.Querier[GetBenefitMessage, core.Benefit]          = (*GetBenefitQuery)(nil)
	_ gocmd.Querier[ListFailedTasksMessage, []core.GrantTask] = (*ListFailedTasksQuery)(nil)

	_ GrantReader      = (*core.Engine)(nil)
	_ BenefitReader    = (*core.Engine)(nil)
	_ FailedTaskReader = (*core.Engine)(nil)
)
