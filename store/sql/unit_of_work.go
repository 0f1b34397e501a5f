package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/esinanturan/polar/core"
	"github.com/uptrace/bun"
)

// UnitOfWork commits a plan in one transaction. Tasks are only visible to the
// dispatcher once the grant records they target exist.
type UnitOfWork struct {
	db          *bun.DB
	now         func() time.Time
	afterCommit func(context.Context, core.Plan)
}

func NewUnitOfWork(db *bun.DB) (*UnitOfWork, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &UnitOfWork{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// OnCommit registers fn to run after each successful commit.
func (u *UnitOfWork) OnCommit(fn func(context.Context, core.Plan)) {
	if u == nil {
		return
	}
	u.afterCommit = fn
}

func (u *UnitOfWork) Commit(ctx context.Context, plan core.Plan) error {
	if u == nil || u.db == nil {
		return fmt.Errorf("sqlstore: unit of work is not configured")
	}
	if plan.IsEmpty() {
		return nil
	}
	now := u.now()
	err := u.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if plan.Benefit != nil {
			if _, err := upsertBenefit(ctx, tx, *plan.Benefit, now); err != nil {
				return err
			}
		}
		for _, grant := range plan.NewGrants {
			existing, err := findGrantTx(ctx, tx, grant.CustomerID, grant.BenefitID, grant.Scope)
			if err != nil {
				return err
			}
			if existing != nil && existing.ID != grant.ID {
				return core.GrantConflictError(grant.LockKey(), nil)
			}
			if _, err := upsertGrant(ctx, tx, grant, now); err != nil {
				return err
			}
		}
		if id := strings.TrimSpace(plan.SoftDeleteBenefitID); id != "" {
			if err := softDeleteBenefit(ctx, tx, id, now); err != nil {
				return err
			}
		}
		return appendTasks(ctx, tx, plan.Tasks, now)
	})
	if err != nil {
		if isUniqueViolation(err) && !core.IsConflict(err) {
			return core.GrantConflictError("plan", err)
		}
		return err
	}
	if u.afterCommit != nil {
		u.afterCommit(ctx, plan)
	}
	return nil
}
