package query

import (
	"context"

	"github.com/esinanturan/polar/core"
)

type GrantReader interface {
	GetGrant(ctx context.Context, grantID string) (core.GrantRecord, error)
	ListGrants(ctx context.Context, filter core.GrantFilter) ([]core.GrantRecord, error)
}

type BenefitReader interface {
	GetBenefit(ctx context.Context, benefitID string) (core.Benefit, error)
}

type FailedTaskReader interface {
	ListFailedTasks(ctx context.Context, limit int) ([]core.GrantTask, error)
}

type GetGrantQuery struct {
	reader GrantReader
}

func NewGetGrantQuery(reader GrantReader) *GetGrantQuery {
	return &GetGrantQuery{reader: reader}
}

func (q *GetGrantQuery) Query(ctx context.Context, msg GetGrantMessage) (core.GrantRecord, error) {
	if q == nil || q.reader == nil {
		return core.GrantRecord{}, queryDependencyError("query: grant reader is required")
	}
	return q.reader.GetGrant(ctx, msg.GrantID)
}

// ListGrantsQuery serves the by-subscription, by-order and by-benefit
// listings through one filter.
type ListGrantsQuery struct {
	reader GrantReader
}

func NewListGrantsQuery(reader GrantReader) *ListGrantsQuery {
	return &ListGrantsQuery{reader: reader}
}

func (q *ListGrantsQuery) Query(ctx context.Context, msg ListGrantsMessage) ([]core.GrantRecord, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: grant reader is required")
	}
	return q.reader.ListGrants(ctx, msg.Filter)
}

type GetBenefitQuery struct {
	reader BenefitReader
}

func NewGetBenefitQuery(reader BenefitReader) *GetBenefitQuery {
	return &GetBenefitQuery{reader: reader}
}

func (q *GetBenefitQuery) Query(ctx context.Context, msg GetBenefitMessage) (core.Benefit, error) {
	if q == nil || q.reader == nil {
		return core.Benefit{}, queryDependencyError("query: benefit reader is required")
	}
	return q.reader.GetBenefit(ctx, msg.BenefitID)
}

type ListFailedTasksQuery struct {
	reader FailedTaskReader
}

func NewListFailedTasksQuery(reader FailedTaskReader) *ListFailedTasksQuery {
	return &ListFailedTasksQuery{reader: reader}
}

func (q *ListFailedTasksQuery) Query(ctx context.Context, msg ListFailedTasksMessage) ([]core.GrantTask, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: failed task reader is required")
	}
	return q.reader.ListFailedTasks(ctx, msg.Limit)
}
