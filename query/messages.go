package query

import (
	"strings"

	"github.com/esinanturan/polar/core"
)

const (
	TypeGetGrant        = "grants.query.grant.get"
	TypeListGrants      = "grants.query.grant.list"
	TypeGetBenefit      = "grants.query.benefit.get"
	TypeListFailedTasks = "grants.query.task.list_failed"
)

type GetGrantMessage struct {
	GrantID string
}

func (GetGrantMessage) Type() string { return TypeGetGrant }

func (m GetGrantMessage) Validate() error {
	if strings.TrimSpace(m.GrantID) == "" {
		return queryValidationError("grant_id", "grant id is required")
	}
	return nil
}

type ListGrantsMessage struct {
	Filter core.GrantFilter
}

func (ListGrantsMessage) Type() string { return TypeListGrants }

func (m ListGrantsMessage) Validate() error {
	if m.Filter.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	if m.Filter.Offset < 0 {
		return queryValidationError("offset", "offset must be >= 0")
	}
	if m.Filter.Scope != nil {
		if err := m.Filter.Scope.Validate(); err != nil {
			return queryValidationError("scope", err.Error())
		}
	}
	return nil
}

type GetBenefitMessage struct {
	BenefitID string
}

func (GetBenefitMessage) Type() string { return TypeGetBenefit }

func (m GetBenefitMessage) Validate() error {
	if strings.TrimSpace(m.BenefitID) == "" {
		return queryValidationError("benefit_id", "benefit id is required")
	}
	return nil
}

type ListFailedTasksMessage struct {
	Limit int
}

func (ListFailedTasksMessage) Type() string { return TypeListFailedTasks }

func (m ListFailedTasksMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	return nil
}
