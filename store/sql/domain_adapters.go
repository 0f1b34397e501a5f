package sqlstore

import (
	"strings"
	"time"

	"github.com/esinanturan/polar/core"
)

func (r benefitRecord) toDomain() core.Benefit {
	return core.Benefit{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Kind:           core.BenefitKind(r.Kind),
		Description:    r.Description,
		Properties:     core.BenefitProperties(copyAnyMap(r.Properties)),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      cloneTimePointer(r.DeletedAt),
	}
}

func newBenefitRecord(benefit core.Benefit, now time.Time) *benefitRecord {
	record := &benefitRecord{
		ID:             strings.TrimSpace(benefit.ID),
		OrganizationID: strings.TrimSpace(benefit.OrganizationID),
		Kind:           string(benefit.Kind),
		Description:    benefit.Description,
		Properties:     copyAnyMap(benefit.Properties),
		CreatedAt:      benefit.CreatedAt.UTC(),
		UpdatedAt:      benefit.UpdatedAt.UTC(),
		DeletedAt:      cloneTimePointer(benefit.DeletedAt),
	}
	if benefit.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if benefit.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	return record
}

func (r customerRecord) toDomain() core.Customer {
	return core.Customer{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Email:          r.Email,
		DeletedAt:      cloneTimePointer(r.DeletedAt),
	}
}

func (r meterRecord) toDomain() core.Meter {
	return core.Meter{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		Name:           r.Name,
		DeletedAt:      cloneTimePointer(r.DeletedAt),
	}
}

func (r grantRecord) toDomain() core.GrantRecord {
	return core.GrantRecord{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		BenefitID:  r.BenefitID,
		Scope:      core.GrantScope{Type: core.ScopeType(r.ScopeType), ID: r.ScopeID},
		State:      core.GrantState(r.State),
		Properties: core.GrantProperties(copyAnyMap(r.Properties)),
		GrantedAt:  cloneTimePointer(r.GrantedAt),
		RevokedAt:  cloneTimePointer(r.RevokedAt),
		DeletedAt:  cloneTimePointer(r.DeletedAt),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func newGrantRecord(grant core.GrantRecord, now time.Time) *grantRecord {
	record := &grantRecord{
		ID:         strings.TrimSpace(grant.ID),
		CustomerID: strings.TrimSpace(grant.CustomerID),
		BenefitID:  strings.TrimSpace(grant.BenefitID),
		ScopeType:  strings.TrimSpace(string(grant.Scope.Type)),
		ScopeID:    strings.TrimSpace(grant.Scope.ID),
		State:      string(grant.State),
		Properties: copyAnyMap(grant.Properties),
		GrantedAt:  cloneTimePointer(grant.GrantedAt),
		RevokedAt:  cloneTimePointer(grant.RevokedAt),
		DeletedAt:  cloneTimePointer(grant.DeletedAt),
		CreatedAt:  grant.CreatedAt.UTC(),
		UpdatedAt:  now,
	}
	if record.State == "" {
		record.State = string(core.GrantStateInitialized)
	}
	if grant.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	return record
}

func (r usageEventRecord) toDomain() core.UsageEvent {
	return core.UsageEvent{
		ID:             r.ID,
		Name:           r.Name,
		Source:         r.Source,
		OrganizationID: r.OrganizationID,
		CustomerID:     r.CustomerID,
		IdempotencyKey: r.IdempotencyKey,
		Metadata:       copyAnyMap(r.Metadata),
		Timestamp:      r.OccurredAt,
	}
}

// toDomain reports the attempt the task is being claimed for, one past the
// failures recorded so far.
func (r grantTaskRecord) toDomain() core.GrantTask {
	task := core.GrantTask{
		ID:             r.ID,
		Kind:           core.TaskKind(r.Kind),
		CustomerID:     r.CustomerID,
		BenefitID:      r.BenefitID,
		GrantID:        r.GrantID,
		Attempt:        r.Attempts + 1,
		IdempotencyKey: r.IdempotencyKey,
		Status:         core.TaskStatus(r.Status),
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ScopeType != "" || r.ScopeID != "" {
		task.Scope = core.GrantScope{Type: core.ScopeType(r.ScopeType), ID: r.ScopeID}
	}
	if r.NextAttemptAt != nil {
		task.NotBefore = *r.NextAttemptAt
	}
	return task
}

func newGrantTaskRecord(task core.GrantTask, now time.Time) *grantTaskRecord {
	record := &grantTaskRecord{
		ID:             strings.TrimSpace(task.ID),
		Kind:           string(task.Kind),
		CustomerID:     strings.TrimSpace(task.CustomerID),
		BenefitID:      strings.TrimSpace(task.BenefitID),
		ScopeType:      strings.TrimSpace(string(task.Scope.Type)),
		ScopeID:        strings.TrimSpace(task.Scope.ID),
		GrantID:        strings.TrimSpace(task.GrantID),
		Status:         string(core.TaskStatusPending),
		IdempotencyKey: task.StrategyKey(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if !task.NotBefore.IsZero() {
		next := task.NotBefore.UTC()
		record.NextAttemptAt = &next
	}
	return record
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}
