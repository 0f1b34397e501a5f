package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/esinanturan/polar/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

const defaultGrantListLimit = 500

type GrantStore struct {
	db   *bun.DB
	repo repository.Repository[*grantRecord]
	now  func() time.Time
}

func NewGrantStore(db *bun.DB) (*GrantStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*grantRecord](db, grantHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid grant repository wiring: %w", err)
		}
	}
	return &GrantStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetGrant returns the record even when it has been soft deleted.
func (s *GrantStore) GetGrant(ctx context.Context, id string) (core.GrantRecord, error) {
	if s == nil || s.db == nil {
		return core.GrantRecord{}, fmt.Errorf("sqlstore: grant store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &grantRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.GrantRecord{}, fmt.Errorf("sqlstore: grant %q: %w", id, core.ErrNotFound)
		}
		return core.GrantRecord{}, err
	}
	return record.toDomain(), nil
}

// FindGrant returns the single record of a (customer, benefit, scope) triple,
// deleted or not.
func (s *GrantStore) FindGrant(ctx context.Context, customerID string, benefitID string, scope core.GrantScope) (core.GrantRecord, error) {
	if s == nil || s.db == nil {
		return core.GrantRecord{}, fmt.Errorf("sqlstore: grant store is not configured")
	}
	record, err := findGrantTx(ctx, s.db, customerID, benefitID, scope)
	if err != nil {
		return core.GrantRecord{}, err
	}
	if record == nil {
		return core.GrantRecord{}, fmt.Errorf(
			"sqlstore: grant %s: %w",
			core.GrantLockKey(customerID, benefitID, scope),
			core.ErrNotFound,
		)
	}
	return record.toDomain(), nil
}

// SaveGrant inserts or replaces the record by id. A second record for an
// existing triple is reported as a conflict.
func (s *GrantStore) SaveGrant(ctx context.Context, grant core.GrantRecord) (core.GrantRecord, error) {
	if s == nil || s.db == nil {
		return core.GrantRecord{}, fmt.Errorf("sqlstore: grant store is not configured")
	}
	record, err := upsertGrant(ctx, s.db, grant, s.now())
	if err != nil {
		return core.GrantRecord{}, err
	}
	return record.toDomain(), nil
}

func (s *GrantStore) ListGrants(ctx context.Context, filter core.GrantFilter) ([]core.GrantRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: grant store is not configured")
	}
	criteria := []repository.SelectCriteria{}
	if customerID := strings.TrimSpace(filter.CustomerID); customerID != "" {
		criteria = append(criteria, repository.SelectBy("customer_id", "=", customerID))
	}
	if benefitID := strings.TrimSpace(filter.BenefitID); benefitID != "" {
		criteria = append(criteria, repository.SelectBy("benefit_id", "=", benefitID))
	}
	if filter.Scope != nil {
		criteria = append(criteria,
			repository.SelectBy("scope_type", "=", strings.TrimSpace(string(filter.Scope.Type))),
			repository.SelectBy("scope_id", "=", strings.TrimSpace(filter.Scope.ID)),
		)
	}
	states := make([]string, 0, len(filter.States))
	for _, state := range filter.States {
		states = append(states, string(state))
	}
	criteria = append(criteria, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
		if !filter.IncludeDeleted {
			q = q.Where("?TableAlias.deleted_at IS NULL")
		}
		if len(states) > 0 {
			q = q.Where("?TableAlias.state IN (?)", bun.In(states))
		}
		return q
	}))
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultGrantListLimit
	}
	criteria = append(criteria,
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, filter.Offset),
	)

	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	out := make([]core.GrantRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findGrantTx(ctx context.Context, db bun.IDB, customerID string, benefitID string, scope core.GrantScope) (*grantRecord, error) {
	record := &grantRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.customer_id = ?", strings.TrimSpace(customerID)).
		Where("?TableAlias.benefit_id = ?", strings.TrimSpace(benefitID)).
		Where("?TableAlias.scope_type = ?", strings.TrimSpace(string(scope.Type))).
		Where("?TableAlias.scope_id = ?", strings.TrimSpace(scope.ID)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func upsertGrant(ctx context.Context, db bun.IDB, grant core.GrantRecord, now time.Time) (*grantRecord, error) {
	if strings.TrimSpace(grant.ID) == "" {
		return nil, fmt.Errorf("sqlstore: grant id is required")
	}
	if strings.TrimSpace(grant.CustomerID) == "" || strings.TrimSpace(grant.BenefitID) == "" {
		return nil, fmt.Errorf("sqlstore: grant customer id and benefit id are required")
	}
	if err := grant.Scope.Validate(); err != nil {
		return nil, err
	}
	record := newGrantRecord(grant, now)
	_, err := db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("state = EXCLUDED.state").
		Set("properties = EXCLUDED.properties").
		Set("granted_at = EXCLUDED.granted_at").
		Set("revoked_at = EXCLUDED.revoked_at").
		Set("deleted_at = EXCLUDED.deleted_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.GrantConflictError(grant.LockKey(), err)
		}
		return nil, err
	}
	return record, nil
}
