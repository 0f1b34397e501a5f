package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/esinanturan/polar/core"
	"github.com/uptrace/bun"
)

type CustomerStore struct {
	db *bun.DB
}

func NewCustomerStore(db *bun.DB) (*CustomerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &CustomerStore{db: db}, nil
}

func (s *CustomerStore) GetCustomer(ctx context.Context, id string) (core.Customer, error) {
	if s == nil || s.db == nil {
		return core.Customer{}, fmt.Errorf("sqlstore: customer store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &customerRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Customer{}, fmt.Errorf("sqlstore: customer %q: %w", id, core.ErrNotFound)
		}
		return core.Customer{}, err
	}
	return record.toDomain(), nil
}

func (s *CustomerStore) SaveCustomer(ctx context.Context, customer core.Customer) (core.Customer, error) {
	if s == nil || s.db == nil {
		return core.Customer{}, fmt.Errorf("sqlstore: customer store is not configured")
	}
	now := time.Now().UTC()
	record := &customerRecord{
		ID:             strings.TrimSpace(customer.ID),
		OrganizationID: strings.TrimSpace(customer.OrganizationID),
		Email:          strings.TrimSpace(customer.Email),
		CreatedAt:      now,
		UpdatedAt:      now,
		DeletedAt:      cloneTimePointer(customer.DeletedAt),
	}
	if record.ID == "" || record.OrganizationID == "" {
		return core.Customer{}, fmt.Errorf("sqlstore: customer id and organization id are required")
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("updated_at = EXCLUDED.updated_at").
		Set("deleted_at = EXCLUDED.deleted_at").
		Exec(ctx)
	if err != nil {
		return core.Customer{}, err
	}
	return record.toDomain(), nil
}
