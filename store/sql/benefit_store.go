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

type BenefitStore struct {
	db   *bun.DB
	repo repository.Repository[*benefitRecord]
}

func NewBenefitStore(db *bun.DB) (*BenefitStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*benefitRecord](db, benefitHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid benefit repository wiring: %w", err)
		}
	}
	return &BenefitStore{db: db, repo: repo}, nil
}

// GetBenefit returns the benefit even when it has been soft deleted.
func (s *BenefitStore) GetBenefit(ctx context.Context, id string) (core.Benefit, error) {
	if s == nil || s.db == nil {
		return core.Benefit{}, fmt.Errorf("sqlstore: benefit store is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return core.Benefit{}, fmt.Errorf("sqlstore: benefit id is required")
	}
	record := &benefitRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return core.Benefit{}, fmt.Errorf("sqlstore: benefit %q: %w", id, core.ErrNotFound)
		}
		return core.Benefit{}, err
	}
	return record.toDomain(), nil
}

// ListProductBenefits returns the live benefits attached to productID in
// attachment order.
func (s *BenefitStore) ListProductBenefits(ctx context.Context, productID string) ([]core.Benefit, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: benefit store is not configured")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("sqlstore: product id is required")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Join("JOIN grant_product_benefits AS gpb ON gpb.benefit_id = ?TableAlias.id").
				Where("gpb.product_id = ?", productID).
				Where("?TableAlias.deleted_at IS NULL").
				OrderExpr("gpb.position ASC, ?TableAlias.id ASC")
		}),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Benefit, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// ListBenefits returns the live benefits of an organization.
func (s *BenefitStore) ListBenefits(ctx context.Context, organizationID string, limit int, offset int) ([]core.Benefit, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: benefit store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("organization_id", "=", strings.TrimSpace(organizationID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(limit, offset),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Benefit, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *BenefitStore) SaveBenefit(ctx context.Context, benefit core.Benefit) (core.Benefit, error) {
	if s == nil || s.db == nil {
		return core.Benefit{}, fmt.Errorf("sqlstore: benefit store is not configured")
	}
	record, err := upsertBenefit(ctx, s.db, benefit, time.Now().UTC())
	if err != nil {
		return core.Benefit{}, err
	}
	return record.toDomain(), nil
}

// AttachBenefit links a benefit to a product. Re-attaching only moves it.
func (s *BenefitStore) AttachBenefit(ctx context.Context, productID string, benefitID string, position int) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: benefit store is not configured")
	}
	record := &productBenefitRecord{
		ProductID: strings.TrimSpace(productID),
		BenefitID: strings.TrimSpace(benefitID),
		Position:  position,
		CreatedAt: time.Now().UTC(),
	}
	if record.ProductID == "" || record.BenefitID == "" {
		return fmt.Errorf("sqlstore: product id and benefit id are required")
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (product_id, benefit_id) DO UPDATE").
		Set("position = EXCLUDED.position").
		Exec(ctx)
	return err
}

// ListBenefitProducts returns the products benefitID is attached to.
func (s *BenefitStore) ListBenefitProducts(ctx context.Context, benefitID string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: benefit store is not configured")
	}
	var productIDs []string
	err := s.db.NewSelect().
		Model((*productBenefitRecord)(nil)).
		Column("product_id").
		Where("?TableAlias.benefit_id = ?", strings.TrimSpace(benefitID)).
		OrderExpr("?TableAlias.product_id ASC").
		Scan(ctx, &productIDs)
	if err != nil {
		return nil, err
	}
	return productIDs, nil
}

func upsertBenefit(ctx context.Context, db bun.IDB, benefit core.Benefit, now time.Time) (*benefitRecord, error) {
	if strings.TrimSpace(benefit.ID) == "" {
		return nil, fmt.Errorf("sqlstore: benefit id is required")
	}
	if strings.TrimSpace(benefit.OrganizationID) == "" {
		return nil, fmt.Errorf("sqlstore: benefit organization id is required")
	}
	record := newBenefitRecord(benefit, now)
	_, err := db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("kind = EXCLUDED.kind").
		Set("description = EXCLUDED.description").
		Set("properties = EXCLUDED.properties").
		Set("updated_at = EXCLUDED.updated_at").
		Set("deleted_at = EXCLUDED.deleted_at").
		Exec(ctx)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func softDeleteBenefit(ctx context.Context, db bun.IDB, benefitID string, now time.Time) error {
	_, err := db.NewUpdate().
		Model((*benefitRecord)(nil)).
		Set("deleted_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", strings.TrimSpace(benefitID)).
		Where("deleted_at IS NULL").
		Exec(ctx)
	return err
}
