package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/esinanturan/polar/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

type MeterStore struct {
	db   *bun.DB
	repo repository.Repository[*meterRecord]
}

func NewMeterStore(db *bun.DB) (*MeterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*meterRecord](db, meterHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid meter repository wiring: %w", err)
		}
	}
	return &MeterStore{db: db, repo: repo}, nil
}

// GetReadableMeter hides meters the actor cannot read behind the same
// not-found error as missing ones.
func (s *MeterStore) GetReadableMeter(ctx context.Context, actor core.Actor, meterID string) (core.Meter, error) {
	if s == nil || s.repo == nil {
		return core.Meter{}, fmt.Errorf("sqlstore: meter store is not configured")
	}
	meterID = strings.TrimSpace(meterID)
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("id", "=", meterID),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.deleted_at IS NULL")
		}),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Meter{}, err
	}
	if len(records) == 0 || !actor.CanRead(records[0].OrganizationID) {
		return core.Meter{}, fmt.Errorf("sqlstore: meter %q: %w", meterID, core.ErrNotFound)
	}
	return records[0].toDomain(), nil
}

func (s *MeterStore) SaveMeter(ctx context.Context, meter core.Meter) (core.Meter, error) {
	if s == nil || s.db == nil {
		return core.Meter{}, fmt.Errorf("sqlstore: meter store is not configured")
	}
	now := time.Now().UTC()
	record := &meterRecord{
		ID:             strings.TrimSpace(meter.ID),
		OrganizationID: strings.TrimSpace(meter.OrganizationID),
		Name:           strings.TrimSpace(meter.Name),
		CreatedAt:      now,
		UpdatedAt:      now,
		DeletedAt:      cloneTimePointer(meter.DeletedAt),
	}
	if record.ID == "" || record.OrganizationID == "" {
		return core.Meter{}, fmt.Errorf("sqlstore: meter id and organization id are required")
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("updated_at = EXCLUDED.updated_at").
		Set("deleted_at = EXCLUDED.deleted_at").
		Exec(ctx)
	if err != nil {
		return core.Meter{}, err
	}
	return record.toDomain(), nil
}
