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

// UsageEventStore is a local usage ledger. It satisfies core.UsageEventEmitter
// so deployments without a remote ledger can record credits in the same
// database as the grants.
type UsageEventStore struct {
	db   *bun.DB
	repo repository.Repository[*usageEventRecord]
}

func NewUsageEventStore(db *bun.DB) (*UsageEventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*usageEventRecord](db, usageEventHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid usage event repository wiring: %w", err)
		}
	}
	return &UsageEventStore{db: db, repo: repo}, nil
}

// EmitUsageEvent stores event once per idempotency key. Replays return the
// event accepted first.
func (s *UsageEventStore) EmitUsageEvent(ctx context.Context, event core.UsageEvent) (core.UsageEvent, error) {
	if s == nil || s.db == nil {
		return core.UsageEvent{}, fmt.Errorf("sqlstore: usage event store is not configured")
	}
	key := strings.TrimSpace(event.IdempotencyKey)
	if key == "" {
		return core.UsageEvent{}, fmt.Errorf("sqlstore: usage event idempotency key is required")
	}
	if strings.TrimSpace(event.Name) == "" {
		return core.UsageEvent{}, fmt.Errorf("sqlstore: usage event name is required")
	}

	var stored usageEventRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := findUsageEventTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			stored = *existing
			return nil
		}

		now := time.Now().UTC()
		record := &usageEventRecord{
			ID:             strings.TrimSpace(event.ID),
			Name:           strings.TrimSpace(event.Name),
			Source:         strings.TrimSpace(event.Source),
			OrganizationID: strings.TrimSpace(event.OrganizationID),
			CustomerID:     strings.TrimSpace(event.CustomerID),
			IdempotencyKey: key,
			Metadata:       copyAnyMap(event.Metadata),
			OccurredAt:     event.Timestamp.UTC(),
			CreatedAt:      now,
		}
		if record.ID == "" {
			record.ID = core.NewUsageEventID()
		}
		if record.Source == "" {
			record.Source = core.UsageEventSourceSystem
		}
		if event.Timestamp.IsZero() {
			record.OccurredAt = now
		}
		if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		stored = *record
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// a concurrent emitter won the insert
			return s.GetByIdempotencyKey(ctx, key)
		}
		return core.UsageEvent{}, core.NewRetriableError(0, err)
	}
	return stored.toDomain(), nil
}

func (s *UsageEventStore) GetByIdempotencyKey(ctx context.Context, key string) (core.UsageEvent, error) {
	if s == nil || s.db == nil {
		return core.UsageEvent{}, fmt.Errorf("sqlstore: usage event store is not configured")
	}
	record, err := findUsageEventTx(ctx, s.db, key)
	if err != nil {
		return core.UsageEvent{}, err
	}
	if record == nil {
		return core.UsageEvent{}, fmt.Errorf("sqlstore: usage event %q: %w", key, core.ErrNotFound)
	}
	return record.toDomain(), nil
}

// ListCustomerEvents returns the events of a customer oldest first.
func (s *UsageEventStore) ListCustomerEvents(ctx context.Context, customerID string, limit int) ([]core.UsageEvent, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: usage event store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("customer_id", "=", strings.TrimSpace(customerID)),
		repository.OrderBy("occurred_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.UsageEvent, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func findUsageEventTx(ctx context.Context, db bun.IDB, key string) (*usageEventRecord, error) {
	record := &usageEventRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.idempotency_key = ?", strings.TrimSpace(key)).
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
