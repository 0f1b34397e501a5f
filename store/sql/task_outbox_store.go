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

const grantTaskColumns = `
	id,
	kind,
	customer_id,
	benefit_id,
	scope_type,
	scope_id,
	grant_id,
	status,
	attempts,
	idempotency_key,
	last_error,
	next_attempt_at,
	claimed_at,
	created_at,
	updated_at`

// TaskOutboxStore is the durable grant task queue. Tasks are appended in the
// same transaction as the grant records they target.
type TaskOutboxStore struct {
	db   *bun.DB
	repo repository.Repository[*grantTaskRecord]
	now  func() time.Time
}

func NewTaskOutboxStore(db *bun.DB) (*TaskOutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*grantTaskRecord](db, grantTaskHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid grant task repository wiring: %w", err)
		}
	}
	return &TaskOutboxStore{
		db:   db,
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *TaskOutboxStore) Append(ctx context.Context, tasks ...core.GrantTask) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return appendTasks(ctx, tx, tasks, s.now())
	})
}

// ClaimDue moves up to limit due pending tasks to processing, oldest first.
func (s *TaskOutboxStore) ClaimDue(ctx context.Context, limit int) ([]core.GrantTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := s.now()
	var records []grantTaskRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM grant_tasks
	WHERE status = ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY created_at ASC, id ASC
	LIMIT ?
)
UPDATE grant_tasks
SET status = ?, claimed_at = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING` + grantTaskColumns
		return tx.NewRaw(
			query,
			string(core.TaskStatusPending),
			now,
			limit,
			string(core.TaskStatusProcessing),
			now,
			now,
			string(core.TaskStatusPending),
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]core.GrantTask, 0, len(records))
	for _, record := range records {
		tasks = append(tasks, record.toDomain())
	}
	return tasks, nil
}

func (s *TaskOutboxStore) Ack(ctx context.Context, taskID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("sqlstore: task id is required")
	}
	result, err := s.db.NewUpdate().
		Model((*grantTaskRecord)(nil)).
		Set("status = ?", string(core.TaskStatusDone)).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("claimed_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("id = ?", taskID).
		Exec(ctx)
	return expectAffected(taskID, result, err)
}

// Retry returns the task to pending. It is claimable again once notBefore
// has passed.
func (s *TaskOutboxStore) Retry(ctx context.Context, taskID string, cause error, notBefore time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("sqlstore: task id is required")
	}
	var next *time.Time
	if !notBefore.IsZero() {
		value := notBefore.UTC()
		next = &value
	}
	result, err := s.db.NewUpdate().
		Model((*grantTaskRecord)(nil)).
		Set("status = ?", string(core.TaskStatusPending)).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", next).
		Set("claimed_at = NULL").
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", taskID).
		Exec(ctx)
	return expectAffected(taskID, result, err)
}

func (s *TaskOutboxStore) Fail(ctx context.Context, taskID string, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("sqlstore: task id is required")
	}
	result, err := s.db.NewUpdate().
		Model((*grantTaskRecord)(nil)).
		Set("status = ?", string(core.TaskStatusFailed)).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = NULL").
		Set("claimed_at = NULL").
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", taskID).
		Exec(ctx)
	return expectAffected(taskID, result, err)
}

// ReleaseStale returns processing tasks claimed before claimedBefore to
// pending. The attempt counter is left alone: a crashed worker never
// reported an outcome.
func (s *TaskOutboxStore) ReleaseStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*grantTaskRecord)(nil)).
		Set("status = ?", string(core.TaskStatusPending)).
		Set("claimed_at = NULL").
		Set("updated_at = ?", s.now()).
		Where("status = ?", string(core.TaskStatusProcessing)).
		Where("claimed_at < ?", claimedBefore.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *TaskOutboxStore) ListFailedTasks(ctx context.Context, limit int) ([]core.GrantTask, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", string(core.TaskStatusFailed)),
		repository.OrderBy("updated_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.GrantTask, 0, len(records))
	for _, record := range records {
		task := record.toDomain()
		// attempts already counts the final failure
		task.Attempt = record.Attempts
		out = append(out, task)
	}
	return out, nil
}

// CountByStatus reports the queue depth per task status.
func (s *TaskOutboxStore) CountByStatus(ctx context.Context) (map[core.TaskStatus]int, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: task outbox store is not configured")
	}
	var rows []struct {
		Status string `bun:"status"`
		Total  int    `bun:"total"`
	}
	err := s.db.NewSelect().
		Model((*grantTaskRecord)(nil)).
		ColumnExpr("?TableAlias.status AS status").
		ColumnExpr("COUNT(*) AS total").
		GroupExpr("?TableAlias.status").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}
	out := make(map[core.TaskStatus]int, len(rows))
	for _, row := range rows {
		out[core.TaskStatus(row.Status)] = row.Total
	}
	return out, nil
}

func expectAffected(taskID string, result sql.Result, err error) error {
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sqlstore: task %q: %w", taskID, core.ErrNotFound)
	}
	return nil
}

func appendTasks(ctx context.Context, db bun.IDB, tasks []core.GrantTask, now time.Time) error {
	if len(tasks) == 0 {
		return nil
	}
	records := make([]*grantTaskRecord, 0, len(tasks))
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return err
		}
		records = append(records, newGrantTaskRecord(task, now))
	}
	_, err := db.NewInsert().Model(&records).Exec(ctx)
	return err
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
