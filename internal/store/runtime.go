package store

import (
	"context"

	"github.com/openfarm/farm-runtime-go/internal/model"
)

type RuntimeStatusRepository interface {
	Find(ctx context.Context, accountID string) (*model.RuntimeStatus, error)
	FindAll(ctx context.Context) ([]model.RuntimeStatus, error)
	Save(ctx context.Context, status model.RuntimeStatus) error
	Clear(ctx context.Context, accountID string) error
}

type runtimeStatusRepo struct {
	db *DB
}

func NewRuntimeStatusRepository(db *DB) RuntimeStatusRepository {
	return &runtimeStatusRepo{db: db}
}

func (r *runtimeStatusRepo) Find(ctx context.Context, accountID string) (*model.RuntimeStatus, error) {
	var status model.RuntimeStatus
	err := r.db.GetContext(ctx, &status, `
		SELECT * FROM runtime_status WHERE account_id = ?
	`, accountID)
	return HandleNotFound(&status, err)
}

func (r *runtimeStatusRepo) FindAll(ctx context.Context) ([]model.RuntimeStatus, error) {
	var statuses []model.RuntimeStatus
	err := r.db.SelectContext(ctx, &statuses, `SELECT * FROM runtime_status`)
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

func (r *runtimeStatusRepo) Save(ctx context.Context, status model.RuntimeStatus) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runtime_status (account_id, state, last_start_error, last_start_at, last_start_success_at, start_retry_count)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			state = excluded.state,
			last_start_error = excluded.last_start_error,
			last_start_at = excluded.last_start_at,
			last_start_success_at = excluded.last_start_success_at,
			start_retry_count = excluded.start_retry_count
	`, status.AccountID, status.State, status.LastStartError,
		status.LastStartAt, status.LastStartSuccessAt, status.StartRetryCount)
	return err
}

func (r *runtimeStatusRepo) Clear(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM runtime_status WHERE account_id = ?`, accountID)
	return err
}
