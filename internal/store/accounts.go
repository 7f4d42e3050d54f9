package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/model"
)

type AccountRepository interface {
	FindByID(ctx context.Context, id string) (*model.Account, error)
	FindAll(ctx context.Context) ([]model.Account, error)
	Upsert(ctx context.Context, params model.UpsertAccountParams) (*model.Account, bool, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type accountRepo struct {
	db *DB
}

func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		SELECT * FROM accounts WHERE id = ?
	`, id)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindAll(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	err := r.db.SelectContext(ctx, &accounts, `
		SELECT * FROM accounts ORDER BY CAST(id AS INTEGER)
	`)
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// Upsert inserts a new account when params.ID is empty (allocating the next
// numeric id) or merges into the existing row. The second return value is
// true for a freshly created account.
func (r *accountRepo) Upsert(ctx context.Context, params model.UpsertAccountParams) (*model.Account, bool, error) {
	now := time.Now().UTC()
	var out model.Account
	created := false

	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if params.ID == "" {
			id, err := nextAccountID(ctx, tx)
			if err != nil {
				return err
			}
			name := params.Name
			if name == "" {
				name = "account-" + id
			}
			platform := params.Platform
			if platform == "" {
				platform = "qq"
			}
			out = model.Account{
				ID: id, Name: name, Platform: platform,
				Code: params.Code, Uin: params.Uin,
				CreatedAt: now, UpdatedAt: now,
			}
			created = true
			_, err = tx.ExecContext(ctx, `
				INSERT INTO accounts (id, name, platform, code, uin, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, out.ID, out.Name, out.Platform, out.Code, out.Uin, out.CreatedAt, out.UpdatedAt)
			return err
		}

		var current model.Account
		if err := tx.GetContext(ctx, &current, `SELECT * FROM accounts WHERE id = ?`, params.ID); err != nil {
			return apperrors.NotFound("account " + params.ID).WithCause(err)
		}
		if params.Name != "" {
			current.Name = params.Name
		}
		if params.Platform != "" {
			current.Platform = params.Platform
		}
		if params.Code != "" {
			current.Code = params.Code
		}
		if params.Uin != "" {
			current.Uin = params.Uin
		}
		current.UpdatedAt = now
		out = current
		_, err := tx.ExecContext(ctx, `
			UPDATE accounts SET name = ?, platform = ?, code = ?, uin = ?, updated_at = ?
			WHERE id = ?
		`, current.Name, current.Platform, current.Code, current.Uin, current.UpdatedAt, current.ID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (r *accountRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return apperrors.NotFound("account " + id)
		}
		for _, q := range []string{
			`DELETE FROM settings WHERE account_id = ?`,
			`DELETE FROM runtime_status WHERE account_id = ?`,
			`DELETE FROM bindings WHERE account_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *accountRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM accounts`)
	return count, err
}

func nextAccountID(ctx context.Context, tx *sqlx.Tx) (string, error) {
	var raw string
	err := tx.GetContext(ctx, &raw, `SELECT value FROM meta WHERE key = 'next_account_id'`)
	next := 1
	switch {
	case err == nil:
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil {
			return "", fmt.Errorf("corrupt next_account_id %q", raw)
		}
		next = parsed
	case errors.Is(err, sql.ErrNoRows):
	default:
		return "", err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('next_account_id', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.Itoa(next+1))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(next), nil
}
