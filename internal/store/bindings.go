package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/model"
)

type BindingRepository interface {
	FindByUser(ctx context.Context, userID string) (*model.Binding, error)
	FindByAccount(ctx context.Context, accountID string) (*model.Binding, error)
	// Bind assigns an account to a user. The account must not belong to
	// another user; the user's previous binding is replaced.
	Bind(ctx context.Context, userID, accountID, accountName string) error
	Unbind(ctx context.Context, userID string) error
}

type bindingRepo struct {
	db *DB
}

func NewBindingRepository(db *DB) BindingRepository {
	return &bindingRepo{db: db}
}

func (r *bindingRepo) FindByUser(ctx context.Context, userID string) (*model.Binding, error) {
	var binding model.Binding
	err := r.db.GetContext(ctx, &binding, `
		SELECT * FROM bindings WHERE user_id = ?
	`, userID)
	return HandleNotFound(&binding, err)
}

func (r *bindingRepo) FindByAccount(ctx context.Context, accountID string) (*model.Binding, error) {
	var binding model.Binding
	err := r.db.GetContext(ctx, &binding, `
		SELECT * FROM bindings WHERE account_id = ?
	`, accountID)
	return HandleNotFound(&binding, err)
}

func (r *bindingRepo) Bind(ctx context.Context, userID, accountID, accountName string) error {
	if userID == "" || accountID == "" {
		return apperrors.ValidationError("user id and account id are required")
	}
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		var owner model.Binding
		err := tx.GetContext(ctx, &owner, `SELECT * FROM bindings WHERE account_id = ?`, accountID)
		switch {
		case err == nil:
			if owner.UserID != userID {
				return apperrors.Conflict("account " + accountID + " already belongs to another user").
					WithHint("ask the current owner to unbind first")
			}
		case errors.Is(err, sql.ErrNoRows):
		default:
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM bindings WHERE user_id = ?`, userID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bindings (user_id, account_id, account_name, updated_at)
			VALUES (?, ?, ?, ?)
		`, userID, accountID, accountName, time.Now().UTC())
		return err
	})
}

func (r *bindingRepo) Unbind(ctx context.Context, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM bindings WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("binding for user " + userID)
	}
	return nil
}
