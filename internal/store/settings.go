package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openfarm/farm-runtime-go/internal/model"
)

const defaultSettingsKey = "__default__"

type SettingsRepository interface {
	// Get returns the effective settings for an account: shipped defaults,
	// overlaid with the stored default config, overlaid with the account's
	// own overrides.
	Get(ctx context.Context, accountID string) (model.AutomationSettings, error)
	// Apply merges a patch into the account's stored settings and bumps the
	// shared revision counter. Pass accountID == "" to patch the defaults.
	Apply(ctx context.Context, accountID string, patch model.SettingsPatch) (model.AutomationSettings, error)
	Revision(ctx context.Context) (int64, error)
}

type settingsRepo struct {
	db *DB
}

func NewSettingsRepository(db *DB) SettingsRepository {
	return &settingsRepo{db: db}
}

type settingsRow struct {
	AccountID string `db:"account_id"`
	Payload   string `db:"payload"`
	Revision  int64  `db:"revision"`
}

func (r *settingsRepo) Get(ctx context.Context, accountID string) (model.AutomationSettings, error) {
	settings := model.DefaultSettings()

	for _, key := range []string{defaultSettingsKey, accountID} {
		if key == "" {
			continue
		}
		patch, revision, err := r.loadPatch(ctx, r.db, key)
		if err != nil {
			return model.AutomationSettings{}, err
		}
		if patch == nil {
			continue
		}
		merged, err := settings.Merge(*patch)
		if err != nil {
			return model.AutomationSettings{}, fmt.Errorf("stored settings for %s are invalid: %w", key, err)
		}
		settings = merged
		if revision > settings.Revision {
			settings.Revision = revision
		}
	}
	return settings, nil
}

func (r *settingsRepo) Apply(ctx context.Context, accountID string, patch model.SettingsPatch) (model.AutomationSettings, error) {
	// validate against current effective settings before persisting
	current, err := r.Get(ctx, accountID)
	if err != nil {
		return model.AutomationSettings{}, err
	}
	if _, err := current.Merge(patch); err != nil {
		return model.AutomationSettings{}, err
	}

	key := accountID
	if key == "" {
		key = defaultSettingsKey
	}

	err = r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		stored, _, err := r.loadPatch(ctx, tx, key)
		if err != nil {
			return err
		}
		combined := mergePatches(stored, patch)
		payload, err := json.Marshal(combined)
		if err != nil {
			return err
		}
		revision, err := bumpRevision(ctx, tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO settings (account_id, payload, revision) VALUES (?, ?, ?)
			ON CONFLICT(account_id) DO UPDATE SET payload = excluded.payload, revision = excluded.revision
		`, key, string(payload), revision)
		return err
	})
	if err != nil {
		return model.AutomationSettings{}, err
	}
	return r.Get(ctx, accountID)
}

func (r *settingsRepo) Revision(ctx context.Context) (int64, error) {
	var revision int64
	err := r.db.GetContext(ctx, &revision, `
		SELECT COALESCE(MAX(revision), 0) FROM settings
	`)
	return revision, err
}

func (r *settingsRepo) loadPatch(ctx context.Context, q sqlxDB, key string) (*model.SettingsPatch, int64, error) {
	var row settingsRow
	err := q.GetContext(ctx, &row, `SELECT * FROM settings WHERE account_id = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	var patch model.SettingsPatch
	if err := json.Unmarshal([]byte(row.Payload), &patch); err != nil {
		return nil, 0, fmt.Errorf("corrupt settings payload for %s: %w", key, err)
	}
	return &patch, row.Revision, nil
}

// mergePatches overlays next onto base field by field so repeated partial
// updates accumulate instead of clobbering each other.
func mergePatches(base *model.SettingsPatch, next model.SettingsPatch) model.SettingsPatch {
	if base == nil {
		return next
	}
	out := *base
	if next.Automation != nil {
		if out.Automation == nil {
			out.Automation = map[string]bool{}
		} else {
			merged := make(map[string]bool, len(out.Automation))
			for k, v := range out.Automation {
				merged[k] = v
			}
			out.Automation = merged
		}
		for k, v := range next.Automation {
			out.Automation[k] = v
		}
	}
	if next.Fertilizer != nil {
		out.Fertilizer = next.Fertilizer
	}
	if next.Strategy != nil {
		out.Strategy = next.Strategy
	}
	if next.PreferredSeedID != nil {
		out.PreferredSeedID = next.PreferredSeedID
	}
	if next.FarmInterval != nil {
		out.FarmInterval = next.FarmInterval
	}
	if next.FriendInterval != nil {
		out.FriendInterval = next.FriendInterval
	}
	if next.SellInterval != nil {
		out.SellInterval = next.SellInterval
	}
	if next.TaskInterval != nil {
		out.TaskInterval = next.TaskInterval
	}
	if next.QuietHours != nil {
		out.QuietHours = next.QuietHours
	}
	return out
}

func bumpRevision(ctx context.Context, tx *sqlx.Tx) (int64, error) {
	var current int64
	if err := tx.GetContext(ctx, &current, `SELECT COALESCE(MAX(revision), 0) FROM settings`); err != nil {
		return 0, err
	}
	return current + 1, nil
}
