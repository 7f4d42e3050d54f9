package store

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/openfarm/farm-runtime-go/internal/model"
)

type LogRepository interface {
	// ReplaceAll persists the current log ring, dropping whatever was
	// stored before. Entries are written oldest first.
	ReplaceAll(ctx context.Context, entries []model.RuntimeLogEntry) error
	// Load returns persisted entries oldest first, capped at limit.
	Load(ctx context.Context, limit int) ([]model.RuntimeLogEntry, error)
}

type logRepo struct {
	db *DB
}

func NewLogRepository(db *DB) LogRepository {
	return &logRepo{db: db}
}

func (r *logRepo) ReplaceAll(ctx context.Context, entries []model.RuntimeLogEntry) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM runtime_logs`); err != nil {
			return err
		}
		for _, entry := range entries {
			payload, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO runtime_logs (payload) VALUES (?)
			`, string(payload)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *logRepo) Load(ctx context.Context, limit int) ([]model.RuntimeLogEntry, error) {
	var payloads []string
	err := r.db.SelectContext(ctx, &payloads, `
		SELECT payload FROM runtime_logs ORDER BY seq LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]model.RuntimeLogEntry, 0, len(payloads))
	for _, payload := range payloads {
		var entry model.RuntimeLogEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
