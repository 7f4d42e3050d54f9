package store

import "context"

const (
	WhitelistUser  = "user"
	WhitelistGroup = "group"
)

// WhitelistRepository stores the dynamic operator allowlist. Static entries
// from configuration are merged in by the middleware, not stored here.
type WhitelistRepository interface {
	Contains(ctx context.Context, entryType, entryID string) (bool, error)
	Add(ctx context.Context, entryType, entryID string) error
	Remove(ctx context.Context, entryType, entryID string) error
	List(ctx context.Context, entryType string) ([]string, error)
}

type whitelistRepo struct {
	db *DB
}

func NewWhitelistRepository(db *DB) WhitelistRepository {
	return &whitelistRepo{db: db}
}

func (r *whitelistRepo) Contains(ctx context.Context, entryType, entryID string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM whitelist WHERE entry_type = ? AND entry_id = ?
	`, entryType, entryID)
	return count > 0, err
}

func (r *whitelistRepo) Add(ctx context.Context, entryType, entryID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO whitelist (entry_type, entry_id) VALUES (?, ?)
		ON CONFLICT(entry_type, entry_id) DO NOTHING
	`, entryType, entryID)
	return err
}

func (r *whitelistRepo) Remove(ctx context.Context, entryType, entryID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM whitelist WHERE entry_type = ? AND entry_id = ?
	`, entryType, entryID)
	return err
}

func (r *whitelistRepo) List(ctx context.Context, entryType string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT entry_id FROM whitelist WHERE entry_type = ? ORDER BY entry_id
	`, entryType)
	return ids, err
}
