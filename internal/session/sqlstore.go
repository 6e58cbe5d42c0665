package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/isdelr/secretboard/internal/common"
)

// SQLStore keeps scs session data in the sessions table.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a store on db. The sessions table comes from the
// embedded migrations.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

// Find returns the data for an unexpired token.
func (s *SQLStore) Find(token string) ([]byte, bool, error) {
	return s.FindCtx(context.Background(), token)
}

// Commit inserts or replaces the data for token.
func (s *SQLStore) Commit(token string, b []byte, expiry time.Time) error {
	return s.CommitCtx(context.Background(), token, b, expiry)
}

// Delete removes token. Deleting an unknown token is not an error.
func (s *SQLStore) Delete(token string) error {
	return s.DeleteCtx(context.Background(), token)
}

// FindCtx is Find bound to ctx.
func (s *SQLStore) FindCtx(ctx context.Context, token string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM sessions WHERE token = ? AND expiry > ?", token, s.now().UnixMilli()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
	}
	return data, true, nil
}

// CommitCtx is Commit bound to ctx.
func (s *SQLStore) CommitCtx(ctx context.Context, token string, b []byte, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, data, expiry) VALUES (?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET data = excluded.data, expiry = excluded.expiry`,
		token, b, expiry.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
	}
	return nil
}

// DeleteCtx is Delete bound to ctx.
func (s *SQLStore) DeleteCtx(ctx context.Context, token string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token); err != nil {
		return fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
	}
	return nil
}

// Prune deletes expired sessions and returns how many were removed.
func (s *SQLStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expiry <= ?", s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
	}
	return res.RowsAffected()
}
