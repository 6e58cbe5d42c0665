package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/database"
	"github.com/isdelr/secretboard/internal/models"
)

// UserServiceProvider defines the credential store used by the auth and session layers.
type UserServiceProvider interface {
	GetUserByID(ctx context.Context, id string) (models.User, error)
	GetUserByUsername(ctx context.Context, username string) (models.User, error)
	GetUserByFederatedID(ctx context.Context, provider, federatedID string) (models.User, error)
	CreateLocalUser(ctx context.Context, username, passwordHash string) (models.User, error)
	CreateFederatedUser(ctx context.Context, provider, federatedID string) (models.User, error)
	SetSecret(ctx context.Context, id, secret string) error
	ListSecrets(ctx context.Context) ([]models.SecretEntry, error)
	DeleteUser(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// UserService persists users in SQLite.
type UserService struct {
	db  *sql.DB
	now func() time.Time
}

// NewUserService creates a new UserService.
func NewUserService(db *sql.DB) *UserService {
	return &UserService{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const userColumns = "id, username, password_hash, provider, federated_id, secret, created_at, updated_at"

// GetUserByID retrieves a single user by their ID.
func (s *UserService) GetUserByID(ctx context.Context, id string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanUser(row)
}

// GetUserByUsername retrieves a local user, including the password hash.
func (s *UserService) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username)
	return scanUser(row)
}

// GetUserByFederatedID retrieves a federated user by provider-scoped external id.
func (s *UserService) GetUserByFederatedID(ctx context.Context, provider, federatedID string) (models.User, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE provider = ? AND federated_id = ?", provider, federatedID)
	return scanUser(row)
}

// CreateLocalUser inserts a password account. The UNIQUE index on username
// decides races between concurrent registrations.
func (s *UserService) CreateLocalUser(ctx context.Context, username, passwordHash string) (models.User, error) {
	now := s.now()
	user := models.User{
		ID:           uuid.New().String(),
		Username:     &username,
		PasswordHash: &passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, username, passwordHash, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if database.IsUniqueViolation(err) {
			return models.User{}, common.ErrDuplicateUsername
		}
		return models.User{}, storeError(err)
	}
	return user, nil
}

// CreateFederatedUser inserts an account keyed by (provider, federatedID) with no password.
func (s *UserService) CreateFederatedUser(ctx context.Context, provider, federatedID string) (models.User, error) {
	now := s.now()
	user := models.User{
		ID:          uuid.New().String(),
		Provider:    &provider,
		FederatedID: &federatedID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, provider, federated_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, provider, federatedID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if database.IsUniqueViolation(err) {
			return models.User{}, common.ErrAlreadyExists
		}
		return models.User{}, storeError(err)
	}
	return user, nil
}

// SetSecret overwrites the user's secret.
func (s *UserService) SetSecret(ctx context.Context, id, secret string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET secret = ?, updated_at = ? WHERE id = ?", secret, s.now().UnixMilli(), id)
	if err != nil {
		return storeError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeError(err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

// ListSecrets returns every non-null secret, most recently updated first.
func (s *UserService) ListSecrets(ctx context.Context) ([]models.SecretEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT secret, updated_at FROM users WHERE secret IS NOT NULL ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()

	entries := []models.SecretEntry{}
	for rows.Next() {
		var (
			entry     models.SecretEntry
			updatedAt int64
		)
		if err := rows.Scan(&entry.Secret, &updatedAt); err != nil {
			return nil, storeError(err)
		}
		entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err)
	}
	return entries, nil
}

// DeleteUser removes a user from the database.
func (s *UserService) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id); err != nil {
		return storeError(err)
	}
	return nil
}

// Ping checks that the store is reachable.
func (s *UserService) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeError(err)
	}
	return nil
}

func scanUser(row *sql.Row) (models.User, error) {
	var (
		user                                          models.User
		username, hash, provider, federatedID, secret sql.NullString
		createdAt, updatedAt                          int64
	)
	err := row.Scan(&user.ID, &username, &hash, &provider, &federatedID, &secret, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, common.ErrNotFound
		}
		return models.User{}, storeError(err)
	}
	user.Username = nullable(username)
	user.PasswordHash = nullable(hash)
	user.Provider = nullable(provider)
	user.FederatedID = nullable(federatedID)
	user.Secret = nullable(secret)
	user.CreatedAt = time.UnixMilli(createdAt).UTC()
	user.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return user, nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func storeError(err error) error {
	return fmt.Errorf("%w: %w", common.ErrStoreUnavailable, err)
}
