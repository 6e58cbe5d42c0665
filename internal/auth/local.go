package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/models"
	"github.com/isdelr/secretboard/internal/services"
)

const maxUsernameLength = 64

// LocalStrategy registers and authenticates username/password accounts.
type LocalStrategy struct {
	users  services.UserServiceProvider
	hasher PasswordHasher

	dummyOnce sync.Once
	dummyHash string
}

// NewLocalStrategy creates a new LocalStrategy.
func NewLocalStrategy(users services.UserServiceProvider, hasher PasswordHasher) *LocalStrategy {
	return &LocalStrategy{users: users, hasher: hasher}
}

// Kind reports KindLocal.
func (s *LocalStrategy) Kind() Kind { return KindLocal }

// Register creates a local account. It fails with common.ErrDuplicateUsername
// when the name is taken, including when another registration wins a race.
func (s *LocalStrategy) Register(ctx context.Context, username, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return models.User{}, fmt.Errorf("%w: username and password required", common.ErrInvalidInput)
	}
	if len(username) > maxUsernameLength {
		return models.User{}, fmt.Errorf("%w: username longer than %d characters", common.ErrInvalidInput, maxUsernameLength)
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return models.User{}, err
	}
	return s.users.CreateLocalUser(ctx, username, hash)
}

// Authenticate checks PasswordCredentials. Unknown users, federated-only
// users and wrong passwords all return common.ErrInvalidCredentials.
func (s *LocalStrategy) Authenticate(ctx context.Context, creds Credentials) (models.User, error) {
	var pc PasswordCredentials
	switch c := creds.(type) {
	case PasswordCredentials:
		pc = c
	case *PasswordCredentials:
		pc = *c
	default:
		return models.User{}, fmt.Errorf("%w: %T", common.ErrUnsupportedCredentials, creds)
	}

	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(pc.Username))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// Spend the same hashing time as a real comparison.
			s.hasher.Verify(pc.Password, s.dummy())
			return models.User{}, common.ErrInvalidCredentials
		}
		return models.User{}, err
	}
	if user.PasswordHash == nil {
		s.hasher.Verify(pc.Password, s.dummy())
		return models.User{}, common.ErrInvalidCredentials
	}
	if !s.hasher.Verify(pc.Password, *user.PasswordHash) {
		return models.User{}, common.ErrInvalidCredentials
	}
	return user, nil
}

func (s *LocalStrategy) dummy() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("secretboard-dummy-password")
	})
	return s.dummyHash
}
