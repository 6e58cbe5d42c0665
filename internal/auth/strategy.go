package auth

import (
	"context"
	"fmt"

	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/models"
)

// Kind names a credential source.
type Kind string

const (
	KindLocal     Kind = "local"
	KindFederated Kind = "federated"
)

// Credentials is implemented only by PasswordCredentials and ProviderProfile.
type Credentials interface {
	Kind() Kind
	sealed()
}

// PasswordCredentials are submitted through the login form.
type PasswordCredentials struct {
	Username string
	Password string
}

func (PasswordCredentials) Kind() Kind { return KindLocal }
func (PasswordCredentials) sealed()    {}

// Strategy authenticates one kind of credentials.
type Strategy interface {
	Kind() Kind
	Authenticate(ctx context.Context, creds Credentials) (models.User, error)
}

// Selector routes credentials to the strategy for their type.
type Selector struct {
	local     *LocalStrategy
	federated *FederatedStrategy
}

// NewSelector builds a selector. federated may be nil when no provider is configured.
func NewSelector(local *LocalStrategy, federated *FederatedStrategy) *Selector {
	return &Selector{local: local, federated: federated}
}

// Authenticate dispatches creds and returns the authenticated user.
func (s *Selector) Authenticate(ctx context.Context, creds Credentials) (models.User, error) {
	var strategy Strategy
	switch creds.(type) {
	case PasswordCredentials, *PasswordCredentials:
		if s.local != nil {
			strategy = s.local
		}
	case ProviderProfile, *ProviderProfile:
		if s.federated != nil {
			strategy = s.federated
		}
	}
	if strategy == nil {
		return models.User{}, fmt.Errorf("%w: %T", common.ErrUnsupportedCredentials, creds)
	}
	return strategy.Authenticate(ctx, creds)
}

// Local returns the local strategy.
func (s *Selector) Local() *LocalStrategy {
	return s.local
}

// Federated returns the federated strategy, or nil when disabled.
func (s *Selector) Federated() *FederatedStrategy {
	return s.federated
}
