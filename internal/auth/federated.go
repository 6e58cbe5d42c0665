package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/isdelr/secretboard/internal/common"
	"github.com/isdelr/secretboard/internal/models"
	"github.com/isdelr/secretboard/internal/services"
	"github.com/rs/zerolog/log"
)

// ProviderProfile is the identity returned by a provider after a code exchange.
type ProviderProfile struct {
	Provider    string
	ExternalID  string
	DisplayName string
	Email       string
}

func (ProviderProfile) Kind() Kind { return KindFederated }
func (ProviderProfile) sealed()    {}

// FederatedStrategy signs users in through an OAuth provider. Federated
// accounts are keyed only by (provider, external id) and are never merged
// with local accounts.
type FederatedStrategy struct {
	users    services.UserServiceProvider
	provider Provider
	timeout  time.Duration
}

// NewFederatedStrategy creates a strategy whose provider calls are bounded by timeout.
func NewFederatedStrategy(users services.UserServiceProvider, provider Provider, timeout time.Duration) *FederatedStrategy {
	return &FederatedStrategy{users: users, provider: provider, timeout: timeout}
}

// Kind reports KindFederated.
func (s *FederatedStrategy) Kind() Kind { return KindFederated }

// Provider returns the configured identity provider.
func (s *FederatedStrategy) Provider() Provider {
	return s.provider
}

// Exchange trades an authorization code for a profile. A call that outlives
// the timeout fails with common.ErrProviderTimeout; any other failure is
// common.ErrProviderExchange.
func (s *FederatedStrategy) Exchange(ctx context.Context, code string) (ProviderProfile, error) {
	if strings.TrimSpace(code) == "" {
		return ProviderProfile{}, fmt.Errorf("%w: missing authorization code", common.ErrProviderExchange)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	profile, err := s.provider.Exchange(ctx, code)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ProviderProfile{}, fmt.Errorf("%w: %w", common.ErrProviderTimeout, err)
		}
		return ProviderProfile{}, fmt.Errorf("%w: %w", common.ErrProviderExchange, err)
	}
	log.Debug().Str("provider", profile.Provider).Str("external_id", profile.ExternalID).Msg("Provider profile received")
	return profile, nil
}

// Authenticate finds or creates the user for a ProviderProfile. Calling it
// repeatedly with the same profile returns the same user.
func (s *FederatedStrategy) Authenticate(ctx context.Context, creds Credentials) (models.User, error) {
	var profile ProviderProfile
	switch c := creds.(type) {
	case ProviderProfile:
		profile = c
	case *ProviderProfile:
		profile = *c
	default:
		return models.User{}, fmt.Errorf("%w: %T", common.ErrUnsupportedCredentials, creds)
	}
	if profile.ExternalID == "" {
		return models.User{}, fmt.Errorf("%w: profile without external id", common.ErrProviderExchange)
	}
	if profile.Provider == "" {
		profile.Provider = s.provider.Name()
	}

	user, err := s.users.GetUserByFederatedID(ctx, profile.Provider, profile.ExternalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return models.User{}, err
	}

	user, err = s.users.CreateFederatedUser(ctx, profile.Provider, profile.ExternalID)
	if errors.Is(err, common.ErrAlreadyExists) {
		// A concurrent sign-in created the account first.
		return s.users.GetUserByFederatedID(ctx, profile.Provider, profile.ExternalID)
	}
	return user, err
}
