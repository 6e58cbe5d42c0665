package models

import "time"

// User represents a board member. Local accounts carry Username and
// PasswordHash; federated accounts carry Provider and FederatedID.
type User struct {
	ID           string    `json:"id"`
	Username     *string   `json:"username,omitempty"`
	PasswordHash *string   `json:"-"` // Never expose this to the client
	Provider     *string   `json:"provider,omitempty"`
	FederatedID  *string   `json:"-"`
	Secret       *string   `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// IsLocal reports whether the user can sign in with a password.
func (u User) IsLocal() bool {
	return u.PasswordHash != nil
}

// IsFederated reports whether the user signs in through an identity provider.
func (u User) IsFederated() bool {
	return u.FederatedID != nil
}

// DisplayName returns the username for local accounts and the provider name otherwise.
func (u User) DisplayName() string {
	if u.Username != nil && *u.Username != "" {
		return *u.Username
	}
	if u.Provider != nil {
		return *u.Provider + " user"
	}
	return "anonymous"
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}
