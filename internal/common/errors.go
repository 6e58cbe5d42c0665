// Package common defines sentinel errors shared by the store, auth and HTTP
// layers. Callers should match them with errors.Is.
package common

import "errors"

var (
	// Store-level errors.
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDuplicateUsername = errors.New("username already taken")
	ErrStoreUnavailable  = errors.New("credential store unavailable")

	// Authentication errors. ErrInvalidCredentials is deliberately the same
	// for unknown users and wrong passwords.
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidInput           = errors.New("invalid input")
	ErrUnsupportedCredentials = errors.New("unsupported credentials")

	// Federated provider errors.
	ErrProviderExchange = errors.New("provider exchange failed")
	ErrProviderTimeout  = errors.New("provider exchange timed out")
	ErrInvalidState     = errors.New("invalid oauth state")
)
