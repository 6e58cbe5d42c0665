package models

import "time"

// Event types recorded by the audit log.
const (
	EventUserRegister  = "user.register"
	EventUserLogin     = "user.login"
	EventUserLoginFail = "user.login.fail"
	EventUserLogout    = "user.logout"
	EventSecretSubmit  = "secret.submit"
)

// Event represents a loggable authentication or board action.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`  // e.g., "user.login", "secret.submit"
	Level     string    `json:"level"` // e.g., "info", "warn"
	Message   string    `json:"message"`
	UserID    *string   `json:"userId,omitempty"` // Nullable for anonymous attempts
	CreatedAt time.Time `json:"createdAt"`
}
