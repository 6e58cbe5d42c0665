package models

import "time"

// SecretEntry is one line of the public secrets board. It carries no
// reference back to the author.
type SecretEntry struct {
	Secret    string    `json:"secret"`
	UpdatedAt time.Time `json:"updatedAt"`
}
