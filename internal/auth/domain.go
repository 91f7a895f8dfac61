package auth

import "time"

// APIKey represents an issued service credential.
type APIKey struct {
	ID         int64
	Name       string
	Prefix     string
	SecretHash string
	IsActive   bool
	CreatedAt  time.Time
	LastUsedAt *time.Time
}
