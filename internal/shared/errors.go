package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidAPIKey indicates API key authentication failure.
	ErrInvalidAPIKey = errors.New("invalid api key")
)
