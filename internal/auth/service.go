package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vnoptic/vnoptic-erp/internal/shared"
)

// Service wraps API key issuance and verification.
type Service struct {
	repo   Repository
	pepper string
}

// NewService constructs a new Service.
func NewService(repo Repository, pepper string) *Service {
	return &Service{repo: repo, pepper: pepper}
}

// Issue generates a new API key and returns the plaintext token once.
// The token has the form "<prefix>.<secret>"; only the bcrypt hash of the
// secret is stored.
func (s *Service) Issue(ctx context.Context, name string) (string, *APIKey, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, fmt.Errorf("auth: key name required")
	}
	prefix, err := randomHex(6)
	if err != nil {
		return "", nil, err
	}
	secret, err := randomHex(24)
	if err != nil {
		return "", nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret+s.pepper), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}
	key := &APIKey{
		Name:       strings.TrimSpace(name),
		Prefix:     prefix,
		SecretHash: string(hash),
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	id, err := s.repo.Create(ctx, key)
	if err != nil {
		return "", nil, err
	}
	key.ID = id
	return prefix + "." + secret, key, nil
}

// Authenticate validates a bearer token and returns the matching key.
func (s *Service) Authenticate(ctx context.Context, token string) (*APIKey, error) {
	prefix, secret, ok := strings.Cut(token, ".")
	if !ok || prefix == "" || secret == "" {
		return nil, shared.ErrInvalidAPIKey
	}
	key, err := s.repo.FindByPrefix(ctx, prefix)
	if err != nil {
		return nil, shared.ErrInvalidAPIKey
	}
	if !key.IsActive {
		return nil, shared.ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret+s.pepper)); err != nil {
		return nil, shared.ErrInvalidAPIKey
	}
	if err := s.repo.TouchLastUsed(ctx, key.ID, time.Now()); err != nil {
		return nil, err
	}
	return key, nil
}

// Revoke deactivates a key so it can no longer authenticate.
func (s *Service) Revoke(ctx context.Context, id int64) error {
	return s.repo.Deactivate(ctx, id)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
