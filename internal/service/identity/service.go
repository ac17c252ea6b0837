package identity

import (
	"context"
	"errors"
	"fmt"

	"ticketline/internal/repository"
)

// Storage is the persistence contract of the resolver: a unique phone -> user
// mapping with atomic id allocation.
type Storage interface {
	UserIDByPhone(ctx context.Context, phone string) (int64, error)
	CreateUser(ctx context.Context, phone string) (int64, error)
}

// Service maps opaque external identifiers (phone numbers) to stable internal
// user ids, creating the user on first sight.
type Service struct {
	storage Storage
}

func New(storage Storage) *Service {
	return &Service{storage: storage}
}

// Resolve returns the user id registered under the identifier, allocating a
// new user when the identifier is unseen. A lost insert race is resolved by
// re-reading the winner's row, so concurrent resolutions of the same
// identifier converge on one id.
func (s *Service) Resolve(ctx context.Context, phone string) (int64, error) {
	const op = "service.identity.Resolve"

	id, err := s.storage.UserIDByPhone(ctx, phone)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err = s.storage.CreateUser(ctx, phone)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, repository.ErrConflict) {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	id, err = s.storage.UserIDByPhone(ctx, phone)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return id, nil
}
