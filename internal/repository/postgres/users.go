package postgres

import (
	"context"
	"fmt"
)

type UserRepo struct {
	store *Store
}

// UserIDByPhone looks up the user registered under the given phone number.
//
// Returns:
//   - int64: the user ID when found.
//   - error: repository.ErrNotFound if no user carries the number.
func (r *UserRepo) UserIDByPhone(ctx context.Context, phone string) (int64, error) {
	const op = "postgres.UserRepo.UserIDByPhone"

	db := r.store.handle(ctx)

	var id int64
	err := db.QueryRow(ctx,
		`SELECT id FROM users WHERE phone = $1`,
		phone,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return id, nil
}

// CreateUser registers a phone number and returns the allocated user ID.
//
// Returns:
//   - int64: the new user ID.
//   - error: repository.ErrConflict if the number is already registered.
func (r *UserRepo) CreateUser(ctx context.Context, phone string) (int64, error) {
	const op = "postgres.UserRepo.CreateUser"

	db := r.store.handle(ctx)

	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO users (phone) VALUES ($1) RETURNING id`,
		phone,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, translateDBErr(err))
	}

	return id, nil
}
