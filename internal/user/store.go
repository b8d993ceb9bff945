package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for users.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new user store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// scanUser scans a user row, handling the JSONB metadata column.
func scanUser(scan func(dest ...any) error) (*User, error) {
	u := &User{}
	var email *string
	var metaJSON []byte
	if err := scan(&u.ID, &email, &u.IsAnonymous, &metaJSON, &u.CreatedAt); err != nil {
		return nil, err
	}
	if email != nil {
		u.Email = *email
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &u.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	if u.Metadata == nil {
		u.Metadata = map[string]any{}
	}
	return u, nil
}

// Get retrieves a user by id.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT id, email, is_anonymous, metadata, created_at
			 FROM users WHERE id = $1`, id,
		).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return u, nil
}

// Upsert creates the user or refreshes the mirrored fields. Incoming metadata
// keys are merged over the stored ones.
func (s *Store) Upsert(ctx context.Context, in UpsertInput) (*User, error) {
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	var email *string
	if in.Email != "" {
		email = &in.Email
	}

	u, err := scanUser(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`INSERT INTO users (id, email, is_anonymous, metadata)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO UPDATE SET
			   email = COALESCE(EXCLUDED.email, users.email),
			   is_anonymous = EXCLUDED.is_anonymous,
			   metadata = users.metadata || EXCLUDED.metadata
			 RETURNING id, email, is_anonymous, metadata, created_at`,
			in.ID, email, in.IsAnonymous, metaJSON,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return u, nil
}
