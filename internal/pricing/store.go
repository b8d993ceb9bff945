package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no current price exists for a pair.
var ErrNotFound = errors.New("pricing entry not found")

const entryColumns = `id, model_id, provider, input_price, output_price, currency,
	effective_from, effective_to, is_active, created_at`

// Store provides database operations for the persisted price table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanEntry(scan func(dest ...any) error) (*Entry, error) {
	e := &Entry{}
	err := scan(&e.ID, &e.ModelID, &e.Provider, &e.InputPrice, &e.OutputPrice, &e.Currency,
		&e.EffectiveFrom, &e.EffectiveTo, &e.IsActive, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetCurrent returns the entry active at the given time. When several match,
// the most recent effective_from wins.
func (s *Store) GetCurrent(ctx context.Context, modelID, provider string, at time.Time) (*Entry, error) {
	e, err := scanEntry(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+entryColumns+`
			 FROM pricing_entries
			 WHERE model_id = $1 AND provider = $2 AND is_active
			   AND effective_from <= $3
			   AND (effective_to IS NULL OR effective_to > $3)
			 ORDER BY effective_from DESC
			 LIMIT 1`,
			modelID, provider, at,
		).Scan(dest...)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting current pricing: %w", err)
	}
	return e, nil
}

// GetCurrentBatch returns the current entry for every pair that has one, keyed
// by Pair.Key(). It issues a single query with a composite IN predicate.
func (s *Store) GetCurrentBatch(ctx context.Context, pairs []Pair, at time.Time) (map[string]Entry, error) {
	out := make(map[string]Entry, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}

	predicate, args := buildPairPredicate(pairs)
	args = append(args, at)
	atArg := fmt.Sprintf("$%d", len(args))

	query := `SELECT DISTINCT ON (model_id, provider) ` + entryColumns + `
		FROM pricing_entries
		WHERE ` + predicate + ` AND is_active
		  AND effective_from <= ` + atArg + `
		  AND (effective_to IS NULL OR effective_to > ` + atArg + `)
		ORDER BY model_id, provider, effective_from DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("batch querying pricing: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning pricing row: %w", err)
		}
		out[Pair{ModelID: e.ModelID, Provider: e.Provider}.Key()] = *e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pricing rows: %w", err)
	}
	return out, nil
}

// ReplaceCurrent closes the effective window of the pair's open entries and
// inserts in as the new current entry, in one transaction. Superseded rows are
// never rewritten beyond their effective_to.
func (s *Store) ReplaceCurrent(ctx context.Context, in CreateEntryInput) (*Entry, error) {
	from := in.EffectiveFrom
	if from.IsZero() {
		from = time.Now().UTC()
	}
	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}

	var created *Entry
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE pricing_entries
			 SET effective_to = $3
			 WHERE model_id = $1 AND provider = $2 AND is_active
			   AND effective_to IS NULL AND effective_from <= $3`,
			in.ModelID, in.Provider, from,
		); err != nil {
			return fmt.Errorf("closing current pricing: %w", err)
		}

		e, err := scanEntry(func(dest ...any) error {
			return tx.QueryRow(ctx,
				`INSERT INTO pricing_entries
				 (model_id, provider, input_price, output_price, currency, effective_from)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 RETURNING `+entryColumns,
				in.ModelID, in.Provider, in.InputPrice, in.OutputPrice, currency, from,
			).Scan(dest...)
		})
		if err != nil {
			return fmt.Errorf("inserting pricing: %w", err)
		}
		created = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// InsertIfAbsent inserts in only when the pair has no current entry. It
// reports whether a row was written.
func (s *Store) InsertIfAbsent(ctx context.Context, in CreateEntryInput) (bool, error) {
	_, err := s.GetCurrent(ctx, in.ModelID, in.Provider, time.Now().UTC())
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if _, err := s.ReplaceCurrent(ctx, in); err != nil {
		return false, err
	}
	return true, nil
}

// History returns every entry for a pair, newest first.
func (s *Store) History(ctx context.Context, modelID, provider string) ([]*Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM pricing_entries
		 WHERE model_id = $1 AND provider = $2
		 ORDER BY effective_from DESC`,
		modelID, provider,
	)
	if err != nil {
		return nil, fmt.Errorf("listing pricing history: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning pricing row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pricing rows: %w", err)
	}
	return entries, nil
}

// buildPairPredicate renders "(model_id, provider) IN (($1, $2), ...)" and its
// positional arguments.
func buildPairPredicate(pairs []Pair) (string, []any) {
	args := make([]any, 0, len(pairs)*2)
	tuples := make([]string, 0, len(pairs))
	for _, p := range pairs {
		args = append(args, p.ModelID, p.Provider)
		tuples = append(tuples, fmt.Sprintf("($%d, $%d)", len(args)-1, len(args)))
	}
	return "(model_id, provider) IN (" + strings.Join(tuples, ", ") + ")", args
}
