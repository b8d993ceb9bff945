package usage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `id, user_id, conversation_id, message_id, model_id, provider,
	input_tokens, output_tokens, total_tokens, estimated_cost, actual_cost, currency,
	processing_time_ms, time_to_first_token_ms, tokens_per_second, status, error_message,
	metadata, created_at, updated_at`

// insertCols is the number of bound columns per inserted row.
const insertCols = 18

// Store provides database operations for the analytics ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var r Record
	var status string
	var metaJSON []byte
	err := scan(
		&r.ID, &r.UserID, &r.ConversationID, &r.MessageID, &r.ModelID, &r.Provider,
		&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.EstimatedCost, &r.ActualCost, &r.Currency,
		&r.ProcessingTimeMs, &r.TimeToFirstTokenMs, &r.TokensPerSecond, &status, &r.ErrorMessage,
		&metaJSON, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling metadata: %w", err)
		}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return &r, nil
}

// insertArgs returns the bound values for one row, in insert column order.
func insertArgs(r *Record) ([]any, error) {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	currency := r.Currency
	if currency == "" {
		currency = "USD"
	}
	status := r.Status
	if status == "" {
		status = StatusCompleted
	}
	var createdAt *time.Time
	if !r.CreatedAt.IsZero() {
		ts := r.CreatedAt
		createdAt = &ts
	}
	return []any{
		r.UserID, r.ConversationID, r.MessageID, r.ModelID, r.Provider,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.EstimatedCost, r.ActualCost, currency,
		r.ProcessingTimeMs, r.TimeToFirstTokenMs, r.TokensPerSecond, string(status), r.ErrorMessage,
		metaJSON, createdAt,
	}, nil
}

// rowPlaceholders renders one VALUES tuple starting after base bound args.
// created_at falls back to now() when not supplied.
func rowPlaceholders(base int) string {
	ph := make([]string, insertCols)
	for i := 0; i < insertCols-1; i++ {
		ph[i] = "$" + strconv.Itoa(base+i+1)
	}
	ph[insertCols-1] = fmt.Sprintf("COALESCE($%d::timestamptz, now())", base+insertCols)
	return "(" + strings.Join(ph, ", ") + ")"
}

const insertPrefix = `INSERT INTO usage_metrics
	(user_id, conversation_id, message_id, model_id, provider,
	 input_tokens, output_tokens, total_tokens, estimated_cost, actual_cost, currency,
	 processing_time_ms, time_to_first_token_ms, tokens_per_second, status, error_message,
	 metadata, created_at)
	VALUES `

// Insert writes a single record and returns it with server-generated fields.
func (s *Store) Insert(ctx context.Context, r *Record) (*Record, error) {
	args, err := insertArgs(r)
	if err != nil {
		return nil, err
	}
	out, err := scanRecord(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			insertPrefix+rowPlaceholders(0)+` RETURNING `+recordColumns,
			args...,
		).Scan(dest...)
	})
	if err != nil {
		return nil, fmt.Errorf("inserting usage record: %w", err)
	}
	return out, nil
}

// BatchInsert writes records in a single multi-row INSERT statement. It is a
// no-op when records is empty.
func (s *Store) BatchInsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	args := make([]any, 0, len(records)*insertCols)
	rows := make([]string, 0, len(records))
	for i := range records {
		rowArgs, err := insertArgs(&records[i])
		if err != nil {
			return err
		}
		rows = append(rows, rowPlaceholders(i*insertCols))
		args = append(args, rowArgs...)
	}

	if _, err := s.pool.Exec(ctx, insertPrefix+strings.Join(rows, ", "), args...); err != nil {
		return fmt.Errorf("batch inserting usage records: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(func(dest ...any) error {
		return s.pool.QueryRow(ctx,
			`SELECT `+recordColumns+` FROM usage_metrics WHERE id = $1`, id,
		).Scan(dest...)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting usage record: %w", err)
	}
	return r, nil
}

// UpdateActualCost sets actual_cost on a row that has none yet and merges
// meta into its metadata. It reports whether a row was updated; a row whose
// cost was already confirmed is left untouched.
func (s *Store) UpdateActualCost(ctx context.Context, id string, actualCost float64, meta map[string]any) (bool, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("marshaling metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_metrics
		 SET actual_cost = $2, metadata = metadata || $3, updated_at = now()
		 WHERE id = $1 AND actual_cost IS NULL`,
		id, actualCost, metaJSON,
	)
	if err != nil {
		return false, fmt.Errorf("updating actual cost: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListMissingActualCost returns rows from provider created at or after since
// with no confirmed cost, newest first, capped at limit.
func (s *Store) ListMissingActualCost(ctx context.Context, provider string, since time.Time, limit int) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM usage_metrics
		 WHERE provider = $1 AND actual_cost IS NULL AND created_at >= $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		provider, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing records missing actual cost: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning usage record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountSince returns the number of records created at or after since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_metrics WHERE created_at >= $1`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting usage records: %w", err)
	}
	return n, nil
}

// RecentFailures returns up to limit failed records created at or after
// since, newest first.
func (s *Store) RecentFailures(ctx context.Context, since time.Time, limit int) ([]Failure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, model_id, COALESCE(error_message, ''), created_at
		 FROM usage_metrics
		 WHERE status = 'failed' AND created_at >= $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing failed records: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.ID, &f.UserID, &f.ModelID, &f.ErrorMessage, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning failed record: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DailyCounts returns per-day record counts for days at or after since.
func (s *Store) DailyCounts(ctx context.Context, since time.Time) ([]DailyCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		 FROM usage_metrics
		 WHERE created_at >= $1
		 GROUP BY day ORDER BY day`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("querying daily usage counts: %w", err)
	}
	defer rows.Close()

	var out []DailyCount
	for rows.Next() {
		var dc DailyCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, fmt.Errorf("scanning daily count: %w", err)
		}
		dc.Date = dc.Date.UTC()
		out = append(out, dc)
	}
	return out, rows.Err()
}

// ExistsNear reports whether userID has a record within tolerance of at.
func (s *Store) ExistsNear(ctx context.Context, userID string, at time.Time, tolerance time.Duration) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM usage_metrics
		   WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		 )`,
		userID, at.Add(-tolerance), at.Add(tolerance),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking usage record: %w", err)
	}
	return exists, nil
}

// DeleteOlderThan removes up to batch records created before cutoff and
// returns the number deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM usage_metrics WHERE id IN (
		   SELECT id FROM usage_metrics WHERE created_at < $1 LIMIT $2
		 )`,
		cutoff, batch,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired usage records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetSummary returns aggregate usage metrics matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(total_tokens), 0),
		COALESCE(SUM(estimated_cost), 0)::float8,
		COALESCE(SUM(actual_cost), 0)::float8,
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
	FROM usage_metrics` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRecords,
		&summary.TotalTokens,
		&summary.EstimatedCost,
		&summary.ActualCost,
		&summary.FailedCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// List returns a page of records matching the query filters, ordered by
// created_at DESC, id DESC. It returns the next cursor, or "" on the last page.
func (s *Store) List(ctx context.Context, q Query) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "created_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT ` + recordColumns + ` FROM usage_metrics` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, "", fmt.Errorf("scanning usage record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage records: %w", err)
	}

	var nextCursor string
	if len(records) > limit {
		last := records[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		records = records[:limit]
	}

	return records, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.UserID != "" {
		args = append(args, q.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	} else if len(q.UserIDs) > 0 {
		placeholders := make([]string, len(q.UserIDs))
		for i, id := range q.UserIDs {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, "user_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if q.ModelID != "" {
		args = append(args, q.ModelID)
		conditions = append(conditions, fmt.Sprintf("model_id = $%d", len(args)))
	}
	if q.Provider != "" {
		args = append(args, q.Provider)
		conditions = append(conditions, fmt.Sprintf("provider = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
