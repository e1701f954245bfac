package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Violation summarizes rate limit rejections for one masked identity key.
type Violation struct {
	Key         string    `json:"key"`
	Endpoint    string    `json:"last_endpoint"`
	Count       int       `json:"count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ViolationQuery selects violation rows.
type ViolationQuery struct {
	All    bool
	Key    string
	Prefix string
}

func (q ViolationQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Key) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --key, or --prefix")
}

func (q ViolationQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if key := strings.TrimSpace(q.Key); key != "" {
		return "WHERE identity_key = ?", []any{key}, nil
	}
	return "WHERE identity_key LIKE ?", []any{strings.TrimSpace(q.Prefix) + "%"}, nil
}

// RecordViolation counts one rejection of key on endpoint. key must already
// be masked; raw identifiers are never persisted.
func (s *Store) RecordViolation(ctx context.Context, key, endpoint string, at time.Time) error {
	if s == nil || s.DB == nil {
		return ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("identity key is required")
	}

	ts := at.UTC().Unix()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limit_violations (identity_key, endpoint, violation_count, first_seen_at, last_seen_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(identity_key) DO UPDATE SET
			endpoint = excluded.endpoint,
			violation_count = violation_count + 1,
			last_seen_at = excluded.last_seen_at
	`, key, endpoint, ts, ts)
	if err != nil {
		return fmt.Errorf("record violation: %w", err)
	}
	return nil
}

// ListViolations returns matching rows ordered by most recent first.
func (s *Store) ListViolations(ctx context.Context, q ViolationQuery) ([]Violation, error) {
	if s == nil || s.DB == nil {
		return nil, ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT identity_key, endpoint, violation_count, first_seen_at, last_seen_at
		FROM rate_limit_violations
		%s
		ORDER BY last_seen_at DESC, identity_key
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	violations := []Violation{}
	for rows.Next() {
		var (
			v           Violation
			first, last int64
		)
		if err := rows.Scan(&v.Key, &v.Endpoint, &v.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan violations: %w", err)
		}
		v.FirstSeenAt = time.Unix(first, 0).UTC()
		v.LastSeenAt = time.Unix(last, 0).UTC()
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}

	return violations, nil
}

// CountViolations counts matching rows.
func (s *Store) CountViolations(ctx context.Context, q ViolationQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM rate_limit_violations
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count violations: %w", err)
	}
	return count, nil
}

// ResetViolations deletes matching rows.
func (s *Store) ResetViolations(ctx context.Context, q ViolationQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM rate_limit_violations
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset violations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset violations: %w", err)
	}
	return affected, nil
}
