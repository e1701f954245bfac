package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SignedUpload is the audit record of one issued upload URL.
type SignedUpload struct {
	MediaID     string         `json:"media_id"`
	Player      string         `json:"player"`
	ContentType string         `json:"content_type"`
	Size        int64          `json:"size"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// RecordSignedUpload stores an issued upload URL.
func (s *Store) RecordSignedUpload(ctx context.Context, upload SignedUpload) error {
	if s == nil || s.DB == nil {
		return ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(upload.MediaID) == "" {
		return errors.New("media id is required")
	}

	var metadata sql.NullString
	if len(upload.Metadata) > 0 {
		encoded, err := json.Marshal(upload.Metadata)
		if err != nil {
			return fmt.Errorf("encode upload metadata: %w", err)
		}
		metadata = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO signed_uploads (media_id, player, content_type, size_bytes, metadata, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, upload.MediaID, upload.Player, upload.ContentType, upload.Size, metadata,
		upload.IssuedAt.UTC().Unix(), upload.ExpiresAt.UTC().Unix())
	if err != nil {
		return fmt.Errorf("record signed upload: %w", err)
	}
	return nil
}

// ListSignedUploads returns the most recent uploads, optionally filtered by
// player key. limit <= 0 returns every row.
func (s *Store) ListSignedUploads(ctx context.Context, player string, limit int) ([]SignedUpload, error) {
	if s == nil || s.DB == nil {
		return nil, ErrNotInitialized
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := `
		SELECT media_id, player, content_type, size_bytes, metadata, issued_at, expires_at
		FROM signed_uploads`
	args := []any{}
	if player = strings.TrimSpace(player); player != "" {
		query += ` WHERE player = ?`
		args = append(args, player)
	}
	query += ` ORDER BY issued_at DESC, media_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signed uploads: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	uploads := []SignedUpload{}
	for rows.Next() {
		var (
			u                 SignedUpload
			metadata          sql.NullString
			issued, expiresAt int64
		)
		if err := rows.Scan(&u.MediaID, &u.Player, &u.ContentType, &u.Size, &metadata, &issued, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan signed uploads: %w", err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &u.Metadata); err != nil {
				return nil, fmt.Errorf("decode upload metadata: %w", err)
			}
		}
		u.IssuedAt = time.Unix(issued, 0).UTC()
		u.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signed uploads: %w", err)
	}
	return uploads, nil
}
