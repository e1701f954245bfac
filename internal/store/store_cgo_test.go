//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nocloudhq/cloudbridge/internal/config"
)

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenMemoryStore(t *testing.T) {
	store := openMemoryStore(t)
	require.Equal(t, "libsql", store.Driver())
	require.Equal(t, 1, store.DB.Stats().MaxOpenConnections)
	require.NoError(t, store.CheckHealth(context.Background()))
}

func TestOpenLocalStore_ConfiguresSQLite(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, config.StoreConfig{
		Driver: "libsql",
		Path:   "file:" + t.TempDir() + "/cloudbridge.db",
	})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.Equal(t, 1, store.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")
}

func TestViolationHistory(t *testing.T) {
	ctx := context.Background()
	store := openMemoryStore(t)

	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordViolation(ctx, "****.3.77:license:abc", "storage.requestSignedUrl", t0))
	require.NoError(t, store.RecordViolation(ctx, "****.3.77:license:abc", "rpc.ping", t0.Add(time.Minute)))
	require.NoError(t, store.RecordViolation(ctx, "****.0.10:license:def", "rpc.ping", t0.Add(2*time.Minute)))
	require.Error(t, store.RecordViolation(ctx, " ", "rpc.ping", t0))

	all, err := store.ListViolations(ctx, ViolationQuery{All: true})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "****.0.10:license:def", all[0].Key)

	one, err := store.ListViolations(ctx, ViolationQuery{Key: "****.3.77:license:abc"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, 2, one[0].Count)
	require.Equal(t, "rpc.ping", one[0].Endpoint)
	require.Equal(t, t0, one[0].FirstSeenAt)
	require.Equal(t, t0.Add(time.Minute), one[0].LastSeenAt)

	count, err := store.CountViolations(ctx, ViolationQuery{Prefix: "****.3"})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	removed, err := store.ResetViolations(ctx, ViolationQuery{Prefix: "****.3"})
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = store.ResetViolations(ctx, ViolationQuery{})
	require.Error(t, err)

	count, err = store.CountViolations(ctx, ViolationQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSignedUploadAudit(t *testing.T) {
	ctx := context.Background()
	store := openMemoryStore(t)

	issued := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordSignedUpload(ctx, SignedUpload{
		MediaID:     "m-1",
		Player:      "****.3.77:license:abc",
		ContentType: "image/png",
		Size:        2048,
		Metadata:    map[string]any{"resource": "photo-mode"},
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(15 * time.Minute),
	}))
	require.NoError(t, store.RecordSignedUpload(ctx, SignedUpload{
		MediaID:     "m-2",
		Player:      "****.0.10:license:def",
		ContentType: "image/jpeg",
		Size:        10,
		IssuedAt:    issued.Add(time.Second),
		ExpiresAt:   issued.Add(16 * time.Minute),
	}))
	require.Error(t, store.RecordSignedUpload(ctx, SignedUpload{}))

	all, err := store.ListSignedUploads(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "m-2", all[0].MediaID)

	mine, err := store.ListSignedUploads(ctx, "****.3.77:license:abc", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, map[string]any{"resource": "photo-mode"}, mine[0].Metadata)
	require.Equal(t, issued.Add(15*time.Minute), mine[0].ExpiresAt)
}
