package evidence

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/windward-ops/gateposture/pkg/contracts"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewStore(db, t.TempDir())
	require.NoError(t, err)
	return store.WithClock(contracts.FixedClock{T: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)})
}

func TestPutIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	payload := []byte(`{"airport":"KJFK","status":"NORMAL"}`)
	first, err := store.Put(ctx, PutInput{
		SourceSystem: "FAA",
		SourceRef:    "airport-status/KJFK",
		ContentType:  "application/json",
		Payload:      payload,
	})
	require.NoError(t, err)

	second, err := store.Put(ctx, PutInput{
		SourceSystem: "FAA",
		SourceRef:    "airport-status/KJFK",
		ContentType:  "application/json",
		Payload:      payload,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ContentSHA256, second.ContentSHA256)

	rows, err := store.BySource(ctx, "FAA", "airport-status/KJFK")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPutNewContentCreatesNewRow(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	first, err := store.Put(ctx, PutInput{
		SourceSystem: "FAA",
		SourceRef:    "airport-status/KJFK",
		Payload:      []byte(`{"status":"NORMAL"}`),
	})
	require.NoError(t, err)

	second, err := store.Put(ctx, PutInput{
		SourceSystem: "FAA",
		SourceRef:    "airport-status/KJFK",
		Payload:      []byte(`{"status":"GROUND_STOP"}`),
	})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.NotEqual(t, first.ContentSHA256, second.ContentSHA256)

	rows, err := store.BySource(ctx, "FAA", "airport-status/KJFK")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestGetRoundTrip(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	payload := []byte("METAR KJFK 011200Z 18012KT 10SM FEW250 22/12 A3012")
	row, err := store.Put(ctx, PutInput{
		SourceSystem: "METAR",
		SourceRef:    "KJFK",
		ContentType:  "text/plain",
		Payload:      payload,
		Meta:         map[string]any{"station": "KJFK"},
	})
	require.NoError(t, err)
	assert.Equal(t, HashBytes(payload), row.ContentSHA256)

	got, bytes, err := store.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, payload, bytes)
	assert.Equal(t, "METAR", got.SourceSystem)
	assert.Equal(t, "KJFK", got.Meta["station"])

	// Blob path is derived from the hash, not caller input.
	_, err = os.Stat(filepath.Join(store.root, row.ContentSHA256+".bin"))
	require.NoError(t, err)
}

func TestGetUnknownID(t *testing.T) {
	store := setupStore(t)
	_, _, err := store.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlobPathRejectsBadHash(t *testing.T) {
	store := setupStore(t)

	for _, bad := range []string{
		"",
		"abc123",
		"../../../etc/passwd",
		"ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF012345678G",
	} {
		_, err := store.blobPath(bad)
		assert.Error(t, err, "hash %q should be rejected", bad)
	}

	path, err := store.blobPath(HashBytes([]byte("ok")))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
}

func TestExcerptRedactsPII(t *testing.T) {
	in := "Contact ops@example.com or 212-555-0123, shipper SSN 123-45-6789."
	out := Redact(in)

	assert.NotContains(t, out, "ops@example.com")
	assert.NotContains(t, out, "212-555-0123")
	assert.NotContains(t, out, "123-45-6789")
	assert.Contains(t, out, "[REDACTED-EMAIL]")
	assert.Contains(t, out, "[REDACTED-PHONE]")
	assert.Contains(t, out, "[REDACTED-SSN]")
}

func TestExcerptTruncatesAndSkipsBinary(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, Excerpt(long, "text/plain"), 500)

	assert.Empty(t, Excerpt([]byte{0xff, 0xfe, 0x00, 0x01}, "application/octet-stream"))
	assert.Empty(t, Excerpt(nil, "text/plain"))
}
