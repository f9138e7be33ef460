package credstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes through t.Log.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "credentials.db"), testLogger(t))
	require.NoError(t, err)

	s.nowFunc = func() time.Time { return testNow }

	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	return s
}

func sampleRecord(scope int64, identity string, expiresIn time.Duration) *Record {
	return &Record{
		Key:          Key{ScopeID: scope, Identity: identity},
		Tenant:       "contoso.onmicrosoft.com",
		AccessToken:  "at-" + identity,
		RefreshToken: "rt-" + identity,
		ExpiresAt:    testNow.Add(expiresIn),
	}
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	s := newTestSQLiteStore(t)

	_, err := s.Get(context.Background(), Key{ScopeID: 1, Identity: "nobody"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpsertAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord(3, "alice@contoso.com", time.Hour)))

	got, err := s.Get(ctx, Key{ScopeID: 3, Identity: "alice@contoso.com"})
	require.NoError(t, err)

	assert.Equal(t, "contoso.onmicrosoft.com", got.Tenant)
	assert.Equal(t, "at-alice@contoso.com", got.AccessToken)
	assert.Equal(t, "rt-alice@contoso.com", got.RefreshToken)
	assert.Equal(t, testNow.Add(time.Hour), got.ExpiresAt)
	assert.Equal(t, testNow, got.CreatedAt)
	assert.Equal(t, testNow, got.UpdatedAt)
}

func TestSQLiteStore_UpsertKeepsCreatedAt(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "bob", time.Hour)))

	later := testNow.Add(48 * time.Hour)
	s.nowFunc = func() time.Time { return later }

	rec := sampleRecord(0, "bob", 72*time.Hour)
	rec.RefreshToken = "rt-rotated"
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)

	assert.Equal(t, "rt-rotated", got.RefreshToken)
	assert.Equal(t, testNow, got.CreatedAt)
	assert.Equal(t, later, got.UpdatedAt)
}

func TestSQLiteStore_AbsentAccessToken(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := sampleRecord(0, "carol", time.Hour)
	rec.AccessToken = ""
	require.NoError(t, s.Upsert(ctx, rec))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Empty(t, got.AccessToken)
}

func TestSQLiteStore_UpdateTokens(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := sampleRecord(1, "dave", time.Minute)
	require.NoError(t, s.Upsert(ctx, rec))

	newExpiry := testNow.Add(time.Hour)
	require.NoError(t, s.UpdateTokens(ctx, rec.Key, "at-new", "rt-new", newExpiry))

	got, err := s.Get(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "at-new", got.AccessToken)
	assert.Equal(t, "rt-new", got.RefreshToken)
	assert.Equal(t, newExpiry, got.ExpiresAt)
}

func TestSQLiteStore_UpdateTokensMissingRow(t *testing.T) {
	s := newTestSQLiteStore(t)

	err := s.UpdateTokens(context.Background(), Key{ScopeID: 9, Identity: "ghost"}, "a", "r", testNow)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListDue(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "expired", -time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "soon", 10*time.Minute)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "later", 48*time.Hour)))

	due, err := s.ListDue(ctx, testNow.Add(25*time.Hour))
	require.NoError(t, err)

	require.Len(t, due, 2)
	assert.Equal(t, "expired", due[0].Identity)
	assert.Equal(t, "soon", due[1].Identity)
}

func TestSQLiteStore_SameIdentityAcrossScopes(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "erin", time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(7, "erin", time.Hour)))
	require.NoError(t, s.Upsert(ctx, sampleRecord(7, "frank", time.Hour)))

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	n, err := s.DeleteByIdentity(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.DeleteByScope(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLiteStore_ReopenKeepsRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "credentials.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, sampleRecord(0, "gina", time.Hour)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, dbPath, testLogger(t))
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, Key{Identity: "gina"})
	require.NoError(t, err)
	assert.Equal(t, "rt-gina", got.RefreshToken)
}
