package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for credential operations.
const (
	sqlSelectColumns = `SELECT scope_id, identity, tenant, access_token, refresh_token,
		expires_at, created_at, updated_at FROM credentials`

	sqlGetCredential = sqlSelectColumns + ` WHERE scope_id = ? AND identity = ?`

	sqlListDue = sqlSelectColumns + ` WHERE expires_at <= ? ORDER BY expires_at, scope_id, identity`

	sqlListAll = sqlSelectColumns + ` ORDER BY scope_id, identity`

	sqlUpsertCredential = `INSERT INTO credentials
		(scope_id, identity, tenant, access_token, refresh_token, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_id, identity) DO UPDATE SET
		 tenant = excluded.tenant,
		 access_token = excluded.access_token,
		 refresh_token = excluded.refresh_token,
		 expires_at = excluded.expires_at,
		 updated_at = excluded.updated_at`

	sqlUpdateTokens = `UPDATE credentials SET
		 access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ?
		 WHERE scope_id = ? AND identity = ?` //nolint:gosec // G101: column names, not credentials

	sqlDeleteByScope = `DELETE FROM credentials WHERE scope_id = ?`

	sqlDeleteByIdentity = `DELETE FROM credentials WHERE identity = ?`
)

// SQLiteStore is the default Store, backed by a local SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// NewSQLiteStore opens the SQLite database at dbPath, runs migrations, and
// returns a ready-to-use store. The database uses WAL mode with
// synchronous=FULL so a refreshed token survives a crash right after commit.
func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("credstore: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("credential store initialized", slog.String("db_path", dbPath))

	return &SQLiteStore{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Get returns the credential for key.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, sqlGetCredential, key.ScopeID, key.Identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: getting credential %s: %w", key, err)
	}

	return rec, nil
}

// Upsert inserts or overwrites the credential for rec.Key.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	now := s.nowFunc().Unix()

	_, err := s.db.ExecContext(ctx, sqlUpsertCredential,
		rec.ScopeID, rec.Identity, rec.Tenant, nullString(rec.AccessToken), rec.RefreshToken,
		rec.ExpiresAt.Unix(), now, now,
	)
	if err != nil {
		return fmt.Errorf("credstore: upserting credential %s: %w", rec.Key, err)
	}

	s.logger.Debug("credential stored",
		slog.Int64("scope_id", rec.ScopeID),
		slog.String("identity", rec.Identity),
		slog.Time("expires_at", rec.ExpiresAt),
	)

	return nil
}

// UpdateTokens overwrites the token fields of an existing row.
func (s *SQLiteStore) UpdateTokens(
	ctx context.Context, key Key, accessToken, refreshToken string, expiresAt time.Time,
) error {
	res, err := s.db.ExecContext(ctx, sqlUpdateTokens,
		nullString(accessToken), refreshToken, expiresAt.Unix(), s.nowFunc().Unix(),
		key.ScopeID, key.Identity,
	)
	if err != nil {
		return fmt.Errorf("credstore: updating tokens for %s: %w", key, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credstore: updating tokens for %s: %w", key, err)
	}

	if n == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDue returns rows expiring at or before deadline.
func (s *SQLiteStore) ListDue(ctx context.Context, deadline time.Time) ([]Record, error) {
	return s.query(ctx, "listing due credentials", sqlListDue, deadline.Unix())
}

// List returns every stored credential.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	return s.query(ctx, "listing credentials", sqlListAll)
}

// DeleteByScope removes every credential of a scope.
func (s *SQLiteStore) DeleteByScope(ctx context.Context, scopeID int64) (int, error) {
	return s.exec(ctx, "deleting credentials by scope", sqlDeleteByScope, scopeID)
}

// DeleteByIdentity removes every credential of an identity.
func (s *SQLiteStore) DeleteByIdentity(ctx context.Context, identity string) (int, error) {
	return s.exec(ctx, "deleting credentials by identity", sqlDeleteByIdentity, identity)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, what, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("credstore: %s: %w", what, err)
	}
	defer rows.Close()

	var out []Record

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("credstore: %s: %w", what, err)
		}

		out = append(out, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credstore: %s: %w", what, err)
	}

	return out, nil
}

func (s *SQLiteStore) exec(ctx context.Context, what, query string, arg any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, arg)
	if err != nil {
		return 0, fmt.Errorf("credstore: %s: %w", what, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("credstore: %s: %w", what, err)
	}

	s.logger.Info("credentials deleted", slog.String("op", what), slog.Int64("rows", n))

	return int(n), nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                            Record
		access                         sql.NullString
		expiresAt, createdAt, updateAt int64
	)

	err := row.Scan(&rec.ScopeID, &rec.Identity, &rec.Tenant, &access, &rec.RefreshToken,
		&expiresAt, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}

	rec.AccessToken = access.String
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updateAt, 0).UTC()

	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
