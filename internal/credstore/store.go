// Package credstore persists OAuth2 credentials, one row per (scope, identity).
//
// The store holds no token logic: it loads, upserts, lists and deletes rows.
// Deciding when a row must be refreshed belongs to the tokens package.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no credential exists for a key.
var ErrNotFound = errors.New("credstore: credential not found")

// RowError is one stored row that could not be decoded.
type RowError struct {
	Key Key
	Err error
}

// UnreadableError is returned by a listing that skipped undecodable rows.
// The rows that could be read are returned alongside it.
type UnreadableError struct {
	Rows []RowError
}

func (e *UnreadableError) Error() string {
	if len(e.Rows) == 1 {
		return fmt.Sprintf("credstore: credential %s unreadable: %v", e.Rows[0].Key, e.Rows[0].Err)
	}

	return fmt.Sprintf("credstore: %d credentials unreadable (first %s: %v)",
		len(e.Rows), e.Rows[0].Key, e.Rows[0].Err)
}

// IdentityOnlyScope is the scope id of credentials that are not tied to a
// particular mount.
const IdentityOnlyScope int64 = 0

// Key identifies one credential row.
type Key struct {
	ScopeID  int64
	Identity string
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%s", k.ScopeID, k.Identity)
}

// Record is one stored credential. AccessToken may be empty; RefreshToken
// is required for any refresh.
type Record struct {
	Key

	Tenant       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store is the persistence contract shared by every backend. Mutations are
// last-write-wins: concurrent refreshes of one key are not serialized here.
type Store interface {
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// Upsert inserts rec or overwrites the tenant, tokens and expiry of an
	// existing row with the same key. CreatedAt of an existing row is kept.
	Upsert(ctx context.Context, rec *Record) error

	// UpdateTokens overwrites the tokens and expiry of an existing row.
	// Returns ErrNotFound when the row has been deleted in the meantime.
	UpdateTokens(ctx context.Context, key Key, accessToken, refreshToken string, expiresAt time.Time) error

	// ListDue returns every row whose expiry is at or before deadline,
	// soonest first. Rows that were found but could not be decoded are
	// reported through an *UnreadableError next to the readable rows.
	ListDue(ctx context.Context, deadline time.Time) ([]Record, error)

	// List returns every row, with the same *UnreadableError contract as
	// ListDue.
	List(ctx context.Context) ([]Record, error)

	// DeleteByScope removes every row of a scope and reports how many went.
	DeleteByScope(ctx context.Context, scopeID int64) (int, error)

	// DeleteByIdentity removes every row of an identity across scopes.
	DeleteByIdentity(ctx context.Context, identity string) (int, error)

	Close() error
}
