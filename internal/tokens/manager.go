package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/zcop/sharepoint2/internal/credstore"
)

// Defaults for Manager options.
const (
	DefaultMargin       = 120 * time.Second
	DefaultSweepWorkers = 4

	// sharedRefreshTimeout bounds a serialized refresh once it no longer
	// follows the first caller's context.
	sharedRefreshTimeout = 2 * time.Minute
)

// Observer receives token lifecycle events (metrics).
type Observer interface {
	ObserveTokenServed(refreshed bool)
	ObserveRefresh(err error, elapsed time.Duration)
}

// Manager serves valid access tokens from a credential store, refreshing
// them through a Refresher when they are within the margin of expiry.
//
// By default concurrent callers for the same key are not serialized: both
// may refresh, and the last write wins. WithSerializedRefresh collapses
// concurrent refreshes of one key into a single call.
type Manager struct {
	store     credstore.Store
	refresher Refresher
	logger    *slog.Logger
	margin    time.Duration
	workers   int
	group     *singleflight.Group
	observer  Observer
	nowFunc   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMargin sets how long before expiry a cached token stops being served.
func WithMargin(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.margin = d
		}
	}
}

// WithSweepWorkers bounds the number of parallel refreshes in RefreshDue.
func WithSweepWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithSerializedRefresh makes concurrent AccessToken calls for one key
// share a single check-then-refresh sequence.
func WithSerializedRefresh() Option {
	return func(m *Manager) {
		m.group = &singleflight.Group{}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// NewManager creates a Manager.
func NewManager(store credstore.Store, refresher Refresher, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:     store,
		refresher: refresher,
		logger:    logger,
		margin:    DefaultMargin,
		workers:   DefaultSweepWorkers,
		nowFunc:   time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// AccessToken returns a currently valid access token for key. A cached
// token outside the margin is returned without any remote call; otherwise
// one refresh is attempted. Failures are not retried here.
func (m *Manager) AccessToken(ctx context.Context, key credstore.Key, app App) (string, error) {
	if m.group == nil {
		return m.accessToken(ctx, key, app)
	}

	// The shared call outlives any single caller: a cancelled caller leaves
	// while the others still get the result.
	ch := m.group.DoChan(key.String(), func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedRefreshTimeout)
		defer cancel()

		return m.accessToken(shared, key, app)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}

		return res.Val.(string), nil
	}
}

func (m *Manager) accessToken(ctx context.Context, key credstore.Key, app App) (string, error) {
	rec, err := m.store.Get(ctx, key)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", fmt.Errorf("%w for %s", ErrNoCredential, key)
	}

	if err != nil {
		return "", fmt.Errorf("tokens: loading credential %s: %w", key, err)
	}

	if m.fresh(rec) {
		m.observeServed(false)

		return rec.AccessToken, nil
	}

	tok, err := m.refresh(ctx, rec, app)
	if err != nil {
		return "", err
	}

	m.observeServed(true)

	return tok.AccessToken, nil
}

// fresh reports whether rec's access token may be served as is.
func (m *Manager) fresh(rec *credstore.Record) bool {
	return rec.AccessToken != "" && m.nowFunc().Before(rec.ExpiresAt.Add(-m.margin))
}

// refresh redeems rec's refresh token and persists the result, including
// the rotated refresh token.
func (m *Manager) refresh(ctx context.Context, rec *credstore.Record, app App) (*oauth2.Token, error) {
	if rec.RefreshToken == "" {
		m.logger.Error("credential cannot be refreshed",
			slog.Int64("scope_id", rec.ScopeID),
			slog.String("identity", rec.Identity),
		)

		return nil, fmt.Errorf("%w: %s", ErrNoRefreshToken, rec.Key)
	}

	tenant := rec.Tenant
	if tenant == "" {
		tenant = app.Tenant
	}

	start := m.nowFunc()
	tok, err := m.refresher.Refresh(ctx, rec.RefreshToken, tenant, app)
	m.observeRefresh(err, m.nowFunc().Sub(start))

	if err != nil {
		m.logger.Warn("token refresh failed",
			slog.Int64("scope_id", rec.ScopeID),
			slog.String("identity", rec.Identity),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("tokens: refreshing %s: %w", rec.Key, err)
	}

	if err := m.store.UpdateTokens(ctx, rec.Key, tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		return nil, fmt.Errorf("tokens: storing refreshed credential %s: %w", rec.Key, err)
	}

	m.logger.Info("token refreshed",
		slog.Int64("scope_id", rec.ScopeID),
		slog.String("identity", rec.Identity),
		slog.Time("expires_at", tok.Expiry),
		slog.Bool("refresh_token_rotated", tok.RefreshToken != rec.RefreshToken),
	)

	return tok, nil
}

// SweepFailure is one row RefreshDue could not refresh.
type SweepFailure struct {
	Key credstore.Key
	Err error
}

// SweepReport summarizes one RefreshDue run.
type SweepReport struct {
	Due       int
	Refreshed int
	Failed    []SweepFailure
}

// RefreshDue refreshes every credential expiring within margin. Rows are
// refreshed independently and in parallel; a failed row is logged and
// reported without stopping the others. Rows the store cannot decode count
// as failures too. Only a failure to list the due rows is returned as an
// error.
func (m *Manager) RefreshDue(ctx context.Context, app App, margin time.Duration) (*SweepReport, error) {
	deadline := m.nowFunc().Add(margin)

	due, err := m.store.ListDue(ctx, deadline)

	var unreadable *credstore.UnreadableError
	if err != nil && !errors.As(err, &unreadable) {
		return nil, fmt.Errorf("tokens: listing due credentials: %w", err)
	}

	report := &SweepReport{Due: len(due)}

	if unreadable != nil {
		report.Due += len(unreadable.Rows)

		for _, row := range unreadable.Rows {
			m.logger.Error("due credential unreadable",
				slog.Int64("scope_id", row.Key.ScopeID),
				slog.String("identity", row.Key.Identity),
				slog.String("error", row.Err.Error()),
			)

			report.Failed = append(report.Failed, SweepFailure{Key: row.Key, Err: row.Err})
		}
	}

	m.logger.Info("sweep started",
		slog.Int("due", report.Due),
		slog.Time("deadline", deadline),
	)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	g.SetLimit(m.workers)

	for i := range due {
		rec := &due[i]

		g.Go(func() error {
			_, err := m.refresh(ctx, rec, app)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				report.Failed = append(report.Failed, SweepFailure{Key: rec.Key, Err: err})
				return nil
			}

			report.Refreshed++

			return nil
		})
	}

	_ = g.Wait() // workers never return errors

	m.logger.Info("sweep finished",
		slog.Int("due", report.Due),
		slog.Int("refreshed", report.Refreshed),
		slog.Int("failed", len(report.Failed)),
	)

	return report, nil
}

// StoreInitial persists the token set produced by the authorization-code
// exchange as the credential for key.
func (m *Manager) StoreInitial(ctx context.Context, key credstore.Key, tenant string, tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" || tok.RefreshToken == "" {
		return ErrMissingToken
	}

	rec := &credstore.Record{
		Key:          key,
		Tenant:       tenant,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}

	if err := m.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("tokens: storing initial credential %s: %w", key, err)
	}

	m.logger.Info("credential stored",
		slog.Int64("scope_id", key.ScopeID),
		slog.String("identity", key.Identity),
		slog.Time("expires_at", tok.Expiry),
	)

	return nil
}

// RevokeScope deletes every credential of a mount scope.
func (m *Manager) RevokeScope(ctx context.Context, scopeID int64) (int, error) {
	n, err := m.store.DeleteByScope(ctx, scopeID)
	if err != nil {
		return 0, fmt.Errorf("tokens: revoking scope %d: %w", scopeID, err)
	}

	return n, nil
}

// RevokeIdentity deletes every credential of an identity.
func (m *Manager) RevokeIdentity(ctx context.Context, identity string) (int, error) {
	n, err := m.store.DeleteByIdentity(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("tokens: revoking identity %s: %w", identity, err)
	}

	return n, nil
}

// Source binds the manager to one key and app. The result satisfies the
// graph client's TokenSource; each Token call runs the full acquisition
// sequence, so a failure is never cached.
func (m *Manager) Source(key credstore.Key, app App) *Source {
	return &Source{manager: m, key: key, app: app}
}

// Source is a per-key token source.
type Source struct {
	manager *Manager
	key     credstore.Key
	app     App
}

// Token returns a valid access token.
func (s *Source) Token(ctx context.Context) (string, error) {
	return s.manager.AccessToken(ctx, s.key, s.app)
}

func (m *Manager) observeServed(refreshed bool) {
	if m.observer != nil {
		m.observer.ObserveTokenServed(refreshed)
	}
}

func (m *Manager) observeRefresh(err error, elapsed time.Duration) {
	if m.observer != nil {
		m.observer.ObserveRefresh(err, elapsed)
	}
}
