package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/zcop/sharepoint2/internal/credstore"
	"github.com/zcop/sharepoint2/internal/graph"
	"github.com/zcop/sharepoint2/internal/tokens"
)

// loginTimeout bounds the whole browser flow.
const loginTimeout = 10 * time.Minute

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize an identity in the browser and store its credentials",
		Long: `Runs the authorization code flow with PKCE against the configured app
registration and stores the resulting token set. The identity is read from
the token claims. Without --scope the credential is stored under the
selected mount's scope_id, or 0 (identity only) when no mount is selected.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().Int64("scope", -1, "scope id to store the credential under")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Delete stored credentials by scope or by identity",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}

	cmd.Flags().Int64("scope", -1, "delete every credential of this scope id")
	cmd.Flags().String("identity", "", "delete every credential of this identity")
	cmd.MarkFlagsMutuallyExclusive("scope", "identity")
	cmd.MarkFlagsOneRequired("scope", "identity")

	return cmd
}

func newCredentialsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "credentials",
		Short: "List stored credentials (token values are never shown)",
		Args:  cobra.NoArgs,
		RunE:  runCredentials,
	}
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token for the selected mount",
		Long: `Prints a currently valid access token for the selected mount's
credential, refreshing it first when it is about to expire.`,
		Args: cobra.NoArgs,
		RunE: runToken,
	}
}

func newRefreshDueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-due",
		Short: "Refresh every credential expiring within the sweep margin",
		Args:  cobra.NoArgs,
		RunE:  runRefreshDue,
	}

	cmd.Flags().Duration("margin", 0, "override tokens.sweep_margin")

	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	if err := cc.Cfg.RequireApp(); err != nil {
		return err
	}

	scopeID, err := loginScope(cmd, cc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), loginTimeout)
	defer cancel()

	app := appFromConfig(&cc.Cfg.App)

	tok, err := tokens.LoginWithBrowser(ctx, app, func(authURL string) error {
		// The URL must stay visible even with --quiet.
		fmt.Fprintf(os.Stderr, "Open this URL in a browser to sign in:\n\n  %s\n\n", authURL)
		return nil
	}, cc.Logger)
	if err != nil {
		return err
	}

	id, err := identityFor(ctx, cc, tok)
	if err != nil {
		return err
	}

	tenant := id.Tenant
	if tenant == "" {
		tenant = app.Tenant
	}

	store, err := openStore(ctx, &cc.Cfg.Store, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	key := credstore.Key{ScopeID: scopeID, Identity: id.Name}
	if err := newManager(store, cc.Cfg, cc.Logger, nil).StoreInitial(ctx, key, tenant, tok); err != nil {
		return err
	}

	cc.Logger.Info("login successful", slog.String("key", key.String()))
	cc.Statusf("Logged in as %s (scope %d).\n", id.Name, scopeID)

	return nil
}

// loginScope picks the scope id: --scope, else the selected mount's, else 0.
func loginScope(cmd *cobra.Command, cc *CLIContext) (int64, error) {
	if cmd.Flags().Changed("scope") {
		scope, err := cmd.Flags().GetInt64("scope")
		if err != nil {
			return 0, err
		}

		if scope < 0 {
			return 0, fmt.Errorf("%w: --scope must be >= 0", errUsage)
		}

		return scope, nil
	}

	if cc.Flags.Mount == "" && cc.Env.Mount == "" {
		return credstore.IdentityOnlyScope, nil
	}

	_, m, err := cc.Cfg.SelectMount(cc.Env, cc.CLIOverrides())
	if err != nil {
		return 0, err
	}

	return m.ScopeID, nil
}

// identityFor names the signed-in user from the token claims, falling back
// to the Graph /me endpoint for opaque tokens.
func identityFor(ctx context.Context, cc *CLIContext, tok *oauth2.Token) (tokens.Identity, error) {
	id, err := tokens.IdentityFromToken(tok)
	if err == nil {
		return id, nil
	}

	cc.Logger.Debug("no identity claim in token, asking Graph", slog.String("error", err.Error()))

	client := graph.NewClient(graph.DefaultBaseURL, nil, staticTokenSource(tok.AccessToken), cc.Logger, cc.Cfg.Network.UserAgent)

	user, err := client.Me(ctx)
	if err != nil {
		return tokens.Identity{}, fmt.Errorf("identifying signed-in user: %w", err)
	}

	return tokens.Identity{Name: user.Email}, nil
}

// staticTokenSource serves one fixed access token.
type staticTokenSource string

func (s staticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, &cc.Cfg.Store, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := newManager(store, cc.Cfg, cc.Logger, nil)

	var n int

	if cmd.Flags().Changed("scope") {
		scope, _ := cmd.Flags().GetInt64("scope")
		if scope < 0 {
			return fmt.Errorf("%w: --scope must be >= 0", errUsage)
		}

		n, err = mgr.RevokeScope(ctx, scope)
	} else {
		identity, _ := cmd.Flags().GetString("identity")
		n, err = mgr.RevokeIdentity(ctx, identity)
	}

	if err != nil {
		return err
	}

	cc.Statusf("Deleted %d credential(s).\n", n)

	return nil
}

// credentialJSON is the JSON schema for `credentials --json`.
type credentialJSON struct {
	ScopeID         int64     `json:"scope_id"`
	Identity        string    `json:"identity"`
	Tenant          string    `json:"tenant"`
	ExpiresAt       time.Time `json:"expires_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	HasAccessToken  bool      `json:"has_access_token"`
	HasRefreshToken bool      `json:"has_refresh_token"`
}

func runCredentials(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	store, err := openStore(ctx, &cc.Cfg.Store, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.List(ctx)

	var unreadable *credstore.UnreadableError
	if errors.As(err, &unreadable) {
		for _, row := range unreadable.Rows {
			cc.Logger.Warn("credential unreadable",
				slog.String("key", row.Key.String()),
				slog.String("error", row.Err.Error()),
			)
		}
	} else if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]credentialJSON, 0, len(recs))
		for i := range recs {
			out = append(out, toCredentialJSON(&recs[i]))
		}

		return printJSON(os.Stdout, out)
	}

	printCredentialsTable(os.Stdout, recs, time.Now())

	return nil
}

func toCredentialJSON(r *credstore.Record) credentialJSON {
	return credentialJSON{
		ScopeID:         r.ScopeID,
		Identity:        r.Identity,
		Tenant:          r.Tenant,
		ExpiresAt:       r.ExpiresAt,
		UpdatedAt:       r.UpdatedAt,
		HasAccessToken:  r.AccessToken != "",
		HasRefreshToken: r.RefreshToken != "",
	}
}

func runToken(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	rt, err := openMount(ctx, cc)
	if err != nil {
		return err
	}
	defer rt.Close()

	tok, err := rt.Manager.AccessToken(ctx, rt.Key, appFromConfig(&cc.Cfg.App))
	if err != nil {
		if errors.Is(err, tokens.ErrNoCredential) {
			return fmt.Errorf("no credential for %s: run 'sharepoint2 login --mount %s' first", rt.Key, rt.Name)
		}

		return err
	}

	fmt.Fprintln(os.Stdout, tok)

	return nil
}

func runRefreshDue(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	if err := cc.Cfg.RequireApp(); err != nil {
		return err
	}

	margin := cc.Cfg.Tokens.SweepMarginDuration()
	if cmd.Flags().Changed("margin") {
		margin, _ = cmd.Flags().GetDuration("margin")
	}

	store, err := openStore(ctx, &cc.Cfg.Store, cc.Logger)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := newManager(store, cc.Cfg, cc.Logger, nil).RefreshDue(ctx, appFromConfig(&cc.Cfg.App), margin)
	if err != nil {
		return err
	}

	return reportSweep(cc, report)
}

// reportSweep prints a sweep summary and fails when any row failed.
func reportSweep(cc *CLIContext, report *tokens.SweepReport) error {
	cc.Statusf("Refreshed %d of %d due credential(s).\n", report.Refreshed, report.Due)

	for _, f := range report.Failed {
		cc.Statusf("  %s: %v\n", f.Key, f.Err)
	}

	if len(report.Failed) > 0 {
		return fmt.Errorf("%d credential(s) failed to refresh", len(report.Failed))
	}

	return nil
}
