package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/zcop/sharepoint2/internal/config"
	"github.com/zcop/sharepoint2/internal/credstore"
	"github.com/zcop/sharepoint2/internal/driveops"
	"github.com/zcop/sharepoint2/internal/graph"
	"github.com/zcop/sharepoint2/internal/storage"
	"github.com/zcop/sharepoint2/internal/tokens"
)

// storeDirPermissions is used when creating the SQLite store's directory.
const storeDirPermissions = 0o700

// openStore opens the configured credential store backend, wrapped with a
// KMS sealer when store.kms_key_id is set.
func openStore(ctx context.Context, sc *config.StoreConfig, logger *slog.Logger) (credstore.Store, error) {
	var (
		store credstore.Store
		err   error
	)

	switch sc.Backend {
	case config.BackendSQLite:
		store, err = openSQLiteStore(ctx, sc.Path, logger)
	case config.BackendDynamoDB:
		store, err = openDynamoStore(ctx, sc, logger)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", sc.Backend)
	}

	if err != nil {
		return nil, err
	}

	if sc.KMSKeyID == "" {
		return store, nil
	}

	awsCfg, err := loadAWSConfig(ctx, sc.Region)
	if err != nil {
		store.Close()
		return nil, err
	}

	logger.Debug("sealing tokens with KMS", slog.String("key_id", sc.KMSKeyID))

	return credstore.WithSealer(store, credstore.NewKMSSealer(kms.NewFromConfig(awsCfg), sc.KMSKeyID)), nil
}

func openSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (credstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPermissions); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	return credstore.NewSQLiteStore(ctx, path, logger)
}

func openDynamoStore(ctx context.Context, sc *config.StoreConfig, logger *slog.Logger) (credstore.Store, error) {
	awsCfg, err := loadAWSConfig(ctx, sc.Region)
	if err != nil {
		return nil, err
	}

	return credstore.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), sc.DynamoDBTable, sc.DynamoDBExpiryIndex, logger), nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}

	return awsCfg, nil
}

// appFromConfig builds the token app registration from [app].
func appFromConfig(ac *config.AppConfig) tokens.App {
	return tokens.App{
		Tenant:       ac.Tenant,
		ClientID:     ac.ClientID,
		ClientSecret: ac.ClientSecret,
		RedirectURL:  ac.RedirectURI,
	}
}

// newManager builds the token lifecycle manager from [tokens].
func newManager(
	store credstore.Store, cfg *config.Config, logger *slog.Logger, observer tokens.Observer,
) *tokens.Manager {
	opts := []tokens.Option{
		tokens.WithMargin(cfg.Tokens.RefreshMarginDuration()),
		tokens.WithSweepWorkers(cfg.Tokens.SweepWorkers),
	}

	if cfg.Tokens.SerializeRefresh {
		opts = append(opts, tokens.WithSerializedRefresh())
	}

	if observer != nil {
		opts = append(opts, tokens.WithObserver(observer))
	}

	refresher := tokens.NewHTTPRefresher(&http.Client{Timeout: cfg.Network.MetadataTimeoutDuration()}, logger)

	return tokens.NewManager(store, refresher, logger, opts...)
}

// newSessionProvider builds a SessionProvider from [network]. Metadata
// calls and downloads use separate clients with separate timeouts.
func newSessionProvider(nc *config.NetworkConfig, logger *slog.Logger, observer graph.RequestObserver) *driveops.SessionProvider {
	opts := []graph.Option{graph.WithRateLimit(nc.RequestsPerSecond, nc.Burst)}
	if observer != nil {
		opts = append(opts, graph.WithObserver(observer))
	}

	return driveops.NewSessionProvider(
		&http.Client{Timeout: nc.MetadataTimeoutDuration()},
		&http.Client{Timeout: nc.DownloadTimeoutDuration()},
		nc.UserAgent,
		logger,
		opts...,
	)
}

func mountKey(m config.Mount) credstore.Key {
	return credstore.Key{ScopeID: m.ScopeID, Identity: m.Identity}
}

// buildAdapter wires a session and storage adapter for one mount, drawing
// tokens from mgr.
func buildAdapter(
	cfg *config.Config, m config.Mount, mgr *tokens.Manager, logger *slog.Logger, observer graph.RequestObserver,
) (*driveops.Session, *storage.Adapter) {
	provider := newSessionProvider(&cfg.Network, logger, observer)
	session := provider.Session(
		driveops.Mount{SiteURL: m.SiteURL, LibraryPath: m.Library},
		mgr.Source(mountKey(m), appFromConfig(&cfg.App)),
	)

	adapter := storage.New(session, logger,
		storage.WithMaxDownloadSize(cfg.Network.MaxDownloadBytes()),
		storage.WithTempDir(cfg.Network.TempDir),
	)

	return session, adapter
}

// mountRuntime is everything a file command needs for one mount.
type mountRuntime struct {
	Name    string
	Mount   config.Mount
	Key     credstore.Key
	Manager *tokens.Manager
	Session *driveops.Session
	Adapter *storage.Adapter

	store credstore.Store
}

// Close releases the credential store.
func (r *mountRuntime) Close() error {
	return r.store.Close()
}

// openMount resolves the selected mount and wires store, manager, session
// and adapter together. Nothing remote is contacted yet.
func openMount(ctx context.Context, cc *CLIContext) (*mountRuntime, error) {
	if err := cc.Cfg.RequireApp(); err != nil {
		return nil, err
	}

	name, m, err := cc.Cfg.SelectMount(cc.Env, cc.CLIOverrides())
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, &cc.Cfg.Store, cc.Logger)
	if err != nil {
		return nil, err
	}

	mgr := newManager(store, cc.Cfg, cc.Logger, nil)
	key := mountKey(m)
	session, adapter := buildAdapter(cc.Cfg, m, mgr, cc.Logger, nil)

	cc.Logger.Debug("mount opened",
		slog.String("mount", name),
		slog.String("identity", m.Identity),
		slog.Int64("scope_id", m.ScopeID),
	)

	return &mountRuntime{
		Name:    name,
		Mount:   m,
		Key:     key,
		Manager: mgr,
		Session: session,
		Adapter: adapter,
		store:   store,
	}, nil
}
