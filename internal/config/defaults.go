package config

import "path/filepath"

// Default values for configuration options. These are layer 0 of the
// override chain.
const (
	defaultBackend           = BackendSQLite
	defaultRedirectURI       = "http://localhost:53682/callback"
	defaultRefreshMargin     = "120s"
	defaultSweepMargin       = "25h"
	defaultSweepInterval     = "24h"
	defaultSweepWorkers      = 4
	defaultMetadataTimeout   = "30s"
	defaultDownloadTimeout   = "10m"
	defaultRequestsPerSecond = 10
	defaultBurst             = 15
	defaultUserAgent         = "sharepoint2/dev"
	defaultMaxDownloadSize   = "2GiB"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultTenant            = "organizations"
	credentialsDBName        = "credentials.db"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		App:     defaultAppConfig(),
		Store:   defaultStoreConfig(),
		Tokens:  defaultTokensConfig(),
		Network: defaultNetworkConfig(),
		Logging: defaultLoggingConfig(),
		Mounts:  make(map[string]Mount),
	}
}

func defaultAppConfig() AppConfig {
	return AppConfig{
		Tenant:      defaultTenant,
		RedirectURI: defaultRedirectURI,
	}
}

func defaultStoreConfig() StoreConfig {
	path := ""
	if dir := DefaultDataDir(); dir != "" {
		path = filepath.Join(dir, credentialsDBName)
	}

	return StoreConfig{
		Backend: defaultBackend,
		Path:    path,
	}
}

func defaultTokensConfig() TokensConfig {
	return TokensConfig{
		RefreshMargin: defaultRefreshMargin,
		SweepMargin:   defaultSweepMargin,
		SweepInterval: defaultSweepInterval,
		SweepWorkers:  defaultSweepWorkers,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		MetadataTimeout:   defaultMetadataTimeout,
		DownloadTimeout:   defaultDownloadTimeout,
		RequestsPerSecond: defaultRequestsPerSecond,
		Burst:             defaultBurst,
		UserAgent:         defaultUserAgent,
		MaxDownloadSize:   defaultMaxDownloadSize,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
