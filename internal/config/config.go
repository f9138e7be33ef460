// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for sharepoint2. Values flow through a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags). Each [mount.<name>] section describes one mounted document library.
package config

import (
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	App     AppConfig        `toml:"app"`
	Store   StoreConfig      `toml:"store"`
	Tokens  TokensConfig     `toml:"tokens"`
	Network NetworkConfig    `toml:"network"`
	Logging LoggingConfig    `toml:"logging"`
	Metrics MetricsConfig    `toml:"metrics"`
	Mounts  map[string]Mount `toml:"mount"`
}

// AppConfig is the Azure AD application registration used for every
// identity. The client secret is usually supplied through the environment.
type AppConfig struct {
	Tenant       string `toml:"tenant"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURI  string `toml:"redirect_uri"`
}

// StoreConfig selects the credential store backend.
type StoreConfig struct {
	Backend             string `toml:"backend"`
	Path                string `toml:"path"`
	DynamoDBTable       string `toml:"dynamodb_table"`
	DynamoDBExpiryIndex string `toml:"dynamodb_expiry_index"`
	Region              string `toml:"region"`
	KMSKeyID            string `toml:"kms_key_id"`
}

// TokensConfig controls the token lifecycle manager and the refresh sweep.
type TokensConfig struct {
	RefreshMargin    string `toml:"refresh_margin"`
	SweepMargin      string `toml:"sweep_margin"`
	SweepInterval    string `toml:"sweep_interval"`
	SweepWorkers     int    `toml:"sweep_workers"`
	SerializeRefresh bool   `toml:"serialize_refresh"`
}

// NetworkConfig controls HTTP client behavior. Metadata calls and content
// downloads use separate clients with separate timeouts.
type NetworkConfig struct {
	MetadataTimeout   string  `toml:"metadata_timeout"`
	DownloadTimeout   string  `toml:"download_timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	UserAgent         string  `toml:"user_agent"`
	MaxDownloadSize   string  `toml:"max_download_size"`
	TempDir           string  `toml:"temp_dir"`
}

// LoggingConfig controls log output: level, format, and destination.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// MetricsConfig controls the Prometheus endpoint started by serve.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Mount is one [mount.<name>] section.
type Mount struct {
	SiteURL  string `toml:"site_url"`
	Library  string `toml:"library"`
	Identity string `toml:"identity"`
	ScopeID  int64  `toml:"scope_id"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	Mount      string // --mount flag (empty = use env or the only mount)
}

// RefreshMarginDuration returns the parsed tokens.refresh_margin.
func (t *TokensConfig) RefreshMarginDuration() time.Duration {
	return durationOr(t.RefreshMargin, defaultRefreshMargin)
}

// SweepMarginDuration returns the parsed tokens.sweep_margin.
func (t *TokensConfig) SweepMarginDuration() time.Duration {
	return durationOr(t.SweepMargin, defaultSweepMargin)
}

// SweepIntervalDuration returns the parsed tokens.sweep_interval.
func (t *TokensConfig) SweepIntervalDuration() time.Duration {
	return durationOr(t.SweepInterval, defaultSweepInterval)
}

// MetadataTimeoutDuration returns the parsed network.metadata_timeout.
func (n *NetworkConfig) MetadataTimeoutDuration() time.Duration {
	return durationOr(n.MetadataTimeout, defaultMetadataTimeout)
}

// DownloadTimeoutDuration returns the parsed network.download_timeout.
func (n *NetworkConfig) DownloadTimeoutDuration() time.Duration {
	return durationOr(n.DownloadTimeout, defaultDownloadTimeout)
}

// MaxDownloadBytes returns the parsed network.max_download_size.
func (n *NetworkConfig) MaxDownloadBytes() int64 {
	size, err := ParseSize(n.MaxDownloadSize)
	if err != nil {
		size, _ = ParseSize(defaultMaxDownloadSize)
	}

	return size
}

// durationOr parses s, falling back to def. Validate rejects unparseable
// values, so the fallback only covers configs that skipped validation.
func durationOr(s, def string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(def)
	}

	return d
}
