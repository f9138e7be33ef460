package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minRefreshMargin   = 10 * time.Second
	minSweepInterval   = time.Minute
	minSweepWorkers    = 1
	maxSweepWorkers    = 64
	minMetadataTimeout = time.Second
	minDownloadTimeout = 5 * time.Second
	maxBurst           = 1000
)

// ErrAppIncomplete is returned by RequireApp when the app registration is
// missing a field needed to talk to the token endpoint.
var ErrAppIncomplete = errors.New("config: [app] is incomplete")

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateApp(&cfg.App)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateTokens(&cfg.Tokens)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateMounts(cfg.Mounts)...)

	return errors.Join(errs...)
}

// RequireApp checks the fields every token operation needs. It is separate
// from Validate because listing or revoking credentials works without them.
func (c *Config) RequireApp() error {
	var errs []error

	if c.App.Tenant == "" {
		errs = append(errs, errors.New("app.tenant: required"))
	}

	if c.App.ClientID == "" {
		errs = append(errs, errors.New("app.client_id: required"))
	}

	if c.App.ClientSecret == "" {
		errs = append(errs, fmt.Errorf("app.client_secret: required (or set %s)", EnvClientSecret))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrAppIncomplete, errors.Join(errs...))
	}

	return nil
}

func validateApp(a *AppConfig) []error {
	if a.RedirectURI == "" {
		return nil
	}

	u, err := url.Parse(a.RedirectURI)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return []error{fmt.Errorf("app.redirect_uri: must be an absolute URL, got %q", a.RedirectURI)}
	}

	return nil
}

func validateStore(s *StoreConfig) []error {
	var errs []error

	switch lowerTrim(s.Backend) {
	case BackendSQLite:
		if s.Path == "" {
			errs = append(errs, errors.New("store.path: required for the sqlite backend"))
		}
	case BackendDynamoDB:
		if s.DynamoDBTable == "" {
			errs = append(errs, errors.New("store.dynamodb_table: required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: must be one of %s, %s; got %q",
			BackendSQLite, BackendDynamoDB, s.Backend))
	}

	return errs
}

func validateTokens(t *TokensConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("tokens.refresh_margin", t.RefreshMargin, minRefreshMargin)...)
	errs = append(errs, validateDuration("tokens.sweep_margin", t.SweepMargin, minRefreshMargin)...)
	errs = append(errs, validateDuration("tokens.sweep_interval", t.SweepInterval, minSweepInterval)...)

	if t.SweepWorkers < minSweepWorkers || t.SweepWorkers > maxSweepWorkers {
		errs = append(errs, fmt.Errorf("tokens.sweep_workers: must be between %d and %d, got %d",
			minSweepWorkers, maxSweepWorkers, t.SweepWorkers))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDuration("network.metadata_timeout", n.MetadataTimeout, minMetadataTimeout)...)
	errs = append(errs, validateDuration("network.download_timeout", n.DownloadTimeout, minDownloadTimeout)...)

	if n.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("network.requests_per_second: must be >= 0, got %v", n.RequestsPerSecond))
	}

	if n.Burst < 0 || n.Burst > maxBurst {
		errs = append(errs, fmt.Errorf("network.burst: must be between 0 and %d, got %d", maxBurst, n.Burst))
	}

	if _, err := ParseSize(n.MaxDownloadSize); err != nil {
		errs = append(errs, fmt.Errorf("network.max_download_size: %w", err))
	}

	return errs
}

func validateDuration(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q", field, value)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateMounts(mounts map[string]Mount) []error {
	var errs []error

	for _, name := range sortedKeys(mounts) {
		m := mounts[name]
		where := fmt.Sprintf("mount.%s", name)

		if m.SiteURL == "" {
			errs = append(errs, fmt.Errorf("%s.site_url: required", where))
		} else if u, err := url.Parse(m.SiteURL); err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.site_url: must be an https URL, got %q", where, m.SiteURL))
		}

		if m.Identity == "" {
			errs = append(errs, fmt.Errorf("%s.identity: required", where))
		}

		if m.ScopeID < 0 {
			errs = append(errs, fmt.Errorf("%s.scope_id: must be >= 0, got %d", where, m.ScopeID))
		}
	}

	return errs
}

func sortedKeys(mounts map[string]Mount) []string {
	c := Config{Mounts: mounts}
	return c.MountNames()
}

// lowerTrim normalizes enum values before comparison.
func lowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
