package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig       = "SHAREPOINT2_CONFIG"
	EnvMount        = "SHAREPOINT2_MOUNT"
	EnvClientSecret = "SHAREPOINT2_CLIENT_SECRET"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // SHAREPOINT2_CONFIG: override config file path
	Mount        string // SHAREPOINT2_MOUNT: selected mount name
	ClientSecret string // SHAREPOINT2_CLIENT_SECRET: app.client_secret
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		Mount:        os.Getenv(EnvMount),
		ClientSecret: os.Getenv(EnvClientSecret),
	}
}

// apply copies environment values that live inside the Config.
func (e EnvOverrides) apply(cfg *Config) {
	if e.ClientSecret != "" {
		cfg.App.ClientSecret = e.ClientSecret
	}
}
