package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Mount selection errors.
var (
	ErrNoMounts       = errors.New("config: no [mount.<name>] sections configured")
	ErrUnknownMount   = errors.New("config: unknown mount")
	ErrAmbiguousMount = errors.New("config: several mounts configured; select one with --mount")
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if cfg.Mounts == nil {
		cfg.Mounts = make(map[string]Mount)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)
	cfg.Logging.LogFile = expandTilde(cfg.Logging.LogFile)
	cfg.Network.TempDir = expandTilde(cfg.Network.TempDir)
	cfg.Store.Backend = lowerTrim(cfg.Store.Backend)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the override chain: defaults -> config file ->
// environment -> CLI flags. It returns the config and the path it was
// loaded from, which callers keep for reloads.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	env.apply(cfg)

	return cfg, cfgPath, nil
}

// SelectMount picks a mount by name: the CLI flag wins over the
// environment. With neither set, the only configured mount is chosen.
func (c *Config) SelectMount(env EnvOverrides, cli CLIOverrides) (string, Mount, error) {
	name := cli.Mount
	if name == "" {
		name = env.Mount
	}

	if len(c.Mounts) == 0 {
		return "", Mount{}, ErrNoMounts
	}

	if name == "" {
		if len(c.Mounts) > 1 {
			return "", Mount{}, fmt.Errorf("%w (have %s)", ErrAmbiguousMount, strings.Join(c.MountNames(), ", "))
		}

		for n, m := range c.Mounts {
			return n, m, nil
		}
	}

	m, ok := c.Mounts[name]
	if !ok {
		if s := closestMatch(name, c.MountNames()); s != "" {
			return "", Mount{}, fmt.Errorf("%w %q, did you mean %q?", ErrUnknownMount, name, s)
		}

		return "", Mount{}, fmt.Errorf("%w %q", ErrUnknownMount, name)
	}

	return name, m, nil
}

// MountNames returns the configured mount names, sorted.
func (c *Config) MountNames() []string {
	names := make([]string, 0, len(c.Mounts))
	for n := range c.Mounts {
		names = append(names, n)
	}

	sort.Strings(names)

	return names
}
