package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/zcop/sharepoint2/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Flags holds the global persistent flags.
type Flags struct {
	ConfigPath string
	Mount      string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is what every subcommand receives after the root pre-run: the
// resolved config, the overrides it came from, and a configured logger.
type CLIContext struct {
	Flags   Flags
	Cfg     *config.Config
	CfgPath string
	Env     config.EnvOverrides
	Logger  *slog.Logger

	logCloser io.Closer
}

type cliContextKey struct{}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// CLIOverrides returns the flag layer of the config override chain.
func (cc *CLIContext) CLIOverrides() config.CLIOverrides {
	return config.CLIOverrides{ConfigPath: cc.Flags.ConfigPath, Mount: cc.Flags.Mount}
}

// mustCLIContext returns the CLIContext stored by the root pre-run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds the root command with all subcommands registered.
func newRootCmd() *cobra.Command {
	var flags Flags

	cmd := &cobra.Command{
		Use:   "sharepoint2",
		Short: "Read-only SharePoint document library access",
		Long: `sharepoint2 exposes SharePoint document libraries as a read-only file
store and keeps a pool of per-identity OAuth2 credentials fresh.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			if cc.logCloser != nil {
				return cc.logCloser.Close()
			}

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flags.Mount, "mount", "", "mount name ([mount.<name>] section)")
	cmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newCredentialsCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newRefreshDueCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newCatCmd())
	cmd.AddCommand(newGetCmd())

	return cmd
}

// loadCLIContext resolves the config override chain and builds the logger.
func loadCLIContext(flags Flags) (*CLIContext, error) {
	env := config.ReadEnvOverrides()

	cfg, path, err := config.Resolve(env, config.CLIOverrides{ConfigPath: flags.ConfigPath, Mount: flags.Mount})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closer, err := buildLogger(&cfg.Logging, flags, os.Stderr)
	if err != nil {
		return nil, err
	}

	logger.Debug("config loaded", slog.String("path", path))

	return &CLIContext{
		Flags:     flags,
		Cfg:       cfg,
		CfgPath:   path,
		Env:       env,
		Logger:    logger,
		logCloser: closer,
	}, nil
}

// buildLogger creates an slog.Logger from the [logging] section and CLI
// flags. --verbose and --quiet override the configured level. With
// log_format "auto" the output is text on a terminal and JSON otherwise.
// When log_file is set, output goes there instead of stderr and the
// returned closer must be closed.
func buildLogger(lc *config.LoggingConfig, flags Flags, stderr *os.File) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo

	switch lc.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var (
		out    io.Writer = stderr
		closer io.Closer
		tty    = isTerminal(stderr)
	)

	if lc.LogFile != "" {
		f, err := os.OpenFile(lc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out, closer, tty = f, f, false
	}

	opts := &slog.HandlerOptions{Level: level}

	if lc.LogFormat == "json" || (lc.LogFormat == "auto" && !tty) {
		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	}

	return slog.New(slog.NewTextHandler(out, opts)), closer, nil
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// errUsage marks errors caused by wrong invocation rather than failures.
var errUsage = errors.New("usage")

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)

	if errors.Is(err, errUsage) {
		os.Exit(2)
	}

	os.Exit(1)
}
