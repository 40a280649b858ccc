// Package cmd provides the CLI commands for gsindex.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/gsindex/internal/config"
	gserrors "github.com/Aman-CERP/gsindex/internal/errors"
	"github.com/Aman-CERP/gsindex/internal/index"
	"github.com/Aman-CERP/gsindex/internal/logging"
	"github.com/Aman-CERP/gsindex/internal/profiling"
	"github.com/Aman-CERP/gsindex/pkg/version"
)

// skipConfigAnnotation marks commands that run without loading configuration.
const skipConfigAnnotation = "gsindex/skip-config"

// rootOptions is the state shared by every command of one invocation.
type rootOptions struct {
	configPath string
	envFile    string
	debug      bool
	logLevel   string
	profile    profiling.Options

	profiler       *profiling.Session
	cfg            *config.Config
	logger         *slog.Logger
	loggingCleanup func()
}

// NewRootCmd creates the root command for the gsindex CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "gsindex",
		Short: "Administer local full-text indexes",
		Long: `gsindex manages named full-text indexes on local disk.

Each index has one writer at a time, guarded by a lock file in its
directory, and any number of readers that are reopened when the index
changes underneath them.

Run 'gsindex config init' to create a configuration file.`,
		Version:       version.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.SetVersionTemplate("gsindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (default ./gsindex.yaml if present)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before configuration")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging to stderr and ~/.gsindex/logs/")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	cmd.PersistentFlags().StringVar(&opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Heap, "profile-mem", "", "Write memory profile to file")
	cmd.PersistentFlags().StringVar(&opts.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = opts.start
	cmd.PersistentPostRunE = opts.stop

	cmd.AddCommand(newUpsertCmd(opts))
	cmd.AddCommand(newDeleteCmd(opts))
	cmd.AddCommand(newMergeCmd(opts))
	cmd.AddCommand(newCommitCmd(opts))
	cmd.AddCommand(newRecreateCmd(opts))
	cmd.AddCommand(newCountCmd(opts))
	cmd.AddCommand(newGetCmd(opts))
	cmd.AddCommand(newBrowseCmd(opts))
	cmd.AddCommand(newIngestCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// start loads the environment file and configuration, then sets up logging
// and profiling.
func (o *rootOptions) start(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(o.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return gserrors.ConfigError("failed to load environment file", err).WithDetail("path", o.envFile)
	}

	level := o.logLevel
	if cmd.Annotations[skipConfigAnnotation] == "" {
		cfg, err := config.Load(o.configPath)
		if err != nil {
			return err
		}
		o.cfg = cfg
		if level == "" {
			level = cfg.LogLevel
		}
	}

	logCfg := logging.DefaultConfig()
	if o.debug {
		logCfg = logging.DebugConfig()
	} else if level != "" {
		logCfg.Level = level
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	o.logger = logger
	o.loggingCleanup = cleanup
	slog.SetDefault(logger)
	if o.debug {
		slog.Debug("debug_logging_enabled",
			slog.String("log_file", logCfg.FilePath),
			slog.String("version", version.Version))
	}

	if o.profile.Enabled() {
		p, err := profiling.Start(o.profile)
		if err != nil {
			return err
		}
		o.profiler = p
	}
	return nil
}

// stop finishes profiling, then flushes and closes the log file.
func (o *rootOptions) stop(_ *cobra.Command, _ []string) error {
	var err error
	if o.profiler != nil {
		err = o.profiler.Stop()
		o.profiler = nil
	}
	if o.loggingCleanup != nil {
		o.loggingCleanup()
		o.loggingCleanup = nil
	}
	return err
}

// newRegistry builds a registry over source using the loaded configuration.
func (o *rootOptions) newRegistry(source index.ConfigSource) *index.Registry {
	return index.NewRegistry(source,
		index.WithLogger(o.logger),
		index.WithRetryBudget(o.cfg.Registry.RetryBudget),
		index.WithMaxConcurrentMerges(o.cfg.Registry.MaxConcurrentMerges),
		index.WithMaxOpenIndexes(o.cfg.Registry.MaxOpenIndexes),
	)
}

// withRegistry runs fn against a registry over the loaded configuration and
// closes it afterwards, which commits whatever fn left buffered.
func (o *rootOptions) withRegistry(ctx context.Context, fn func(ctx context.Context, r *index.Registry) error) error {
	return runRegistry(ctx, o.newRegistry(o.cfg), fn)
}

// runRegistry runs fn against r and closes r.
func runRegistry(ctx context.Context, r *index.Registry, fn func(ctx context.Context, r *index.Registry) error) error {
	err := fn(ctx, r)
	if cerr := r.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// Execute runs the root command and prints any error in CLI form.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(cmd.ErrOrStderr(), gserrors.FormatForCLI(err))
		return err
	}
	return nil
}
