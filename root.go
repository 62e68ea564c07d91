package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/rowsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// logFileMaxSizeMB caps one log file before lumberjack rotates it.
const logFileMaxSizeMB = 50

// CLIFlags holds the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath string
	Endpoint   string
	ClientID   string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries the resolved configuration and logger into
// subcommands. It is attached to the command context in PersistentPreRunE.
type CLIContext struct {
	Flags   CLIFlags
	Cfg     *config.Config
	CfgPath string
	Logger  *slog.Logger

	// env and cli are re-applied when a running sync reloads its config.
	env config.EnvOverrides
	cli config.CLIOverrides

	closeLog func() error
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext installed by the root pre-run.
// A missing context is a wiring bug.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("rowsync: CLIContext missing from command context")
	}

	return cc
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// newRootCmd builds the root command with every subcommand registered.
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:     "rowsync",
		Short:   "Keep a local copy of a shared sheet in sync",
		Long:    "A sync client that mirrors a remote spreadsheet-backed row store, queues edits while offline, and reconciles them when the server is reachable.",
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.closeLog != nil {
				return cc.closeLog()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.Endpoint, "endpoint", "", "sync endpoint URL")
	pf.StringVar(&flags.ClientID, "client-id", "", "client identity sent to the server")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newEditCmd())
	cmd.AddCommand(newInsertCmd())
	cmd.AddCommand(newDeleteCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newRowsCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the four-layer config chain and builds the logger.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only explicitly set flags override the file and environment.
	if cmd.Flags().Changed("endpoint") {
		cli.Endpoint = &flags.Endpoint
	}

	if cmd.Flags().Changed("client-id") {
		cli.ClientID = &flags.ClientID
	}

	if f := cmd.Flags().Lookup("no-realtime"); f != nil && f.Changed {
		noRT := f.Value.String() == "true"
		cli.NoRealtime = &noRT
	}

	env := config.ReadEnvOverrides()

	cfg, cfgPath, err := config.Resolve(env, cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog := buildLogger(&cfg.Logging, flags, os.Stderr)

	logger.Debug("config resolved", slog.String("path", cfgPath))

	return &CLIContext{
		Flags:    flags,
		Cfg:      cfg,
		CfgPath:  cfgPath,
		Logger:   logger,
		env:      env,
		cli:      cli,
		closeLog: closeLog,
	}, nil
}

// buildLogger creates the process logger. The config level is the
// baseline; --verbose and --quiet override it. With log_file set, output
// goes to a rotating file instead of stderr. The returned func closes the
// file, if any.
func buildLogger(lc *config.LoggingConfig, flags CLIFlags, stderr *os.File) (*slog.Logger, func() error) {
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
		out      io.Writer = stderr
		closeLog           = func() error { return nil }
		terminal           = stderr != nil && isatty.IsTerminal(stderr.Fd())
	)

	if lc.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename: lc.LogFile,
			MaxSize:  logFileMaxSizeMB,
			MaxAge:   lc.LogRetentionDays,
			Compress: true,
		}
		out, closeLog, terminal = lj, lj.Close, false
	}

	opts := &slog.HandlerOptions{Level: level}

	if useJSON(lc.LogFormat, terminal) {
		return slog.New(slog.NewJSONHandler(out, opts)), closeLog
	}

	return slog.New(slog.NewTextHandler(out, opts)), closeLog
}

// useJSON resolves log_format. "auto" means text for a terminal and JSON
// for files and pipes.
func useJSON(format string, terminal bool) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	default:
		return !terminal
	}
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
