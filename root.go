package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/autosave/internal/config"
	"github.com/tonimelisma/autosave/internal/remote"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath   string
	flagEndpoint     string
	flagFallbackPath string
	flagJSON         bool
	flagVerbose      bool
	flagQuiet        bool
)

const logFilePermissions = 0o600

// CLIFlags holds the persistent flag values of one invocation.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries the resolved configuration and logger to subcommands.
// It is built once by the root PersistentPreRunE and stored in the command
// context.
type CLIContext struct {
	Flags  CLIFlags
	Holder *config.Holder
	Logger *slog.Logger
	Out    io.Writer

	closeLog func()
}

type cliContextKey struct{}

// cliContextFrom returns the CLIContext stored by the root pre-run.
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

// mustCLIContext returns the CLIContext of cmd. Every subcommand runs after
// the root pre-run, so a missing context is a programming error.
func mustCLIContext(cmd *cobra.Command) *CLIContext {
	cc := cliContextFrom(cmd.Context())
	if cc == nil {
		panic("autosave: command run without CLI context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "autosave",
		Short:   "Optimistic auto-save client and reference backend",
		Long:    "Debounced auto-save of edited records with optimistic version checks, conflict reporting, and a local fallback for unsent edits.",
		Version: version,
		// We print errors ourselves in main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if cc := cliContextFrom(cmd.Context()); cc != nil && cc.closeLog != nil {
				cc.closeLog()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagEndpoint, "endpoint", "", "backend base URL")
	cmd.PersistentFlags().StringVar(&flagFallbackPath, "fallback", "", "fallback store path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newLoadCmd())
	cmd.AddCommand(newEditCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newFlushCmd())
	cmd.AddCommand(newPendingCmd())
	cmd.AddCommand(newReplayCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores a CLIContext in the command context.
func loadConfig(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(config.DotEnvFile); err != nil {
		return err
	}

	cli := cliOverrides(cmd)
	env := config.ReadEnvOverrides()

	cfg, path, err := config.Resolve(env, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	logger, closeLog, err := buildLogger(cfg, flags)
	if err != nil {
		return err
	}

	logger.Debug("config resolved", slog.String("path", path), slog.String("endpoint", cfg.Remote.Endpoint))

	cc := &CLIContext{
		Flags:    flags,
		Holder:   config.NewHolder(cfg, path),
		Logger:   logger,
		Out:      cmd.OutOrStdout(),
		closeLog: closeLog,
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// cliOverrides collects the flags the user explicitly set. Flags that only
// exist on some subcommands are looked up on cmd.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("endpoint") {
		cli.Endpoint = &flagEndpoint
	}

	if cmd.Flags().Changed("fallback") {
		cli.FallbackPath = &flagFallbackPath
	}

	if cmd.Flags().Changed("listen") {
		v := cmd.Flags().Lookup("listen").Value.String()
		cli.Listen = &v
	}

	if cmd.Flags().Changed("db") {
		v := cmd.Flags().Lookup("db").Value.String()
		cli.DBPath = &v
	}

	return cli
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. The returned function
// closes the log file, if any.
func buildLogger(cfg *config.Config, flags CLIFlags) (*slog.Logger, func(), error) {
	level := logLevel(cfg.Logging.LogLevel, flags)

	var (
		w        io.Writer = os.Stderr
		terminal           = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
		closer             = func() {}
	)

	if cfg.Logging.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.LogFile), 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePermissions)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		w = f
		terminal = false
		closer = func() { f.Close() }
	}

	return slog.New(newLogHandler(w, cfg.Logging.LogFormat, terminal, level)), closer, nil
}

func logLevel(configured string, flags CLIFlags) slog.Level {
	level := slog.LevelInfo

	switch configured {
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

	return level
}

// newLogHandler picks the handler for format. "auto" is text on a terminal
// and JSON otherwise.
func newLogHandler(w io.Writer, format string, terminal bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "text":
		return slog.NewTextHandler(w, opts)
	}

	if terminal {
		return slog.NewTextHandler(w, opts)
	}

	return slog.NewJSONHandler(w, opts)
}

// newHTTPClient returns the client used by the remote binding. Only the
// connect phase is bounded here; each save is bounded by the engine's
// save timeout.
func newHTTPClient(cfg *config.Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout()}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout()

	return &http.Client{Transport: transport}
}

// newRemoteClient builds the network binding from the current config.
func (cc *CLIContext) newRemoteClient() *remote.Client {
	cfg := cc.Holder.Config()

	userAgent := cfg.Remote.UserAgent
	if userAgent == "" {
		userAgent = "autosave/" + version
	}

	return remote.NewClient(cfg.Remote.Endpoint, newHTTPClient(cfg), cc.Logger, userAgent)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}

// errConflictReported marks a conflict that was already printed to the user.
var errConflictReported = errors.New("save conflict")

func exitCode(err error) int {
	if errors.Is(err, errConflictReported) {
		return exitConflict
	}

	return 1
}

// exitConflict is the exit status when a save ended in a version conflict.
const exitConflict = 3
