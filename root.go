package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ckcm0210/xlwatch/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that do not need the config file
// (version, parse-worker). They skip the automatic load in
// PersistentPreRunE.
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles the resolved config and logger, created once in
// PersistentPreRunE and read by RunE handlers.
type CLIContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

type cliContextKey struct{}

// mustCLIContext extracts the CLIContext or panics with an actionable
// message. Panics are always programmer errors: the command tree
// guarantees the context is populated before RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not carry skipConfigAnnotation or loads config itself")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "xlwatch",
		Short: "Watch spreadsheet trees and record every meaningful cell change",
		Long: `xlwatch observes directories of Excel workbooks, keeps a durable
per-file baseline of cell state, and emits a structured diff (who changed
which cells, and how) for every materially meaningful save.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			path := flagConfigPath
			explicit := path != ""

			if !explicit {
				path = config.DefaultPath()
			}

			bootstrap := buildLogger("info", "auto")

			cfg, err := config.Load(path, explicit, bootstrap)
			if err != nil {
				return err
			}

			logger := buildLogger(effectiveLevel(cfg.Logging.LogLevel), cfg.Logging.LogFormat)

			cmd.SetContext(context.WithValue(cmd.Context(),
				cliContextKey{}, &CLIContext{Cfg: cfg, Logger: logger}))

			return nil
		},
	}

	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "info-level logging")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "debug-level logging")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "error-level logging only")
	root.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	root.AddCommand(
		newWatchCmd(),
		newBaselineCmd(),
		newEventsCmd(),
		newParseWorkerCmd(),
	)

	return root
}

// effectiveLevel resolves the log level: config baseline, CLI flags win.
func effectiveLevel(configLevel string) string {
	switch {
	case flagDebug:
		return "debug"
	case flagVerbose:
		return "info"
	case flagQuiet:
		return "error"
	default:
		return configLevel
	}
}

// buildLogger creates the slog.Logger. Format "auto" renders text on a
// terminal and JSON otherwise.
func buildLogger(level, format string) *slog.Logger {
	var lvl slog.Level

	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}

	opts := &slog.HandlerOptions{Level: lvl}

	useText := format == "text" ||
		(format != "json" && isatty.IsTerminal(os.Stderr.Fd()))

	if useText {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
