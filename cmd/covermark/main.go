package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jward/covermark"
	"github.com/jward/covermark/internal/config"
	"github.com/jward/covermark/internal/observability"
)

var (
	flagConfig        string
	flagProjectFilter string
	flagDB            string
	flagNoLedger      bool
	flagFormat        string
	flagLogLevel      string
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

// errWouldMark is returned by check when at least one class lacks the
// exclusion attribute.
var errWouldMark = errors.New("classes without the exclusion attribute found")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "covermark",
	Short:         "Mark C# test classes as excluded from code coverage",
	Long:          "Covermark walks the projects of a C# solution and adds [ExcludeFromCodeCoverage] to test classes and UI configuration classes.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		errorHandled = false
		return validateFormat(flagFormat)
	},
	// No Run; prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: .covermark.yaml next to the solution)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "ledger path (default: .covermark/ledger.db next to the solution)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug|info|warn|error (default: $LOG_LEVEL or info)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(historyCmd)
}

var flagDryRun bool

var runCmd = &cobra.Command{
	Use:   "run <solution>",
	Short: "Insert the exclusion attribute and write the changed documents",
	Long:  "Opens a .sln, .slnx or .csproj file, rewrites the documents of matching projects and writes them back project by project.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := execute("run", args[0], flagDryRun)
		return err
	},
}

var checkCmd = &cobra.Command{
	Use:   "check <solution>",
	Short: "Report classes that would be marked without writing anything",
	Long:  "Dry run for CI: exits non-zero when any class would receive the exclusion attribute.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := execute("check", args[0], true)
		if err != nil {
			return err
		}
		if len(report.Marks) > 0 {
			return errWouldMark
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, checkCmd} {
		c.Flags().StringVar(&flagProjectFilter, "project-filter", "", "substring a project name must contain (default: config or \"Quality\")")
		c.Flags().BoolVar(&flagNoLedger, "no-ledger", false, "do not record the run or skip unchanged documents")
	}
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "compute changes without writing documents")
}

// execute builds an Engine from config and flags and runs it under a context
// cancelled by SIGINT or SIGTERM.
func execute(command, solutionPath string, dryRun bool) (*covermark.Report, error) {
	logger, err := observability.NewLogger(flagLogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	opts, err := engineOptions(solutionPath)
	if err != nil {
		return nil, outputError(command, err)
	}
	opts = append(opts, covermark.WithLogger(logger), covermark.WithDryRun(dryRun))

	engine, err := covermark.New(opts...)
	if err != nil {
		return nil, outputError(command, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := engine.Run(ctx, solutionPath)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		return report, outputError(command, err)
	}
	return report, outputResult(CLIResult{Command: command, Results: report})
}

// engineOptions merges the config file with the command-line flags.
func engineOptions(solutionPath string) ([]covermark.Option, error) {
	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath = config.Discover(solutionPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if flagProjectFilter != "" {
		cfg.ProjectFilter = flagProjectFilter
	}

	opts := []covermark.Option{
		covermark.WithRules(cfg.Rules),
		covermark.WithProjectFilter(cfg.ProjectFilter),
		covermark.WithScripts(cfg.Scripts...),
	}
	if !flagNoLedger && cfg.LedgerEnabled {
		path := cfg.LedgerPath
		if flagDB != "" {
			path = flagDB
		}
		opts = append(opts, covermark.WithLedger(path))
	}
	return opts, nil
}
