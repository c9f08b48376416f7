package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jward/covermark"
	"github.com/jward/covermark/internal/config"
	"github.com/jward/covermark/internal/store"
)

var flagLimit int

var historyCmd = &cobra.Command{
	Use:   "history [solution]",
	Short: "List recent runs from the ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := resolveLedgerPath(args)
		if err != nil {
			return outputError("history", err)
		}
		runs, err := recentRuns(dbPath, flagLimit)
		if err != nil {
			return outputError("history", err)
		}
		return outputResult(CLIResult{Command: "history", Results: runs})
	},
}

func init() {
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of runs to list")
}

// resolveLedgerPath returns --db, else the config file's ledger.path, else
// the default ledger of the solution given (or of the working directory when
// none is). The config file is found the same way run and check find it.
func resolveLedgerPath(args []string) (string, error) {
	if flagDB != "" {
		return filepath.Abs(flagDB)
	}
	solutionPath := "."
	if len(args) > 0 {
		solutionPath = args[0]
	}
	abs, err := filepath.Abs(solutionPath)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", solutionPath, err)
	}
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		abs = filepath.Join(abs, "_")
	}

	cfgPath := flagConfig
	if cfgPath == "" {
		cfgPath = config.Discover(abs)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return "", err
	}
	if cfg.LedgerPath != "" {
		return cfg.LedgerPath, nil
	}
	return covermark.DefaultLedgerPath(abs), nil
}

func recentRuns(dbPath string, limit int) ([]CLIRun, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("ledger not found: %s (run 'covermark run' first)", dbPath)
	}
	s, err := store.NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		return nil, err
	}

	runs, err := s.RecentRuns(limit)
	if err != nil {
		return nil, err
	}
	out := make([]CLIRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, toCLIRun(r))
	}
	return out, nil
}
