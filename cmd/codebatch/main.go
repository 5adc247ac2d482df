// Package main implements the codebatch CLI, a single cobra-based binary
// exposing the store/snapshot/batch/shard/query/index/gate surface (C12).
//
// Command implementations are split across cmd_*.go files, one per
// sub-resource, mirroring the teacher's cmd/nerd layout.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codebatch/internal/codebatch/batch"
	"codebatch/internal/codebatch/clock"
	cbconfig "codebatch/internal/codebatch/config"
	"codebatch/internal/codebatch/exec"
	"codebatch/internal/codebatch/gate"
	"codebatch/internal/codebatch/logging"
	"codebatch/internal/codebatch/query"
	"codebatch/internal/codebatch/runner"
	"codebatch/internal/codebatch/snapshot"
	"codebatch/internal/codebatch/workflow"
)

var (
	storeRoot  string
	verbose    bool
	jsonOutput bool

	logger *zap.Logger
)

// env bundles every collaborator a subcommand needs, built once per
// invocation from the resolved --store flag.
type env struct {
	storeRoot string
	clock     clock.Clock
	cfg       *cbconfig.Config
	batches   *batch.Manager
	snapshots *snapshot.Builder
	runner    *runner.Runner
	query     *query.Engine
	executors *exec.Registry
	workflow  *workflow.Runner
	gates     *gate.Registry
	gateRun   *gate.Runner
}

func newEnv() (*env, error) {
	if storeRoot == "" {
		return nil, fmt.Errorf("--store is required")
	}
	abs, err := filepath.Abs(storeRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}

	cfg, err := cbconfig.Load(cbconfig.Path(abs))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	c := clock.System{}
	batches := batch.NewManager(abs, c)
	snapshots := snapshot.NewBuilder(abs, c)
	r := runner.New(abs, c)
	executors := exec.NewRegistry()
	e := &env{
		storeRoot: abs,
		clock:     c,
		cfg:       cfg,
		batches:   batches,
		snapshots: snapshots,
		runner:    r,
		query:     query.New(abs),
		executors: executors,
		workflow:  workflow.New(abs, batches, r, snapshots, executors),
		gates:     gate.DefaultRegistry(),
	}
	e.gateRun = gate.NewRunner(e.gates, gate.NewDeps(abs, c))
	return e, nil
}

// rootCmd is the codebatch CLI's root command.
var rootCmd = &cobra.Command{
	Use:   "codebatch",
	Short: "codebatch - deterministic batch analysis over a code snapshot store",
	Long: `codebatch runs language-aware analysis tasks over sharded snapshots of a
source tree and answers queries against their committed outputs, independent
of the run's event log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		if storeRoot != "" {
			if abs, err := filepath.Abs(storeRoot); err == nil {
				cfg, err := cbconfig.Load(cbconfig.Path(abs))
				if err == nil {
					if err := logging.Initialize(cbconfig.LogsRoot(abs), cfg.DebugMode); err != nil {
						fmt.Fprintf(os.Stderr, "warning: failed to initialize file logging: %v\n", err)
					}
				}
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeRoot, "store", "", "store root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON instead of tables")

	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(shardCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(gateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
