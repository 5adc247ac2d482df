package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"codebatch/internal/codebatch/cacheidx"
)

var (
	indexRebuild bool
	indexVerify  bool
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and verify the acceleration cache",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build <batch-id>",
	Short: "Build (or rebuild) the acceleration cache for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		stats, err := cacheidx.BuildIndex(e.storeRoot, e.batches, e.snapshots, args[0], indexRebuild, e.clock)
		if err != nil {
			return fmt.Errorf("build index: %w", err)
		}

		if indexVerify {
			reader, env, verr := cacheidx.TryOpenCache(e.storeRoot, e.batches, args[0])
			if verr != nil {
				return fmt.Errorf("verify index: %w", verr)
			}
			if reader == nil {
				return fmt.Errorf("verify index: cache reported invalid immediately after build")
			}
			env.Close()
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("indexed %d files, %d outputs (fingerprint %s)\n", stats.FilesIndexed, stats.OutputsIndexed, stats.SourceFingerprint)
		return nil
	},
}

func init() {
	indexBuildCmd.Flags().BoolVar(&indexRebuild, "rebuild", false, "discard and rebuild an existing cache")
	indexBuildCmd.Flags().BoolVar(&indexVerify, "verify", false, "reopen the cache after building and fail if it reports invalid")
	indexCmd.AddCommand(indexBuildCmd)
}
