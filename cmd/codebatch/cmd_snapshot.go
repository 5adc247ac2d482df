package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
)

var snapshotIDFlag string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Build and inspect snapshots",
}

var snapshotBuildCmd = &cobra.Command{
	Use:   "build <source-dir>",
	Short: "Capture a snapshot of a source directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		id, err := e.snapshots.Build(args[0], snapshotIDFlag, nil)
		if err != nil {
			return fmt.Errorf("build snapshot: %w", err)
		}
		meta, err := e.snapshots.Load(id)
		if err != nil {
			return fmt.Errorf("load snapshot metadata: %w", err)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(meta, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("snapshot %s: %d files, %d bytes\n", id, meta.FileCount, meta.TotalBytes)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every snapshot in the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		entries, err := os.ReadDir(filepath.Join(e.storeRoot, "snapshots"))
		if err != nil {
			if os.IsNotExist(err) {
				entries = nil
			} else {
				return fmt.Errorf("list snapshots: %w", err)
			}
		}
		var ids []string
		for _, entry := range entries {
			if entry.IsDir() {
				ids = append(ids, entry.Name())
			}
		}
		sort.Strings(ids)

		if jsonOutput {
			data, _ := json.MarshalIndent(ids, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	snapshotBuildCmd.Flags().StringVar(&snapshotIDFlag, "snapshot-id", "", "explicit snapshot ID (default: generated)")
	snapshotCmd.AddCommand(snapshotBuildCmd, snapshotListCmd)
}
