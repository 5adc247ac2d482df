package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"codebatch/internal/codebatch/clock"
	"codebatch/internal/codebatch/store"
)

var storeAllowReinit bool

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage a store's top-level layout",
}

var storeInitCmd = &cobra.Command{
	Use:   "init <dir>",
	Short: "Initialize a new store at <dir>",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := store.Init(args[0], storeAllowReinit, clock.System{})
		if err != nil {
			return fmt.Errorf("init store: %w", err)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(meta, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("initialized store at %s (created %s)\n", args[0], meta.CreatedAt)
		return nil
	},
}

func init() {
	storeInitCmd.Flags().BoolVar(&storeAllowReinit, "allow-reinit", false, "allow re-initializing an existing store")
	storeCmd.AddCommand(storeInitCmd)
}
