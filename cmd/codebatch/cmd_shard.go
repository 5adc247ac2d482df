package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var shardCmd = &cobra.Command{
	Use:   "shard",
	Short: "Inspect and reset individual shards",
}

var shardResetCmd = &cobra.Command{
	Use:   "reset <batch-id> <task-id> <shard-id>",
	Short: "Reset a failed shard back to ready for one more attempt",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		state, err := e.runner.ResetShard(args[0], args[1], args[2])
		if err != nil {
			return fmt.Errorf("reset shard: %w", err)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(state, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("shard %s/%s/%s reset to %s (attempt %d)\n", args[0], args[1], args[2], state.Status, state.Attempt)
		return nil
	},
}

func init() {
	shardCmd.AddCommand(shardResetCmd)
}
