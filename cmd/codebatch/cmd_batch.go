package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"codebatch/internal/codebatch/workflow"
)

var (
	batchIDFlag    string
	batchTaskFlag  string
	batchParallel  int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Plan and drive batch runs",
}

var batchInitCmd = &cobra.Command{
	Use:   "init <snapshot-id> <pipeline>",
	Short: "Materialize a batch/task/shard skeleton for a pipeline",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		batchID, err := e.batches.InitBatch(args[0], args[1], batchIDFlag, nil)
		if err != nil {
			return fmt.Errorf("init batch: %w", err)
		}
		if err := applyChunkThresholdOverride(e, batchID); err != nil {
			return fmt.Errorf("apply chunk threshold override: %w", err)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]string{"batch_id": batchID}, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("initialized batch %s (pipeline=%s, snapshot=%s)\n", batchID, args[1], args[0])
		return nil
	},
}

var batchRunCmd = &cobra.Command{
	Use:   "run <batch-id>",
	Short: "Run every ready shard of a batch to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		result, err := e.workflow.Run(args[0], workflow.RunOptions{TaskFilter: batchTaskFlag, Parallel: batchParallel})
		if err != nil {
			return fmt.Errorf("run batch: %w", err)
		}
		printRunResult(result)
		return nil
	},
}

var batchResumeCmd = &cobra.Command{
	Use:   "resume <batch-id>",
	Short: "Resume a batch, skipping shards already done",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		result, err := e.workflow.Resume(args[0], workflow.RunOptions{TaskFilter: batchTaskFlag, Parallel: batchParallel})
		if err != nil {
			return fmt.Errorf("resume batch: %w", err)
		}
		printRunResult(result)
		return nil
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status <batch-id>",
	Short: "Show per-task, per-shard progress for a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		progress, err := e.workflow.Status(args[0])
		if err != nil {
			return fmt.Errorf("batch status: %w", err)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(progress, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("batch %s: %s (%d/%d shards done, %d failed)\n",
			progress.BatchID, progress.Status, progress.DoneShards, progress.TotalShards, progress.FailedShards)
		for _, tp := range progress.Tasks {
			fmt.Printf("  %-16s %-8s done=%d ready=%d failed=%d total=%d\n",
				tp.TaskID, tp.Status, tp.ShardsDone, tp.ShardsReady, tp.ShardsFailed, tp.ShardsTotal)
		}
		return nil
	},
}

// applyChunkThresholdOverride patches the newly materialized plan and parse
// task with the store's configured chunk_threshold_bytes whenever that value
// is positive (including when it equals the parse executor's built-in
// default). The pipeline catalogue's task
// configs are package-level data shared across every batch of a pipeline,
// so this writes the override directly into this batch's own plan.json and
// task.json rather than mutating the shared Config map in place.
func applyChunkThresholdOverride(e *env, batchID string) error {
	if e.cfg.ChunkThresholdBytes <= 0 {
		return nil
	}

	plan, err := e.batches.LoadPlan(batchID)
	if err != nil {
		return err
	}

	var changed bool
	for i := range plan.Tasks {
		if plan.Tasks[i].Type != "parse" {
			continue
		}
		cfgCopy := make(map[string]interface{}, len(plan.Tasks[i].Config)+1)
		for k, v := range plan.Tasks[i].Config {
			cfgCopy[k] = v
		}
		cfgCopy["chunk_threshold"] = e.cfg.ChunkThresholdBytes
		plan.Tasks[i].Config = cfgCopy
		changed = true

		taskPath := filepath.Join(e.batches.TaskDir(batchID, plan.Tasks[i].TaskID), "task.json")
		task, err := e.batches.LoadTask(batchID, plan.Tasks[i].TaskID)
		if err != nil {
			return err
		}
		task.Config = cfgCopy
		if err := writeJSONAtomic(taskPath, task); err != nil {
			return err
		}
	}
	if !changed {
		return nil
	}

	planPath := filepath.Join(e.batches.BatchDir(batchID), "plan.json")
	return writeJSONAtomic(planPath, plan)
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func printRunResult(result *workflow.RunResult) {
	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return
	}
	status := "ok"
	if !result.Success {
		status = "failed"
	}
	fmt.Printf("batch %s: %s (%d/%d tasks completed, %d/%d shards completed)\n",
		result.BatchID, status, result.TasksCompleted, result.TasksCompleted+result.TasksFailed,
		result.ShardsCompleted, result.ShardsCompleted+result.ShardsFailed)
	if result.Error != "" {
		fmt.Println("  error:", result.Error)
	}
}

func init() {
	batchInitCmd.Flags().StringVar(&batchIDFlag, "batch-id", "", "explicit batch ID (default: generated)")
	batchRunCmd.Flags().StringVar(&batchTaskFlag, "task", "", "restrict the run to one task ID")
	batchRunCmd.Flags().IntVar(&batchParallel, "parallel", 1, "number of (task,shard) pairs to run concurrently")
	batchResumeCmd.Flags().StringVar(&batchTaskFlag, "task", "", "restrict the resume to one task ID")
	batchResumeCmd.Flags().IntVar(&batchParallel, "parallel", 1, "number of (task,shard) pairs to run concurrently")

	batchCmd.AddCommand(batchInitCmd, batchRunCmd, batchResumeCmd, batchStatusCmd)
}
