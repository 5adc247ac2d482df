package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"codebatch/internal/codebatch/gate"
)

var gateFailFast bool

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Run and inspect store invariant gates",
}

var gateRunCmd = &cobra.Command{
	Use:   "run <gate-id> <batch-id>",
	Short: "Run a single gate against a batch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		result, err := e.gateRun.Run(cmd.Context(), args[0], args[1], "", nil)
		if err != nil {
			return err
		}
		printGateResult(result)
		if !result.Passed && result.Status == gate.StatusEnforced {
			return fmt.Errorf("gate %s failed", result.GateID)
		}
		return nil
	},
}

var gateBundleCmd = &cobra.Command{
	Use:   "bundle <bundle-id> <batch-id>",
	Short: "Run every gate in a named bundle (phase1|phase2|phase3|release|all)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		br := e.gateRun.RunBundle(cmd.Context(), args[0], args[1], "", nil, gateFailFast)
		if jsonOutput {
			data, _ := json.MarshalIndent(br, "", "  ")
			fmt.Println(string(data))
		} else {
			fmt.Printf("bundle %s: %d/%d passed, %d failed, %d skipped\n",
				br.BundleName, br.PassedCount, br.Total, br.FailedCount, br.SkippedCount)
			for _, res := range br.Results {
				printGateResult(res)
			}
		}
		if !br.Passed {
			return fmt.Errorf("bundle %s failed", br.BundleName)
		}
		return nil
	},
}

var gateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every registered gate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		defs := e.gates.ListAll()
		if jsonOutput {
			data, _ := json.MarshalIndent(defs, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, def := range defs {
			fmt.Printf("%-28s %-10s %-28s tags=%v aliases=%v\n", def.GateID, def.Status, def.Title, def.Tags, def.Aliases)
		}
		return nil
	},
}

func printGateResult(res *gate.Result) {
	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		return
	}
	outcome := "PASS"
	if !res.Passed {
		outcome = "FAIL"
	}
	fmt.Printf("[%s] %s (%s, %dms)\n", outcome, res.GateID, res.Status, res.DurationMS)
	for _, f := range res.Failures {
		fmt.Printf("  - %s\n", f.Message)
	}
}

func init() {
	gateBundleCmd.Flags().BoolVar(&gateFailFast, "fail-fast", false, "stop after the first failing gate")
	gateCmd.AddCommand(gateRunCmd, gateBundleCmd, gateListCmd)
}
