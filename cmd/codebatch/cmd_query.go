package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"codebatch/internal/codebatch/query"
)

var (
	queryKind        string
	queryPathPattern string
	querySeverity    string
	queryCode        string
	queryGroupBy     string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a batch's committed task outputs",
}

var queryOutputsCmd = &cobra.Command{
	Use:   "outputs <batch-id> <task-id>",
	Short: "List output records, optionally filtered by kind and path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		records, err := e.query.QueryOutputs(args[0], args[1], queryKind, queryPathPattern)
		if err != nil {
			return fmt.Errorf("query outputs: %w", err)
		}
		return printJSONOrCount(records, len(records))
	},
}

var queryDiagnosticsCmd = &cobra.Command{
	Use:   "diagnostics <batch-id> <task-id>",
	Short: "List diagnostic records, optionally filtered by severity/code/path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		records, err := e.query.QueryDiagnostics(args[0], args[1], querySeverity, queryCode, queryPathPattern)
		if err != nil {
			return fmt.Errorf("query diagnostics: %w", err)
		}
		return printJSONOrCount(records, len(records))
	},
}

var queryFailedFilesCmd = &cobra.Command{
	Use:   "failed-files <batch-id> <task-id>",
	Short: "List files that produced an error-severity diagnostic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		files, err := e.query.QueryFailedFiles(args[0], args[1])
		if err != nil {
			return fmt.Errorf("query failed-files: %w", err)
		}
		return printJSONOrLines(files)
	},
}

var queryFilesWithOutputsCmd = &cobra.Command{
	Use:   "files-with-outputs <batch-id> <task-id>",
	Short: "List files that produced an output of the given kind",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		files, err := e.query.QueryFilesWithOutputs(args[0], args[1], queryKind)
		if err != nil {
			return fmt.Errorf("query files-with-outputs: %w", err)
		}
		return printJSONOrLines(files)
	},
}

var queryStatsCmd = &cobra.Command{
	Use:   "stats <batch-id> <task-id>",
	Short: "Aggregate output record counts grouped by kind/severity/code/lang",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		groupBy := query.GroupBy(queryGroupBy)
		if groupBy == "" {
			groupBy = query.GroupByKind
		}
		stats, err := e.query.QueryStats(args[0], args[1], groupBy)
		if err != nil {
			return fmt.Errorf("query stats: %w", err)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for value, count := range stats {
			fmt.Printf("%-24s %d\n", value, count)
		}
		return nil
	},
}

var querySummaryCmd = &cobra.Command{
	Use:   "summary <batch-id> <task-id>",
	Short: "Summarize a task's committed outputs by kind and severity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv()
		if err != nil {
			return err
		}
		summary, err := e.query.GetTaskSummary(args[0], args[1])
		if err != nil {
			return fmt.Errorf("query summary: %w", err)
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(summary, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("total_outputs=%d files_with_outputs=%d files_with_errors=%d\n",
			summary.TotalOutputs, summary.FilesWithOutputs, summary.FilesWithErrors)
		for kind, count := range summary.ByKind {
			fmt.Printf("  kind=%-12s %d\n", kind, count)
		}
		return nil
	},
}

func printJSONOrCount(records interface{}, count int) error {
	if jsonOutput {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("%d records\n", count)
	return nil
}

func printJSONOrLines(lines []string) error {
	if jsonOutput {
		data, _ := json.MarshalIndent(lines, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func init() {
	for _, cmd := range []*cobra.Command{queryOutputsCmd, queryFilesWithOutputsCmd} {
		cmd.Flags().StringVar(&queryKind, "kind", "", "output kind filter")
	}
	for _, cmd := range []*cobra.Command{queryOutputsCmd, queryDiagnosticsCmd} {
		cmd.Flags().StringVar(&queryPathPattern, "path", "", "case-insensitive path substring filter")
	}
	queryDiagnosticsCmd.Flags().StringVar(&querySeverity, "severity", "", "severity filter")
	queryDiagnosticsCmd.Flags().StringVar(&queryCode, "code", "", "diagnostic code filter")
	queryStatsCmd.Flags().StringVar(&queryGroupBy, "group-by", "kind", "group by: kind|severity|code|lang")

	queryCmd.AddCommand(
		queryOutputsCmd,
		queryDiagnosticsCmd,
		queryFailedFilesCmd,
		queryFilesWithOutputsCmd,
		queryStatsCmd,
		querySummaryCmd,
	)
}
