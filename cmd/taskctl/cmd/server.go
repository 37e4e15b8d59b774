package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var runnersCmd = &cobra.Command{
	Use:   "runners",
	Short: "List registered runners",
	Long:  `List the runner names registered on the server.`,
	RunE:  runRunners,
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List live workers",
	Long:  `Show a snapshot of currently-supervised workers.`,
	RunE:  runWorkers,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate task statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(runnersCmd)
	rootCmd.AddCommand(workersCmd)
	rootCmd.AddCommand(statsCmd)
}

func runRunners(cmd *cobra.Command, args []string) error {
	var resp struct {
		Runners []string `json:"runners"`
	}
	if err := doRequest(http.MethodGet, "/v1/runners", nil, &resp); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(resp)
	}
	for _, name := range resp.Runners {
		fmt.Println(name)
	}
	return nil
}

func runWorkers(cmd *cobra.Command, args []string) error {
	var workers []struct {
		ID     string `json:"id"`
		TaskID string `json:"task_id"`
		State  string `json:"state"`
		Mode   string `json:"mode"`
	}
	if err := doRequest(http.MethodGet, "/v1/workers", nil, &workers); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(workers)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Worker", "Task", "State", "Mode")
	for _, w := range workers {
		table.Append(w.ID, w.TaskID, w.State, w.Mode)
	}
	table.Render()
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats struct {
		Total         int            `json:"total"`
		ByStatus      map[string]int `json:"by_status"`
		ByRunner      map[string]int `json:"by_runner"`
		AvgDurationMS float64        `json:"avg_duration_ms"`
	}
	if err := doRequest(http.MethodGet, "/v1/stats", nil, &stats); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(stats)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	table.Append("Total tasks", fmt.Sprintf("%d", stats.Total))
	for status, n := range stats.ByStatus {
		table.Append("Status "+status, fmt.Sprintf("%d", n))
	}
	for runner, n := range stats.ByRunner {
		table.Append("Runner "+runner, fmt.Sprintf("%d", n))
	}
	table.Append("Avg duration", fmt.Sprintf("%.1fms", stats.AvgDurationMS))
	table.Render()
	return nil
}
