package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	// submit flags
	submitTimeoutS int
	submitDetached bool
	submitWait     bool

	// status flags
	listLimit  int
	listOffset int
)

// taskRecord mirrors the server's task JSON.
type taskRecord struct {
	ID         string     `json:"id"`
	Runner     string     `json:"runner"`
	Args       []string   `json:"args,omitempty"`
	Mode       string     `json:"mode"`
	Status     string     `json:"status"`
	WorkerID   string     `json:"worker_id,omitempty"`
	MonitorRef string     `json:"monitor_ref,omitempty"`
	Output     []byte     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type taskListResponse struct {
	Tasks []taskRecord `json:"tasks"`
	Total int          `json:"total"`
}

var submitCmd = &cobra.Command{
	Use:   "submit <runner> [args...]",
	Short: "Submit a task",
	Long:  `Submit a task to the server under the named runner. With --wait, polls until the task reaches a terminal status.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status",
	Long:  `Show the status of one task by ID, or list recent tasks when no ID is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var killCmd = &cobra.Command{
	Use:   "kill <task-id>",
	Short: "Kill a task",
	Long:  `Forcibly terminate a task's worker. Killing a finished task is a no-op.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

var watchCmd = &cobra.Command{
	Use:   "watch <task-id>",
	Short: "Follow a task's lifecycle events",
	Long:  `Stream a running task's lifecycle events until it finishes.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(watchCmd)

	submitCmd.Flags().IntVar(&submitTimeoutS, "timeout", 0, "task timeout in seconds (0 = server default)")
	submitCmd.Flags().BoolVar(&submitDetached, "detached", false, "fire-and-forget: no result is retained")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the task finishes")

	statusCmd.Flags().IntVar(&listLimit, "limit", 20, "max tasks to list")
	statusCmd.Flags().IntVar(&listOffset, "offset", 0, "list offset")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	req := map[string]any{
		"runner": args[0],
	}
	if len(args) > 1 {
		req["args"] = args[1:]
	}
	if submitTimeoutS > 0 {
		req["timeout_s"] = submitTimeoutS
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	path := "/v1/tasks"
	if submitDetached {
		path = "/v1/tasks/detached"
	}

	var t taskRecord
	if err := doRequest(http.MethodPost, path, bytes.NewReader(body), &t); err != nil {
		return err
	}

	if submitWait && !submitDetached {
		return waitForTask(t.ID)
	}
	return printTask(t)
}

// waitForTask polls the task until it reaches a terminal status.
func waitForTask(id string) error {
	for {
		var t taskRecord
		if err := doRequest(http.MethodGet, "/v1/tasks/"+id, nil, &t); err != nil {
			return err
		}
		switch t.Status {
		case "completed", "crashed", "killed":
			return printTask(t)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		var t taskRecord
		if err := doRequest(http.MethodGet, "/v1/tasks/"+args[0], nil, &t); err != nil {
			return err
		}
		return printTask(t)
	}

	path := fmt.Sprintf("/v1/tasks?limit=%d&offset=%d", listLimit, listOffset)
	var list taskListResponse
	if err := doRequest(http.MethodGet, path, nil, &list); err != nil {
		return err
	}

	if outputFormat == "json" {
		return printJSON(list)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Runner", "Mode", "Status", "Duration", "Created")
	for _, t := range list.Tasks {
		dur := ""
		if t.DurationMS != nil {
			dur = fmt.Sprintf("%dms", *t.DurationMS)
		}
		table.Append(t.ID, t.Runner, t.Mode, t.Status, dur, t.CreatedAt.Format(time.RFC3339))
	}
	table.Render()
	fmt.Printf("\n%d of %d tasks\n", len(list.Tasks), list.Total)
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	var t taskRecord
	if err := doRequest(http.MethodDelete, "/v1/tasks/"+args[0], nil, &t); err != nil {
		return err
	}
	return printTask(t)
}

// runWatch follows the server's SSE event stream for one task.
func runWatch(cmd *cobra.Command, args []string) error {
	url := serverURL + "/v1/tasks/" + args[0] + "/events"
	log.WithField("url", url).Debug("opening event stream")

	resp, err := (&http.Client{}).Get(url)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			fmt.Println(strings.TrimPrefix(line, "event: "))
		} else if strings.HasPrefix(line, "data: ") && verbose {
			fmt.Println("  " + strings.TrimPrefix(line, "data: "))
		}
	}
	return scanner.Err()
}

func printTask(t taskRecord) error {
	if outputFormat == "json" {
		return printJSON(t)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("ID", t.ID)
	table.Append("Runner", t.Runner)
	if len(t.Args) > 0 {
		table.Append("Args", strings.Join(t.Args, " "))
	}
	table.Append("Mode", t.Mode)
	table.Append("Status", t.Status)
	if t.WorkerID != "" {
		table.Append("Worker", t.WorkerID)
	}
	if t.MonitorRef != "" {
		table.Append("Monitor", t.MonitorRef)
	}
	if len(t.Output) > 0 {
		table.Append("Output", string(t.Output))
	}
	if t.Error != "" {
		table.Append("Error", t.Error)
	}
	if t.DurationMS != nil {
		table.Append("Duration", fmt.Sprintf("%dms", *t.DurationMS))
	}
	table.Append("Created", t.CreatedAt.Format(time.RFC3339))
	table.Render()
	return nil
}
