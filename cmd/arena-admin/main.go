// ABOUTME: Admin CLI for arena-gateway task and rollout management.
// ABOUTME: Talks to the gateway HTTP API; config comes from admin.toml or env.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"

	"github.com/2389/arena-gateway/internal/gateway"
)

const banner = `
  __ _ _ __ ___ _ __   __ _        __ _  __| |_ __ ___ (_)_ __
 / _' | '__/ _ \ '_ \ / _' |_____ / _' |/ _' | '_ ' _ \| | '_ \
| (_| | | |  __/ | | | (_| |_____| (_| | (_| | | | | | | | | | |
 \__,_|_|  \___|_| |_|\__,_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

// adminConfig is the TOML config at ~/.config/arena/admin.toml.
type adminConfig struct {
	GatewayURL string `toml:"gateway_url"`
}

// loadConfig resolves the gateway URL. Priority: ARENA_GATEWAY_URL env var >
// admin.toml > localhost default.
func loadConfig() adminConfig {
	cfg := adminConfig{GatewayURL: "http://localhost:8080"}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configDir = filepath.Join(homeDir, ".config")
		}
	}
	if configDir != "" {
		path := filepath.Join(configDir, "arena", "admin.toml")
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: ignoring %s: %v\n", path, err)
		}
	}

	if url := os.Getenv("ARENA_GATEWAY_URL"); url != "" {
		cfg.GatewayURL = url
	}
	cfg.GatewayURL = strings.TrimSuffix(cfg.GatewayURL, "/")
	return cfg
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	client := &apiClient{
		baseURL: loadConfig().GatewayURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(client)
	case "tasks":
		err = cmdTasks(client, args)
	case "rollouts":
		err = cmdRollouts(client, args)
	case "steps":
		err = cmdSteps(client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: arena-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                        Show gateway health")
	fmt.Println("  tasks list                    List tasks with rollout statistics")
	fmt.Println("  tasks upload <file.json>      Create tasks from a JSON file")
	fmt.Println("  rollouts list [task] [status] List rollouts, optionally filtered")
	fmt.Println("  rollouts submit <task> [n]    Queue n rollout attempts (default 1)")
	fmt.Println("  rollouts cancel <id>          Cancel a queued or running rollout")
	fmt.Println("  rollouts delete <id>          Delete a terminal rollout record")
	fmt.Println("  steps <rollout-id>            Show agent step logs for a rollout")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  ARENA_GATEWAY_URL   Gateway base URL (default: http://localhost:8080,")
	fmt.Println("                      also settable in ~/.config/arena/admin.toml)")
	fmt.Println()
}

// apiClient is a thin wrapper over the gateway HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func (c *apiClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func cmdStatus(c *apiClient) error {
	resp, err := c.http.Get(c.baseURL + "/health/ready")
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy (%d): %s", resp.StatusCode, body)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("%s — %s\n", c.baseURL, body)
	return nil
}

func cmdTasks(c *apiClient, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		return tasksList(c)
	case "upload":
		if len(args) < 2 {
			return fmt.Errorf("usage: arena-admin tasks upload <file.json>")
		}
		return tasksUpload(c, args[1])
	default:
		return fmt.Errorf("unknown tasks subcommand: %s", sub)
	}
}

func tasksList(c *apiClient) error {
	var tasks []gateway.TaskResponse
	if err := c.do(http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLLOUTS\tCOMPLETED\tSUCCESS\tDESCRIPTION")
	for _, t := range tasks {
		desc := t.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n",
			t.ID, deref(t.RolloutCount), deref(t.CompletedCount), deref(t.SuccessCount), desc)
	}
	return w.Flush()
}

func tasksUpload(c *apiClient, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Accept either a single task object or an array of tasks.
	var reqs []gateway.CreateTaskRequest
	if err := json.Unmarshal(data, &reqs); err != nil {
		var single gateway.CreateTaskRequest
		if err := json.Unmarshal(data, &single); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		reqs = []gateway.CreateTaskRequest{single}
	}

	var result gateway.TaskUploadResponse
	if err := c.do(http.MethodPost, "/api/tasks", reqs, &result); err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("Uploaded %d task(s), %d already existed\n", result.Created, result.Skipped)
	return nil
}

func cmdRollouts(c *apiClient, args []string) error {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		return rolloutsList(c, args[1:])
	case "submit":
		if len(args) < 2 {
			return fmt.Errorf("usage: arena-admin rollouts submit <task-id> [attempts]")
		}
		attempts := 1
		if len(args) > 2 {
			n, err := strconv.Atoi(args[2])
			if err != nil || n < 1 {
				return fmt.Errorf("attempts must be a positive integer")
			}
			attempts = n
		}
		return rolloutsSubmit(c, args[1], attempts)
	case "cancel":
		if len(args) < 2 {
			return fmt.Errorf("usage: arena-admin rollouts cancel <id>")
		}
		if err := c.do(http.MethodPost, "/api/rollouts/"+args[1]+"/cancel", nil, nil); err != nil {
			return err
		}
		color.New(color.FgGreen).Print("✓ ")
		fmt.Printf("Cancellation requested for rollout %s\n", args[1])
		return nil
	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: arena-admin rollouts delete <id>")
		}
		if err := c.do(http.MethodDelete, "/api/rollouts/"+args[1], nil, nil); err != nil {
			return err
		}
		color.New(color.FgGreen).Print("✓ ")
		fmt.Printf("Deleted rollout %s\n", args[1])
		return nil
	default:
		return fmt.Errorf("unknown rollouts subcommand: %s", sub)
	}
}

func rolloutsList(c *apiClient, args []string) error {
	path := "/api/rollouts"
	var params []string
	if len(args) > 0 && args[0] != "" {
		params = append(params, "task_id="+args[0])
	}
	if len(args) > 1 && args[1] != "" {
		params = append(params, "status="+args[1])
	}
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}

	var rollouts []gateway.RolloutResponse
	if err := c.do(http.MethodGet, path, nil, &rollouts); err != nil {
		return err
	}

	if len(rollouts) == 0 {
		fmt.Println("No rollouts.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tSUCCESS\tPORT\tERROR")
	for _, r := range rollouts {
		success := "-"
		if r.Success != nil {
			success = strconv.FormatBool(*r.Success)
		}
		errMsg := r.ErrorMessage
		if len(errMsg) > 40 {
			errMsg = errMsg[:37] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.TaskID, colorStatus(r.Status), success, r.AllocatedPort, errMsg)
	}
	return w.Flush()
}

func rolloutsSubmit(c *apiClient, taskID string, attempts int) error {
	var resp gateway.SubmitRolloutsResponse
	err := c.do(http.MethodPost, "/api/rollouts", gateway.SubmitRolloutsRequest{
		TaskID:   taskID,
		Attempts: attempts,
	}, &resp)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Queued %d rollout(s) for task %s:", len(resp.Admitted), taskID)
	for _, r := range resp.Admitted {
		fmt.Printf(" %d", r.ID)
	}
	fmt.Println()
	if resp.Rejected > 0 {
		color.Yellow("  %d attempt(s) rejected: queue is full", resp.Rejected)
	}
	return nil
}

func cmdSteps(c *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: arena-admin steps <rollout-id>")
	}

	var steps []gateway.StepLogResponse
	if err := c.do(http.MethodGet, "/api/rollouts/"+args[0]+"/steps", nil, &steps); err != nil {
		return err
	}

	if len(steps) == 0 {
		fmt.Println("No steps recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tTIME\tREASONING")
	for _, s := range steps {
		reasoning := s.Reasoning
		if len(reasoning) > 80 {
			reasoning = reasoning[:77] + "..."
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.StepNumber, s.Timestamp, reasoning)
	}
	return w.Flush()
}

func colorStatus(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "running", "provisioning":
		return color.CyanString(status)
	case "cancelled", "cancelling":
		return color.YellowString(status)
	default:
		return status
	}
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}
