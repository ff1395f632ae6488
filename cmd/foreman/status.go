package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"foreman/internal/config"
	"foreman/internal/state"
	"foreman/internal/supervisor"
	"foreman/internal/task"
	"foreman/pkg/models"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet and task status",
	Long: `Display the current state of the fleet.

Queries the running coordinator's HTTP status surface when available.
Falls back to the task snapshot database when no coordinator is running.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Coordinator status surface address")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	addr := statusAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if addr != "" {
		if err := statusFromServer(addr); err == nil {
			return nil
		}
		// Coordinator not reachable; fall through to the snapshot.
	}

	return statusFromSnapshot(cfg)
}

func statusFromServer(addr string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	base := "http://" + addr

	var workers []models.Worker
	if err := getJSON(client, base+"/workers", &workers); err != nil {
		return err
	}
	var report struct {
		Status string                  `json:"status"`
		Report supervisor.HealthReport `json:"report"`
	}
	if err := getJSON(client, base+"/healthz", &report); err != nil {
		return err
	}
	var metrics struct {
		Tasks task.Metrics `json:"tasks"`
	}
	if err := getJSON(client, base+"/metrics", &metrics); err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Println("Fleet")
	if len(workers) == 0 {
		fmt.Println("  no workers registered")
	}
	for _, w := range workers {
		printWorker(w)
	}

	fmt.Println()
	bold.Println("Health")
	fmt.Printf("  healthy: %d  unhealthy: %d  stopped: %d\n",
		len(report.Report.Healthy), len(report.Report.Unhealthy), len(report.Report.Stopped))
	for _, key := range report.Report.Unhealthy {
		printStatus("⚠", fmt.Sprintf("%s heartbeat is stale", key), color.FgYellow)
	}

	fmt.Println()
	bold.Println("Tasks")
	m := metrics.Tasks
	fmt.Printf("  created: %d  completed: %d  failed: %d  avg completion: %s\n",
		m.TotalCreated, m.TotalCompleted, m.TotalFailed, m.AverageCompletion.Round(time.Second))
	return nil
}

func printWorker(w models.Worker) {
	var c *color.Color
	switch w.Status {
	case models.WorkerStatusRunning:
		c = color.New(color.FgGreen)
	case models.WorkerStatusError:
		c = color.New(color.FgRed)
	case models.WorkerStatusStarting, models.WorkerStatusStopping:
		c = color.New(color.FgYellow)
	default:
		c = color.New(color.FgWhite)
	}
	fmt.Printf("  %s/%s  %s  msgs=%d tasks=%d errors=%d\n",
		w.ProjectID, w.Type, c.Sprint(w.Status), w.MessagesProcessed, w.TasksCompleted, w.ErrorCount)
}

func statusFromSnapshot(cfg *config.Config) error {
	dbPath := cfg.State.DBPath
	if dbPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		dbPath = state.ProjectDBPath(cwd)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No running coordinator and no snapshot. Run 'foreman run' to start.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := task.NewStore()
	n, err := db.LoadSnapshot(store)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	bold := color.New(color.Bold)
	bold.Printf("Snapshot (%s)\n", dbPath)
	if n == 0 {
		fmt.Println("  no tasks recorded")
		return nil
	}

	byStatus := map[models.TaskStatus]int{}
	for _, t := range store.All() {
		byStatus[t.Status]++
	}
	for _, status := range []models.TaskStatus{
		models.TaskStatusPending, models.TaskStatusPlanning, models.TaskStatusInProgress,
		models.TaskStatusReview, models.TaskStatusTesting, models.TaskStatusBlocked,
		models.TaskStatusCompleted, models.TaskStatusFailed,
	} {
		if count := byStatus[status]; count > 0 {
			fmt.Printf("  %-12s %d\n", status, count)
		}
	}

	m := store.Metrics()
	fmt.Printf("\n  created: %d  completed: %d  failed: %d  avg completion: %s\n",
		m.TotalCreated, m.TotalCompleted, m.TotalFailed, m.AverageCompletion.Round(time.Second))
	return nil
}

func getJSON(client *http.Client, url string, v any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
