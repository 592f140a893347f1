package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arieshq/aries/internal/domain/entity"
	"github.com/arieshq/aries/internal/infrastructure/config"
	"github.com/arieshq/aries/internal/infrastructure/gateway"
	"github.com/arieshq/aries/internal/infrastructure/logger"
	"github.com/arieshq/aries/internal/infrastructure/usage"
	wsocket "github.com/arieshq/aries/internal/interfaces/websocket"
)

const (
	cliName    = "aries"
	cliVersion = "0.3.0"
)

var (
	flagGateway string
	flagToken   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Aries — autonomous agent fabric",
		Long:  "Operator CLI for an Aries daemon: submit swarm tasks, inspect usage, run a remote worker.",
	}

	rootCmd.PersistentFlags().StringVar(&flagGateway, "gateway", envOr("ARIES_GATEWAY_URL", "http://127.0.0.1:9600"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", os.Getenv("ARIES_GATEWAY_TOKEN"), "gateway auth token")

	runCmd := &cobra.Command{
		Use:   "run <task...>",
		Short: "Submit a task to the swarm and stream its progress",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTask,
	}
	runCmd.Flags().Bool("json", false, "print raw event JSON instead of formatted lines")
	rootCmd.AddCommand(runCmd)

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a remote worker attached to a coordinator",
		Long:  "Connects to a coordinator over WebSocket, authenticates, and executes dispatched tasks through the configured gateway.",
		RunE:  runWorker,
	}
	workerCmd.Flags().String("coordinator", "", "coordinator WebSocket URL (default from config)")
	workerCmd.Flags().String("secret", "", "coordinator shared secret (default from config)")
	workerCmd.Flags().String("id", "", "worker id (coordinator assigns one when empty)")
	workerCmd.Flags().String("model", "", "model for dispatched tasks (default from config)")
	workerCmd.Flags().Int("max-tokens", 0, "response token cap (default from config)")
	rootCmd.AddCommand(workerCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show the gateway's usage ledger",
		RunE:  showUsage,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "workers",
		Short: "List remote workers connected to the daemon",
		RunE:  listWorkers,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ─── run ───

func runTask(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")
	rawJSON, _ := cmd.Flags().GetBool("json")

	payload, _ := json.Marshal(map[string]string{"task": task})
	body, status, err := apiDo("POST", "/v1/swarm/tasks", payload)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("daemon refused task (%d): %s", status, strings.TrimSpace(string(body)))
	}

	var accepted struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(body, &accepted); err != nil || accepted.RunID == "" {
		return fmt.Errorf("unexpected submit response: %s", body)
	}
	fmt.Printf("run %s accepted\n", accepted.RunID)

	ctx, cancel := signalContext()
	defer cancel()
	return streamEvents(ctx, accepted.RunID, rawJSON)
}

// streamEvents follows the run's SSE feed until the complete event, the
// stream ends, or the user interrupts.
func streamEvents(ctx context.Context, runID string, rawJSON bool) error {
	req, err := http.NewRequestWithContext(ctx, "GET", flagGateway+"/v1/swarm/runs/"+runID+"/events", nil)
	if err != nil {
		return err
	}
	authorize(req)

	// No client timeout: runs can legitimately take minutes.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("event stream refused (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev entity.SwarmEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if rawJSON {
			fmt.Println(data)
		} else {
			printEvent(ev)
		}
		if ev.Type == entity.EventComplete {
			return nil
		}
	}
	if ctx.Err() != nil {
		fmt.Println("interrupted; run continues on the daemon")
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("event stream ended: %w", err)
	}
	return nil
}

func printEvent(ev entity.SwarmEvent) {
	switch ev.Type {
	case entity.EventDecomposed:
		fmt.Printf("◇ decomposed into %d subtasks\n", len(ev.Subtasks))
		for i, st := range ev.Subtasks {
			fmt.Printf("    %d. %s\n", i+1, st)
		}
	case entity.EventAllocations:
		for _, r := range ev.Roles {
			fmt.Printf("    #%d → %s\n", r.Index, r.RoleName)
		}
	case entity.EventWorkerStart:
		if ev.Worker != nil {
			fmt.Printf("▸ %s started (#%d, %s)\n", ev.Worker.WorkerID, ev.Worker.Index, ev.Worker.Route)
		}
	case entity.EventWorkerDone:
		if ev.Worker != nil {
			fmt.Printf("✓ %s done in %s\n", ev.Worker.WorkerID, ev.Worker.Elapsed.Round(time.Millisecond))
		}
	case entity.EventWorkerFailed:
		if ev.Worker != nil {
			fmt.Printf("✗ %s failed: %s\n", ev.Worker.WorkerID, ev.Worker.Reason)
		}
	case entity.EventProgress:
		fmt.Printf("… %d/%d complete\n", ev.Completed, ev.Total)
	case entity.EventStatus:
		fmt.Printf("· %s\n", ev.Message)
	case entity.EventComplete:
		fmt.Println()
		if ev.Result != "" {
			fmt.Println(ev.Result)
		}
		if ev.Stats != nil {
			fmt.Printf("\n— %d/%d tasks, %d tokens, %s\n",
				ev.Stats.Completed, ev.Stats.TotalTasks, ev.Stats.Tokens, ev.Stats.TotalTime.Round(time.Millisecond))
		}
		if ev.Message != "" {
			fmt.Printf("status: %s\n", ev.Message)
		}
	}
}

// ─── worker ───

func runWorker(cmd *cobra.Command, args []string) error {
	log, err := logger.NewLogger(logger.Config{
		Level:      "info",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	coordinatorURL, _ := cmd.Flags().GetString("coordinator")
	if coordinatorURL == "" {
		coordinatorURL = fmt.Sprintf("ws://%s:%d/ws", defaultHost(cfg.RemoteWorkers.Host), cfg.RemoteWorkers.Port)
	}
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = cfg.RemoteWorkers.Secret
	}
	workerID, _ := cmd.Flags().GetString("id")
	model, _ := cmd.Flags().GetString("model")
	if model == "" {
		model = cfg.Models.Worker
	}
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	if maxTokens <= 0 {
		maxTokens = cfg.Swarm.MaxTokens
	}

	chat := gateway.NewClient(flagGateway, flagToken, cfg.Upstream.Timeout, log)
	worker := wsocket.NewWorkerClient(
		coordinatorURL,
		secret,
		workerID,
		chat,
		model,
		maxTokens,
		cfg.RemoteWorkers.HeartbeatInterval,
		log,
	)

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("worker connecting to %s (tasks run via %s)\n", coordinatorURL, flagGateway)
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// defaultHost maps listen-everywhere addresses to a dialable host.
func defaultHost(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return "127.0.0.1"
	}
	return host
}

// ─── usage ───

func showUsage(cmd *cobra.Command, args []string) error {
	body, status, err := apiDo("GET", "/usage", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, strings.TrimSpace(string(body)))
	}

	var snap usage.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("unexpected usage response: %w", err)
	}

	fmt.Printf("requests:      %d\n", snap.Totals.Requests)
	fmt.Printf("input tokens:  %d\n", snap.Totals.InputTokens)
	fmt.Printf("output tokens: %d\n", snap.Totals.OutputTokens)
	fmt.Printf("cost:          $%.4f\n", snap.Totals.Cost)

	if len(snap.PerModel) > 0 {
		fmt.Println("\nper model:")
		models := make([]string, 0, len(snap.PerModel))
		for m := range snap.PerModel {
			models = append(models, m)
		}
		sort.Strings(models)
		for _, m := range models {
			t := snap.PerModel[m]
			fmt.Printf("  %-48s %6d req  $%.4f\n", m, t.Requests, t.Cost)
		}
	}

	if len(snap.Recent) > 0 {
		fmt.Printf("\nlast call: %s (%s)\n",
			snap.Recent[len(snap.Recent)-1].Model,
			snap.Recent[len(snap.Recent)-1].Timestamp.Format(time.RFC3339))
	}
	return nil
}

// ─── workers ───

func listWorkers(cmd *cobra.Command, args []string) error {
	body, status, err := apiDo("GET", "/v1/workers", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("daemon returned %d: %s", status, strings.TrimSpace(string(body)))
	}

	var resp struct {
		Workers []wsocket.WorkerStatus `json:"workers"`
		Count   int                    `json:"count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("unexpected workers response: %w", err)
	}

	if resp.Count == 0 {
		fmt.Println("no remote workers connected")
		return nil
	}
	for _, w := range resp.Workers {
		host := ""
		if w.Info != nil {
			host = w.Info.Hostname
		}
		fmt.Printf("%-24s %-6s last seen %s  %s\n",
			w.ID, w.State, w.LastSeen.Format("15:04:05"), host)
	}
	return nil
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func authorize(req *http.Request) {
	if flagToken != "" {
		req.Header.Set("Authorization", "Bearer "+flagToken)
	}
}

// apiDo performs one gateway API call and returns the body and status.
func apiDo(method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, flagGateway+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authorize(req)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot reach daemon at %s: %w", flagGateway, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
