package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kalambet/caddie/internal/api"
	"github.com/kalambet/caddie/internal/config"
	"github.com/kalambet/caddie/internal/delivery"
	"github.com/kalambet/caddie/internal/knowledge"
	"github.com/kalambet/caddie/internal/llm"
	"github.com/kalambet/caddie/internal/metrics"
	"github.com/kalambet/caddie/internal/pii"
	"github.com/kalambet/caddie/internal/pipeline"
	"github.com/kalambet/caddie/internal/storage"
	"github.com/kalambet/caddie/internal/supervision"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the caddie server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running caddie server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show caddie system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "caddie.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseDurationOr(value string, fallback time.Duration, logger *slog.Logger, key string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("invalid duration in config, using default", "key", key, "value", value, "default", fallback)
		return fallback
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "caddie version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Ensure the API token exists before anything binds a port.
	apiToken, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("caddie is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("caddie is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the pipeline.
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	knowledgeTimeout := parseDurationOr(cfg.Knowledge.Timeout, 10*time.Second, logger, "knowledge.timeout")
	retriever := knowledge.New(cfg.Knowledge.BaseURL, knowledgeTimeout)

	llmTimeout := parseDurationOr(cfg.LLM.Timeout, 60*time.Second, logger, "llm.timeout")
	generator := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, llmTimeout)
	responder := llm.NewResponder(generator, llm.NewPromptBuilder(0))

	gate := supervision.Gate{
		PIIEscalationThreshold: cfg.Pipeline.PIIEscalationThreshold,
		ApprovalThreshold:      cfg.Pipeline.ApprovalThreshold,
	}
	stageTimeout := parseDurationOr(cfg.Pipeline.StageTimeout, 30*time.Second, logger, "pipeline.stage_timeout")
	orchestrator := pipeline.New(store, pii.NewScanner(), retriever, responder, gate, m, logger, pipeline.Config{
		TopK:            cfg.Knowledge.TopK,
		MaxHistoryTurns: cfg.Pipeline.MaxHistoryTurns,
		StageTimeout:    stageTimeout,
		PersistRetries:  cfg.Pipeline.PersistRetries,
		GenerateRetries: cfg.Pipeline.GenerateRetries,
	})
	if err := orchestrator.SeedGauges(); err != nil {
		logger.Warn("seeding pending case gauge failed", "error", err)
	}

	// Start the delivery worker.
	var notifier delivery.Notifier
	if cfg.Delivery.WebhookURL != "" {
		notifier = delivery.NewWebhookNotifier(cfg.Delivery.WebhookURL, 10*time.Second)
	} else {
		logger.Warn("no delivery webhook configured, replies will only be logged")
		notifier = delivery.LogNotifier{Logger: logger}
	}
	pollInterval := parseDurationOr(cfg.Delivery.PollInterval, 2*time.Second, logger, "delivery.poll_interval")
	worker := delivery.NewWorker(store, notifier, logger, m, pollInterval)
	go worker.Run(ctx)

	// Build HTTP server.
	apiServer := api.NewServer(orchestrator, store, registry, logger, apiToken)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: apiServer.Router(),
	}

	// Start MCP server (stdio transport in a goroutine) for the supervisor
	// workbench tools.
	stdioSrv := server.NewStdioServer(apiServer.NewMCPServer(version))
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	// Start HTTP server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "caddie listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("caddie is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop caddie (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to caddie (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Check the knowledge store.
	kbResp, err := client.Get(cfg.Knowledge.BaseURL + "/search?q=ping&k=1")
	if err != nil {
		printStatus("Knowledge store", "not reachable")
	} else {
		kbResp.Body.Close()
		printStatus("Knowledge store", "reachable at %s", cfg.Knowledge.BaseURL)
	}

	printStatus("Model", "%s", cfg.LLM.Model)

	// Show pending case count if the server is up.
	if running {
		if apiClient, err := newAPIClient(); err == nil {
			if casesResp, err := apiClient.get("/v1/cases?status=pending"); err == nil {
				var body struct {
					Cases []struct {
						ID string `json:"id"`
					} `json:"cases"`
				}
				if decodeResponse(casesResp, &body) == nil {
					printStatus("Pending cases", "%d", len(body.Cases))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
