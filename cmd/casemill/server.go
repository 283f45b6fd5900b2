package main

import (
	"context"
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
	"github.com/spf13/cobra"

	"github.com/casemill/casemill/internal/answer"
	"github.com/casemill/casemill/internal/api"
	"github.com/casemill/casemill/internal/config"
	"github.com/casemill/casemill/internal/dedup"
	"github.com/casemill/casemill/internal/engine"
	"github.com/casemill/casemill/internal/ingest"
	"github.com/casemill/casemill/internal/mining"
	"github.com/casemill/casemill/internal/retrieval"
	"github.com/casemill/casemill/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the casemill server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running casemill server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show casemill system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "casemill.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "casemill version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.APIToken()
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to double-start: probe the health endpoint before taking the
	// PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("casemill is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("casemill is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.NewOllama(cfg.Ollama.BaseURL)
	if err := ensureEngineReady(ctx, eng, cfg.Ollama); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Mining pipeline: extractor and normalizer feed the deduplicator,
	// workers drive them off the job queue.
	embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
	searcher := retrieval.NewSearcher(store)
	dedupper := dedup.New(store, embedder, searcher, dedup.Config{
		Threshold:         float32(cfg.Retrieval.SimilarityThreshold),
		ChannelThresholds: cfg.Retrieval.ChannelThresholdMap(),
	})
	extractor := mining.NewExtractor(eng, cfg.Ollama.FastModel)
	normalizer := mining.NewNormalizer(eng, cfg.Ollama.DeepModel)
	pool := ingest.NewPool(
		cfg.Pipeline.Workers,
		store,
		extractor,
		normalizer,
		dedupper,
		cfg.Pipeline.PollIntervalDuration(),
		cfg.Pipeline.ClaimLeaseDuration(),
	)
	go pool.Run(ctx)

	answerer := answer.NewPipeline(eng, cfg.Ollama.FastModel, cfg.Ollama.DeepModel, embedder, searcher, cfg.Retrieval.TopK)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:       store,
		Answerer:    answerer,
		Token:       apiToken,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// MCP server over stdio, so local agents can search the case base.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Embedder: embedder,
		Searcher: searcher,
		Answerer: answerer,
		TopK:     cfg.Retrieval.TopK,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "casemill listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// ensureEngineReady verifies Ollama is reachable and reports which of the
// configured models are missing. Missing models are a warning, not a fatal
// error: pulls may still be in flight at startup.
func ensureEngineReady(ctx context.Context, eng engine.Engine, cfg config.OllamaConfig) error {
	if !eng.IsRunning(ctx) {
		return fmt.Errorf("ollama is not reachable at %s, start it and retry", cfg.BaseURL)
	}
	for _, model := range []string{cfg.FastModel, cfg.DeepModel, cfg.EmbedModel} {
		if !eng.HasModel(ctx, model) {
			printWarning("model %q is not available locally, run: ollama pull %s", model, model)
		}
	}
	return nil
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
		printError("casemill is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop casemill (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to casemill (PID %d)", pid)
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

	serverUp := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Fast model", "%s", cfg.Ollama.FastModel)
	printStatus("Deep model", "%s", cfg.Ollama.DeepModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)

	if serverUp {
		if apiCl, err := newAPIClient(); err == nil {
			var jobsOut struct {
				Jobs []struct {
					Status string `json:"status"`
				} `json:"jobs"`
			}
			if resp, err := apiCl.get("/jobs?limit=100"); err == nil {
				if decodeResponse(resp, &jobsOut) == nil {
					pending := 0
					for _, j := range jobsOut.Jobs {
						if j.Status == "pending" || j.Status == "running" {
							pending++
						}
					}
					printStatus("Jobs in flight", "%d", pending)
				}
			}
			var casesOut struct {
				Cases []struct {
					ID string `json:"id"`
				} `json:"cases"`
			}
			if resp, err := apiCl.get("/cases?limit=100"); err == nil {
				if decodeResponse(resp, &casesOut) == nil {
					printStatus("Cases", "%s", countLabel(len(casesOut.Cases), 100))
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}
