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
	"github.com/spf13/cobra"

	"github.com/kalambet/docdex/internal/api"
	"github.com/kalambet/docdex/internal/config"
	"github.com/kalambet/docdex/internal/discovery"
	"github.com/kalambet/docdex/internal/enrich"
	"github.com/kalambet/docdex/internal/extract"
	"github.com/kalambet/docdex/internal/ingest"
	"github.com/kalambet/docdex/internal/promptcfg"
	"github.com/kalambet/docdex/internal/provider"
	"github.com/kalambet/docdex/internal/ratelimit"
	"github.com/kalambet/docdex/internal/reranking"
	"github.com/kalambet/docdex/internal/retrieval"
	"github.com/kalambet/docdex/internal/retry"
	"github.com/kalambet/docdex/internal/storage"
)

const (
	sessionTTL         = 30 * time.Minute
	sessionSweepPeriod = 5 * time.Minute
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docdex server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docdex server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docdex system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docdex.pid")
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
	fmt.Fprintf(os.Stderr, "docdex version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Ensure the shared API token exists before anything binds to it.
	token, err := config.APIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Write PID file. Check if a server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docdex is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docdex is already running on port %d", cfg.Server.Port)
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

	// Provider clients. Extraction and embedding are configured
	// independently so a local chat model can pair with a hosted embedder.
	llm, err := provider.NewLLM(provider.LLMConfig{
		Provider: cfg.Extraction.Provider,
		BaseURL:  cfg.Extraction.BaseURL,
		APIKey:   cfg.Extraction.APIKey,
		Model:    cfg.Extraction.Model,
	})
	if err != nil {
		return fmt.Errorf("building extraction provider: %w", err)
	}
	embedder, err := provider.NewEmbedder(ctx, provider.EmbedderConfig{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		return fmt.Errorf("building embedding provider: %w", err)
	}

	// Shared resilience primitives: one limiter and one retry policy cover
	// every outbound provider call.
	limiter := ratelimit.New(cfg.Ingestion.RequestsPerMinute)
	retrier := retry.New(cfg.Ingestion.MaxRetries, cfg.Ingestion.RetryDelay(), cfg.Ingestion.BackoffMultiplier)

	// Ingestion pipeline.
	extractor := extract.NewExtractor(llm)
	enricher := enrich.New(llm, enrich.Config{
		Strategy:    cfg.Enrichment.Strategy,
		SkipTypes:   cfg.Enrichment.SkipTypeList(),
		Concurrency: cfg.Enrichment.Concurrency,
	})
	orchestrator := ingest.NewOrchestrator(ingest.Deps{
		Store:     store,
		Extractor: extractor,
		Enricher:  enricher,
		Embedder:  embedder,
		Limiter:   limiter,
		Retrier:   retrier,
	}, ingest.Config{
		PagesPerBatch:  cfg.Ingestion.PagesPerBatch,
		MaxConcurrency: cfg.Ingestion.MaxConcurrency,
	})

	// Retrieval engine.
	chunks := retrieval.NewChunkStore(store.DB())
	var rerankClient *provider.RerankClient
	if cfg.Rerank.Variant == reranking.VariantAPI {
		rerankClient = provider.NewRerankClient(cfg.Rerank.BaseURL, cfg.Rerank.APIKey, cfg.Rerank.Model)
	}
	reranker := reranking.New(cfg.Rerank.Variant, llm, rerankClient, cfg.Rerank.Timeout())
	engine := retrieval.NewEngine(chunks, embedder, reranker, cfg.Search.DefaultLimit)

	// Prompt configs and discovery.
	prompts := promptcfg.NewManager(store)
	sessions := discovery.NewSessionStore(sessionTTL)
	sessions.StartSweep(ctx, sessionSweepPeriod)
	discoverer := discovery.NewService(llm, prompts, sessions)

	reembedder := ingest.NewReembedder(chunks, embedder, limiter, retrier, 0)

	// Start the background worker for async uploads.
	worker := ingest.NewWorker(store, orchestrator, prompts, nil, 0)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:     store,
		Chunks:    chunks,
		Searcher:  engine,
		Ingester:  orchestrator,
		Prompts:   prompts,
		Discovery: discoverer,
		Reembed:   reembedder,
		Limiter:   limiter,
		Token:     token,
		UploadDir: filepath.Join(cfg.Storage.DataDir, "uploads"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Searcher: engine,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docdex listening on %s\n", addr)
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
		printError("docdex is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docdex (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docdex (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := healthClient.Get(serverURL + "/health")
	running := false
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

	printStatus("Extraction", "%s (%s)", cfg.Extraction.Model, cfg.Extraction.Provider)
	printStatus("Embedding", "%s (%s, %d dims)", cfg.Embedding.Model, cfg.Embedding.Provider, cfg.Embedding.Dimension)
	printStatus("Reranking", "%s", cfg.Rerank.Variant)

	// Show corpus counts and limiter state if the server is up.
	if running {
		if client, err := newAPIClient(); err == nil {
			var status struct {
				Documents   int `json:"documents"`
				Chunks      int `json:"chunks"`
				PendingJobs int `json:"pending_jobs"`
				RateLimiter struct {
					BaseRPM         float64 `json:"base_rpm"`
					CurrentRPM      float64 `json:"current_rpm"`
					AvailableTokens float64 `json:"available_tokens"`
				} `json:"rate_limiter"`
			}
			if resp, err := client.get(ctx, "/status"); err == nil {
				if decodeJSON(resp, &status) == nil {
					printStatus("Documents", "%d", status.Documents)
					printStatus("Chunks", "%d", status.Chunks)
					printStatus("Pending jobs", "%d", status.PendingJobs)
					printStatus("Rate limiter", "%.0f/%.0f rpm, %.1f tokens available",
						status.RateLimiter.CurrentRPM, status.RateLimiter.BaseRPM, status.RateLimiter.AvailableTokens)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
