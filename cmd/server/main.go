package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/allowlist"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/api"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/chunker"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/db"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/dispatcher"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/embedder"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/maintenance"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/reader"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/registry"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/repositories"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/websocket"
	"github.com/imnotwallace/Multi-Agent-MCP-GUI-Controller-sub000/internal/writer"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	wsAddr     string
	httpAddr   string
	dbDriver   string
	dbDSN      string
	dataDir    string
	logLevel   string
	adminToken string

	allowlistIDs  string
	allowlistFile string

	embedProvider string
	embedModel    string
	embedBaseURL  string
	embedAPIKey   string
	embedDim      int
	embedWorkers  int

	writerQueue int

	backfillInterval time.Duration
	purgeInterval    time.Duration
	purgeRetention   time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "broker",
		Short: "Context broker — shared memory for multi-agent AI work",
		Long: `The context broker accepts WebSocket connections from AI agents,
persists the context they submit, and serves permission-scoped reads so
agents can share state across sessions. An HTTP admin API exposes the
catalog, connection control and operational endpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.wsAddr, "ws-addr", envOrDefault("BROKER_WS_ADDR", ":8765"), "WebSocket listen address for agents")
	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BROKER_HTTP_ADDR", "127.0.0.1:8080"), "HTTP admin API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BROKER_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BROKER_DB_DSN", "./data/broker.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("BROKER_DATA_DIR", "./data"), "Directory for broker data (vector index, default DB location)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BROKER_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.adminToken, "admin-token", envOrDefault("BROKER_ADMIN_TOKEN", ""), "Bearer token for the admin API (empty disables auth)")

	root.PersistentFlags().StringVar(&cfg.allowlistIDs, "allowlist", envOrDefault("BROKER_ALLOWLIST", ""), "Comma-separated agent ids permitted to connect (empty allows all)")
	root.PersistentFlags().StringVar(&cfg.allowlistFile, "allowlist-file", envOrDefault("BROKER_ALLOWLIST_FILE", ""), "File with one permitted agent id per line, hot-reloaded on change")

	root.PersistentFlags().StringVar(&cfg.embedProvider, "embed-provider", envOrDefault("BROKER_EMBED_PROVIDER", "local"), "Embedding provider (local, ollama or openai)")
	root.PersistentFlags().StringVar(&cfg.embedModel, "embed-model", envOrDefault("BROKER_EMBED_MODEL", ""), "Embedding model name (provider default when empty)")
	root.PersistentFlags().StringVar(&cfg.embedBaseURL, "embed-base-url", envOrDefault("BROKER_EMBED_BASE_URL", ""), "Base URL for the ollama provider")
	root.PersistentFlags().StringVar(&cfg.embedAPIKey, "embed-api-key", envOrDefault("OPENAI_API_KEY", ""), "API key for the openai provider")
	root.PersistentFlags().IntVar(&cfg.embedDim, "embed-dim", envOrDefaultInt("BROKER_EMBED_DIM", 256), "Vector dimension for the local provider")
	root.PersistentFlags().IntVar(&cfg.embedWorkers, "embed-workers", envOrDefaultInt("BROKER_EMBED_WORKERS", embedder.DefaultWorkers), "Embedding worker pool size")

	root.PersistentFlags().IntVar(&cfg.writerQueue, "writer-queue", envOrDefaultInt("BROKER_WRITER_QUEUE", writer.DefaultQueueSize), "Writer job queue capacity")

	root.PersistentFlags().DurationVar(&cfg.backfillInterval, "backfill-interval", envOrDefaultDuration("BROKER_BACKFILL_INTERVAL", 5*time.Minute), "How often to re-queue chunks missing vectors")
	root.PersistentFlags().DurationVar(&cfg.purgeInterval, "purge-interval", envOrDefaultDuration("BROKER_PURGE_INTERVAL", time.Hour), "How often to purge stale connection rows")
	root.PersistentFlags().DurationVar(&cfg.purgeRetention, "purge-retention", envOrDefaultDuration("BROKER_PURGE_RETENTION", 720*time.Hour), "How long unassigned pending/rejected connections are kept")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting context broker",
		zap.String("version", version),
		zap.String("ws_addr", cfg.wsAddr),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// --- Database + repositories ---
	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	gdb, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	agentRepo := repositories.NewAgentRepository(gdb)
	connRepo := repositories.NewConnectionRepository(gdb)
	contextRepo := repositories.NewContextRepository(gdb)
	catalogRepo := repositories.NewCatalogRepository(gdb)

	// --- Writer (single consumer for every DB mutation) ---
	// The writer outlives the signal context: cancellation stops accepting
	// work at the edges, while Close drains what is already queued.
	wr := writer.New(cfg.writerQueue, logger)
	go wr.Run(context.Background())

	// --- Chunker ---
	chk, err := chunker.New(chunker.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to build chunker: %w", err)
	}

	// --- Embedding pipeline ---
	embedFunc, err := embedder.NewEmbeddingFunc(embedder.ProviderConfig{
		Kind:      cfg.embedProvider,
		Model:     cfg.embedModel,
		BaseURL:   cfg.embedBaseURL,
		APIKey:    cfg.embedAPIKey,
		Dimension: cfg.embedDim,
	})
	if err != nil {
		return fmt.Errorf("failed to build embedding provider: %w", err)
	}
	vectorStore, err := embedder.NewStore(filepath.Join(cfg.dataDir, "vectors"), true, logger)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	emb := embedder.New(vectorStore, contextRepo, embedFunc, cfg.embedWorkers, logger)

	// --- Socket plumbing ---
	reg := registry.New(logger)
	readSvc := reader.New(agentRepo, catalogRepo, contextRepo, logger)
	disp := dispatcher.New(reg, wr, chk, emb, readSvc, agentRepo, catalogRepo, contextRepo, logger)

	allow, err := buildAllowlist(cfg, logger)
	if err != nil {
		return err
	}
	if err := allow.Watch(ctx); err != nil {
		return fmt.Errorf("failed to watch allowlist file: %w", err)
	}

	wsHandler := websocket.NewHandler(reg, allow, wr, agentRepo, connRepo,
		func(ctx context.Context, client *websocket.Client, frame []byte) {
			disp.Dispatch(ctx, client, frame)
		},
		logger,
	)

	// --- Maintenance sweeps ---
	sweeper, err := maintenance.New(maintenance.Config{
		BackfillInterval: cfg.backfillInterval,
		PurgeInterval:    cfg.purgeInterval,
		PurgeRetention:   cfg.purgeRetention,
	}, emb, wr, connRepo, logger)
	if err != nil {
		return fmt.Errorf("failed to build maintenance sweeper: %w", err)
	}
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance sweeper: %w", err)
	}

	// --- HTTP servers ---
	wsRouter := chi.NewRouter()
	wsRouter.Get("/ws/{connection_id}", wsHandler.ServeWS)

	adminRouter := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		DB:          gdb,
		Registry:    reg,
		Writer:      wr,
		Embedder:    emb,
		Agents:      agentRepo,
		Connections: connRepo,
		Contexts:    contextRepo,
		Catalog:     catalogRepo,
		AdminToken:  cfg.adminToken,
	})

	wsServer := &http.Server{
		Addr:              cfg.wsAddr,
		Handler:           wsRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           adminRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("websocket server listening", zap.String("addr", cfg.wsAddr))
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("websocket server: %w", err)
		}
	}()
	go func() {
		logger.Info("admin server listening", zap.String("addr", cfg.httpAddr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		cancel()
		shutdown(logger, wsServer, adminServer, reg, sweeper, wr, emb, gdb)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down context broker")
	shutdown(logger, wsServer, adminServer, reg, sweeper, wr, emb, gdb)
	return nil
}

// shutdown runs the ordered teardown: stop accepting new work, close live
// sockets (their teardown enqueues the final state writes), stop the sweeps,
// drain the writer, drain the embed pool, close the database.
func shutdown(
	logger *zap.Logger,
	wsServer, adminServer *http.Server,
	reg *registry.Registry,
	sweeper *maintenance.Sweeper,
	wr *writer.Writer,
	emb *embedder.Embedder,
	gdb *gorm.DB,
) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket server shutdown", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown", zap.Error(err))
	}

	reg.CloseAll()

	if err := sweeper.Stop(); err != nil {
		logger.Warn("sweeper stop", zap.Error(err))
	}

	if err := wr.Close(shutdownCtx); err != nil {
		logger.Warn("writer drain", zap.Error(err))
	}

	if err := emb.Close(); err != nil {
		logger.Warn("embedder drain", zap.Error(err))
	}

	if sqlDB, err := gdb.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("database close", zap.Error(err))
		}
	}

	logger.Info("context broker stopped")
}

func buildAllowlist(cfg *config, logger *zap.Logger) (*allowlist.Allowlist, error) {
	if cfg.allowlistFile != "" {
		allow, err := allowlist.NewFromFile(cfg.allowlistFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load allowlist file: %w", err)
		}
		return allow, nil
	}
	return allowlist.New(allowlist.ParseList(cfg.allowlistIDs), logger), nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
