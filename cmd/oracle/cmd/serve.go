package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/oraclecore/oracle/internal/chunk"
	"github.com/oraclecore/oracle/internal/config"
	"github.com/oraclecore/oracle/internal/delta"
	"github.com/oraclecore/oracle/internal/embed"
	"github.com/oraclecore/oracle/internal/index"
	"github.com/oraclecore/oracle/internal/llm"
	"github.com/oraclecore/oracle/internal/logging"
	"github.com/oraclecore/oracle/internal/mcpsrv"
	"github.com/oraclecore/oracle/internal/oracle"
	"github.com/oraclecore/oracle/internal/oracle/contexttree"
	"github.com/oraclecore/oracle/internal/oracle/threadsum"
	"github.com/oraclecore/oracle/internal/scanner"
	"github.com/oraclecore/oracle/internal/search"
	"github.com/oraclecore/oracle/internal/store"
	"github.com/oraclecore/oracle/internal/telemetry"
	"github.com/oraclecore/oracle/internal/vault/localvault"
	"github.com/oraclecore/oracle/internal/watcher"
)

// defaultWatcherStartupGrace bounds how long serve waits for the file
// watcher to report it is live before moving on. BUG-035: the MCP
// handshake has to complete well under a second, so the watcher is
// always started on its own goroutine and never on this command's
// critical path — this constant only paces a best-effort debug log.
const defaultWatcherStartupGrace = 500 * time.Millisecond

func newServeCmd() *cobra.Command {
	var transport string
	var port int
	var session string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the MCP (Model Context Protocol) server for the current project.

This exposes code search, note search, and the Oracle query/thread tools
to MCP clients (Claude Code, Cursor, etc.) over the given transport.

MCP protocol requires stdout to be used exclusively for JSON-RPC frames,
so with the default "stdio" transport all status output goes to the
debug log file (~/.oracle/logs/) instead of the terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if session != "" {
				root, err := config.FindProjectRoot(".")
				if err != nil {
					root, _ = os.Getwd()
				}
				return runServeWithSession(cmd.Context(), session, root, transport, port)
			}
			return runServe(cmd.Context(), transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio|sse)")
	cmd.Flags().IntVar(&port, "port", 0, "Port for SSE transport")
	cmd.Flags().StringVar(&session, "session", "", "Resume a saved session by name instead of the current directory")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable verbose debug logging to ~/.oracle/logs/")

	return cmd
}

// verifyStdinForMCP checks that stdin looks like a pipe rather than an
// interactive terminal. The MCP stdio transport expects a client process
// to own the other end of stdin/stdout; a human running `oracle serve`
// directly in a terminal will otherwise see the process hang with no
// explanation.
func verifyStdinForMCP() error {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return fmt.Errorf("stdin is a terminal, not a pipe: the MCP stdio transport expects a client to connect over stdin/stdout (run this via an MCP client, not interactively)")
	}
	return nil
}

// runServe starts the MCP server rooted at the current project directory.
func runServe(ctx context.Context, transport string, port int) error {
	root, err := config.FindProjectRoot(".")
	if err != nil {
		root, _ = os.Getwd()
	}
	return serve(ctx, root, transport, port)
}

// runServeWithSession starts the MCP server rooted at a saved session's
// project path, logging which session resumed it. BUG-035: this must set
// up MCP-safe logging the same way runServe does — it previously didn't,
// leaving session-resume output free to corrupt the stdio protocol.
func runServeWithSession(ctx context.Context, name, projectPath, transport string, port int) error {
	cleanup, err := logging.SetupMCPMode()
	if err == nil {
		defer cleanup()
	}
	slog.Info("resuming session", slog.String("session", name), slog.String("project", projectPath))
	return serveWithLogging(ctx, projectPath, transport, port, false)
}

// serve wires the full retrieval stack for root and blocks serving
// transport until ctx is cancelled or the transport errors out.
func serve(ctx context.Context, root, transport string, port int) error {
	return serveWithLogging(ctx, root, transport, port, true)
}

func serveWithLogging(ctx context.Context, root, transport string, port int, setupLogging bool) error {
	if setupLogging {
		// BUG-034: stdout is reserved for JSON-RPC frames under stdio
		// transport; every status/debug message goes to the file log.
		cleanup, err := logging.SetupMCPMode()
		if err == nil {
			defer cleanup()
		}
	}

	if transport == "stdio" {
		if err := verifyStdinForMCP(); err != nil {
			slog.Warn("stdin verification failed, continuing anyway", slog.String("error", err.Error()))
		}
	}

	dataDir := filepath.Join(root, ".oracle")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	if _, statErr := os.Stat(metadataPath); os.IsNotExist(statErr) {
		return fmt.Errorf("no index found at %s. Run 'oracle index' first", root)
	}

	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer func() { _ = metadata.Close() }()

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		return fmt.Errorf("open BM25 index: %w", err)
	}
	defer func() { _ = bm25.Close() }()

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	existingDims, err := store.ReadHNSWStoreDimensions(vectorPath)
	if err != nil {
		slog.Debug("could not read vector dimensions", slog.String("error", err.Error()))
		existingDims = 0
	}

	embed.SetMLXConfig(embed.MLXServerConfig{
		Endpoint: cfg.Embeddings.MLXEndpoint,
		Model:    cfg.Embeddings.MLXModel,
	})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	embedder, err := embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
	if err != nil {
		slog.Warn("embedder unavailable, degrading to keyword-only retrieval", slog.String("error", err.Error()))
		embedder = nil
	}
	var dimensions int
	if embedder != nil {
		dimensions = embedder.Dimensions()
	} else if existingDims > 0 {
		dimensions = existingDims
	} else {
		dimensions = 768
	}
	if embedder != nil {
		defer func() { _ = embedder.Close() }()
	}

	vectorConfig := store.DefaultVectorStoreConfig(dimensions)
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		return fmt.Errorf("create vector store: %w", err)
	}
	defer func() { _ = vector.Close() }()
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector load failed", slog.String("error", loadErr.Error()))
		}
	}

	projectID := hashString(root)

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{
			BM25:     cfg.Search.BM25Weight,
			Semantic: cfg.Search.SemanticWeight,
		}
	}
	engineConfig.DefaultWeights.Graph = cfg.Delta.GraphWeight

	metrics := telemetry.NewQueryMetrics(nil)

	engine := search.New(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()),
		search.WithSymbolGraph(store.NewSymbolGraph(metadata), projectID, cfg.Delta.GraphHops),
		search.WithMetrics(metrics))

	mcpServer, err := mcpsrv.NewServer(engine, metadata, embedder, cfg, root)
	if err != nil {
		return fmt.Errorf("create MCP server: %w", err)
	}
	mcpServer.SetMetrics(metrics)

	stopMetrics := startMetricsExporter(cfg.Server.MetricsPort, metrics)
	defer stopMetrics()

	notesPath := cfg.Vault.Path
	if notesPath == "" {
		notesPath = filepath.Join(dataDir, "notes")
	} else if !filepath.IsAbs(notesPath) {
		notesPath = filepath.Join(root, notesPath)
	}
	notes := localvault.New(notesPath)

	trees := contexttree.New(metadata, cfg.ContextTree.MaxNodes, cfg.ContextTree.PruneRecencyWindow)
	chat := llm.NewEchoClient("")

	cacheStore := threadsum.NewSQLiteCacheStore(metadata)
	if cfg.Threads.CacheBackend == "redis" && cfg.Threads.RedisAddr != "" {
		cacheStore = threadsum.NewRedisCacheStore(cfg.Threads.RedisAddr, 0)
	}
	summaryModel := cfg.Threads.SummaryModel
	if summaryModel == "" {
		summaryModel = cfg.Oracle.DefaultModel
	}
	summarizer := threadsum.New(metadata, cacheStore, chat, summaryModel)
	threadReader := oracle.NewThreadSummaryReader(metadata, summarizer)

	codeSearcher := oracle.NewCodeSearcher(engine)
	fileReader := oracle.NewLocalFileReader(root)
	tools := oracle.NewToolExecutor(projectID, codeSearcher, notes, fileReader, threadReader, cfg.Oracle.ToolCallTimeout)
	orch := oracle.NewOrchestrator(trees, chat, tools, codeSearcher, notes, oracle.NewThreadRetriever(metadata), cfg.Oracle)

	mcpServer.SetOracle(orch, tools)

	// Delta queue + watcher run on their own goroutine, fed by the
	// background file watcher, so a slow filesystem (fsnotify recursive
	// add can take seconds on a large tree) never delays the MCP
	// handshake. Stopping is driven entirely by ctx cancellation.
	stopWatch := startBackgroundIndexer(ctx, root, dataDir, projectID, engine, metadata, cfg)
	defer stopWatch()

	return mcpServer.Serve(ctx, transport, fmt.Sprintf(":%d", port))
}

// startBackgroundIndexer starts a file watcher and change-detection queue
// for root, committing batches into engine as thresholds are crossed (spec
// §4.4). It returns immediately; all work happens on background
// goroutines it owns, and stops when ctx is cancelled.
func startBackgroundIndexer(ctx context.Context, root, dataDir, projectID string, engine *search.Engine, metadata store.MetadataStore, cfg *config.Config) func() {
	fileScanner, err := scanner.New()
	if err != nil {
		slog.Warn("background indexer disabled: scanner init failed", slog.String("error", err.Error()))
		return func() {}
	}

	coordinator := index.NewCoordinator(index.CoordinatorConfig{
		ProjectID:       projectID,
		RootPath:        root,
		DataDir:         dataDir,
		Engine:          engine,
		Metadata:        metadata,
		CodeChunker:     chunk.NewCodeChunker(),
		MDChunker:       chunk.NewMarkdownChunker(),
		Scanner:         fileScanner,
		ExcludePatterns: cfg.Paths.Exclude,
	})

	queue := delta.New(metadata, coordinator, cfg.Delta, filepath.Dir(dataDir))

	w, err := watcher.NewHybridWatcher(watcher.Options{}.WithDefaults())
	if err != nil {
		slog.Warn("background indexer disabled: watcher init failed", slog.String("error", err.Error()))
		return func() {}
	}

	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		startedAt := time.Now()
		if err := w.Start(watchCtx, root); err != nil {
			slog.Warn("file watcher stopped", slog.String("error", err.Error()))
			return
		}
		slog.Debug("file watcher started", slog.Duration("elapsed", time.Since(startedAt)))
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case batch, ok := <-w.Events():
				if !ok {
					return
				}
				enqueueBatch(watchCtx, queue, projectID, root, batch)
				if err := queue.Commit(watchCtx, projectID, false); err != nil {
					slog.Debug("delta commit failed", slog.String("error", err.Error()))
				}
			case <-ticker.C:
				if err := queue.Commit(watchCtx, projectID, false); err != nil {
					slog.Debug("delta commit failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	return func() {
		cancel()
		_ = w.Stop()
	}
}

// enqueueBatch translates a batch of raw file-system events into delta
// queue entries, reading old/new content best-effort for line-delta
// accounting (spec §4.4's cumulative_lines_changed threshold).
func enqueueBatch(ctx context.Context, queue *delta.Queue, projectID, root string, batch []watcher.FileEvent) {
	for _, evt := range batch {
		switch evt.Operation {
		case watcher.OpGitignoreChange, watcher.OpConfigChange:
			continue
		}
		if evt.IsDir {
			continue
		}

		var changeType store.ChangeType
		var newContent []byte
		switch evt.Operation {
		case watcher.OpDelete:
			changeType = store.ChangeTypeDeleted
		default:
			changeType = store.ChangeTypeModified
			content, err := os.ReadFile(filepath.Join(root, evt.Path))
			if err != nil {
				slog.Debug("skip unreadable changed file", slog.String("path", evt.Path), slog.String("error", err.Error()))
				continue
			}
			newContent = content
		}

		if err := queue.Enqueue(ctx, projectID, evt.Path, changeType, nil, newContent); err != nil {
			slog.Debug("enqueue failed", slog.String("path", evt.Path), slog.String("error", err.Error()))
		}
	}
}

// startMetricsExporter serves metrics' Prometheus registry over HTTP on
// port, independent of the MCP transport so stdio clients are unaffected.
// A port of 0 disables the exporter. Returns a stop func that shuts the
// listener down; safe to call even if the exporter never started.
func startMetricsExporter(port int, metrics *telemetry.QueryMetrics) func() {
	if port == 0 {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics exporter stopped", slog.String("error", err.Error()))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
