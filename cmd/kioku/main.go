// Package main is the kioku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/classify"
	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/enrichment"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/ranking"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/transcript"
	"github.com/hyperjump/kioku/internal/validation"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/internal/watcher"
	"github.com/hyperjump/kioku/pkg/utils"
)

var version = "dev"

const (
	defaultServerURL = "http://localhost:8765"
	importTimeout    = 2 * time.Minute
)

var defaultConfigPath = func() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".kioku", "config.yaml")
	}
	return filepath.Join(".kioku", "config.yaml")
}()

// loadConfig loads config from path. When path is the default, a config.yaml in the
// current directory takes precedence so that running from a checkout uses its config.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("%w (run `kioku init` to create one)", err)
		}
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "import":
		runImport()
	case "enrich":
		runEnrich()
	case "search":
		runSearch()
	case "feedback":
		runFeedback()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "init":
		runInit()
	case "version", "--version", "-v":
		fmt.Printf("kioku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads config, builds the logger and initializes all components.
func setup(configPath string, debugFlag bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, resolved, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()
	logger.Info("config loaded", zap.String("config_path", resolvedConfigPath), zap.Bool("debug", cfg.Debug || *debug))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := enrichment.NewScheduler(components.Orchestrator, components.Storage, enrichment.SchedulerConfig{
		Workers:        cfg.Enrichment.Workers,
		QueueSize:      cfg.Enrichment.QueueSize,
		RescanInterval: cfg.Enrichment.RescanInterval,
	}, utils.ComponentLogger(logger, "scheduler"))
	sched.Start(ctx)
	defer sched.Stop()
	go drainResults(ctx, sched.Results(), logger)

	handler := watcher.NewTranscriptHandler(ctx, components.Importer, sched, importTimeout, utils.ComponentLogger(logger, "watch"))
	watchSvc := watcher.NewWatcher(
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		handler.OnChange,
		handler.OnRemove,
		watcher.WithDebounce(cfg.Watch.Debounce),
		watcher.WithLogger(utils.ComponentLogger(logger, "watcher")),
	)
	if err := watchSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go func() {
		watchSvc.SyncExistingFiles()
		if n, err := sched.SubmitAll(ctx); err != nil {
			logger.Warn("initial enrichment pass incomplete", zap.Int("queued", n), zap.Error(err))
		}
	}()

	srv := server.NewServer(
		components.Engine,
		components.Orchestrator,
		components.Storage,
		components.Vectors,
		cfg,
		logger,
		server.WithQueue(sched),
		server.WithWatch(watchSvc, resolvedConfigPath),
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchSvc.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

func drainResults(ctx context.Context, results <-chan enrichment.JobResult, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-results:
			if r.Err != nil || r.Result == nil {
				continue
			}
			logger.Info("session enriched",
				zap.String("session_id", r.SessionID),
				zap.Int("messages", r.Result.MessagesEnriched),
				zap.Int("transitions", len(r.Result.ValidationTransitions)),
				zap.Bool("partial", r.Result.Partial),
			)
		}
	}
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	enrich := fs.Bool("enrich", true, "enrich imported sessions")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Println("Usage: kioku import [flags] <transcript-file-or-directory>")
		os.Exit(1)
	}
	path := fs.Arg(0)
	info, err := os.Stat(path)
	if err != nil {
		fail("Failed to stat path: %v", err)
	}

	cfg, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	var results []*transcript.ImportResult
	if info.IsDir() {
		results, err = components.Importer.ImportDirectory(ctx, path, cfg.Watch.Extensions)
	} else {
		var res *transcript.ImportResult
		res, err = components.Importer.ImportFile(ctx, path)
		if res != nil {
			results = append(results, res)
		}
	}
	if err != nil {
		// Close first so vectors written before the failure are saved.
		components.Close()
		fail("Import failed: %v", err)
	}

	sessions := make(map[string]bool)
	inserted := 0
	for _, r := range results {
		inserted += r.Inserted
		for _, s := range r.Sessions {
			sessions[s] = true
		}
	}
	var enriched []*models.EnrichmentResult
	if *enrich {
		for id := range sessions {
			res, err := components.Orchestrator.EnrichSession(ctx, id)
			if err != nil {
				logger.Warn("enrichment failed", zap.String("session_id", id), zap.Error(err))
				continue
			}
			enriched = append(enriched, res)
		}
	}

	if cli.ParseFormat(*outputFormat) == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"imports": results, "enrichment": enriched})
		return
	}
	fmt.Printf("Imported %d new message(s) from %d file(s) across %d session(s)\n", inserted, len(results), len(sessions))
	for _, res := range enriched {
		_ = cli.WriteEnrichmentResult(os.Stdout, res, cli.OutputText)
	}
}

func runEnrich() {
	fs := flag.NewFlagSet("enrich", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	all := fs.Bool("all", false, "enrich every stored session")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if !*all && fs.NArg() < 1 {
		fmt.Println("Usage: kioku enrich [flags] <session-id>... | kioku enrich -all")
		os.Exit(1)
	}
	_, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	ids := fs.Args()
	if *all {
		var err error
		if ids, err = components.Storage.ListSessions(ctx); err != nil {
			fail("List sessions failed: %v", err)
		}
	}
	format := cli.ParseFormat(*outputFormat)
	failed := 0
	for _, id := range ids {
		res, err := components.Orchestrator.EnrichSession(ctx, id)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "Enrichment of %s failed: %v\n", id, err)
			continue
		}
		if err := cli.WriteEnrichmentResult(os.Stdout, res, format); err != nil {
			fail("Output failed: %v", err)
		}
	}
	if failed > 0 {
		components.Close()
		os.Exit(1)
	}
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kioku search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Results are ranked by base similarity amplified by topic, quality, validation,
adjacency and project boosts.
  • Use --raw to see the fused keyword/semantic ranking without boosts.
  • Use --project with --project-only to restrict results to one project.
  • Use --topic to force a topic focus instead of inferring it from the query.
  • Use --explain to print why each result was boosted.

Examples:
  kioku search sqlite database locked
  kioku search --project kioku --topic database "wal mode"
  kioku search --raw --semantic=false docker build
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)")
	limit := fs.Int("limit", 10, "number of results")
	offset := fs.Int("offset", 0, "results to skip")
	minScore := fs.Float64("min-score", 0, "minimum final score")
	kwEnabled := fs.Bool("keyword", true, "enable keyword search")
	semEnabled := fs.Bool("semantic", true, "enable semantic search")
	fuzzyEnabled := fs.Bool("fuzzy", false, "enable fuzzy matching for typo tolerance")
	project := fs.String("project", "", "project of the asking session")
	projectOnly := fs.Bool("project-only", false, "only return messages from --project")
	topic := fs.String("topic", "", "topic focus (inferred from the query when empty)")
	raw := fs.Bool("raw", false, "skip relevance re-ranking")
	explain := fs.Bool("explain", false, "print the boost breakdown of each result")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgsReorder(os.Args[2:]))

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	searchQuery := &models.SearchQuery{
		Query:           queryStr,
		Limit:           *limit,
		Offset:          *offset,
		MinScore:        *minScore,
		KeywordEnabled:  *kwEnabled,
		SemanticEnabled: *semEnabled,
		FuzzyEnabled:    *fuzzyEnabled,
		Project:         *project,
		ProjectOnly:     *projectOnly,
		TopicFocus:      *topic,
		Raw:             *raw,
	}
	format := cli.ParseFormat(*outputFormat)

	var response models.SearchResponse
	if *serverURL != "" {
		// The server holds the Bleve and SQLite locks while it runs.
		if err := doJSON(http.MethodPost, *serverURL+"/api/v1/search", searchQuery, http.StatusOK, &response); err != nil {
			fail("Search failed: %v", err)
		}
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		res, err := components.Engine.Search(context.Background(), searchQuery)
		if err != nil {
			fail("Search failed: %v", err)
		}
		response = *res
	}
	if err := cli.WriteSearchResults(os.Stdout, &response, format); err != nil {
		fail("Output failed: %v", err)
	}
	if *explain && format == cli.OutputText {
		var signals []models.RelevanceSignal
		for _, r := range response.Results {
			if r.Signal != nil {
				signals = append(signals, *r.Signal)
			}
		}
		_ = cli.WriteSignals(os.Stdout, signals, cli.OutputText)
	}
}

func runFeedback() {
	fs := flag.NewFlagSet("feedback", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 2 {
		fmt.Println("Usage: kioku feedback [flags] <message-id> <feedback text>")
		os.Exit(1)
	}
	messageID := fs.Arg(0)
	text := buildSearchQuery(fs.Args()[1:])

	var update models.ValidationUpdate
	if *serverURL != "" {
		body := map[string]string{"message_id": messageID, "text": text}
		if err := doJSON(http.MethodPost, *serverURL+"/api/v1/feedback", body, http.StatusOK, &update); err != nil {
			fail("Feedback failed: %v", err)
		}
	} else {
		_, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		res, err := components.Orchestrator.RecordFeedback(context.Background(), messageID, text)
		if err != nil {
			fail("Feedback failed: %v", err)
		}
		update = *res
	}
	if err := cli.WriteValidationUpdate(os.Stdout, &update, cli.ParseFormat(*outputFormat)); err != nil {
		fail("Output failed: %v", err)
	}
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status server.Status
	if *serverURL != "" {
		if err := doJSON(http.MethodGet, *serverURL+"/api/v1/status", nil, http.StatusOK, &status); err != nil {
			fail("Status failed: %v", err)
		}
	} else {
		cfg, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		st, err := server.CollectStatus(context.Background(), components.Storage, components.Vectors, cfg)
		if err != nil {
			fail("Status failed: %v", err)
		}
		status = *st
	}
	if err := cli.WriteStatus(os.Stdout, &status, cli.ParseFormat(*outputFormat)); err != nil {
		fail("Output failed: %v", err)
	}
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kioku watch <add|remove|list> [path]")
		fmt.Println("  kioku watch add <path>     Add a transcript directory to watch")
		fmt.Println("  kioku watch remove <path>  Remove directory from watch")
		fmt.Println("  kioku watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])
	endpoint := *serverURL + "/api/v1/watch/directories"
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fail("Usage: kioku watch add <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body := map[string]any{"path": path, "sync": true}
		if err := doJSON(http.MethodPost, endpoint, body, http.StatusCreated, nil); err != nil {
			fail("Add failed: %v", err)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fail("Usage: kioku watch remove <path>")
		}
		path, _ := filepath.Abs(fs.Arg(0))
		if err := doJSON(http.MethodDelete, endpoint+"?path="+url.QueryEscape(path), nil, http.StatusOK, nil); err != nil {
			fail("Remove failed: %v", err)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := doJSON(http.MethodGet, endpoint, nil, http.StatusOK, &out); err != nil {
			fail("List failed: %v", err)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fail("Unknown watch subcommand: %s", sub)
	}
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path to create")
	force := fs.Bool("force", false, "overwrite an existing config")
	watchDir := fs.String("watch", "~/.claude/projects", "transcript directory to watch")
	_ = fs.Parse(os.Args[2:])

	path, err := writeInitialConfig(*configPath, *watchDir, *force)
	if err != nil {
		fail("Init failed: %v", err)
	}
	fmt.Printf("Wrote %s\n", path)
}

// writeInitialConfig writes a config with every default filled in. An existing
// file is kept unless force is set.
func writeInitialConfig(path, watchDir string, force bool) (string, error) {
	if _, err := os.Stat(path); err == nil && !force {
		return "", fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	cfg := &config.Config{}
	if watchDir != "" {
		cfg.Watch.Directories = []string{watchDir}
	}
	config.ApplyDefaults(cfg)
	if err := config.Save(path, cfg); err != nil {
		return "", err
	}
	return path, nil
}

// doJSON sends body as JSON and decodes the response into out when the server
// answers with want. out may be nil.
func doJSON(method, endpoint string, body any, want int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Components holds initialized services.
type Components struct {
	Storage      *storage.SQLiteStorage
	Embedder     embedding.Embedder
	Vectors      vector.Backend
	KeywordIndex keyword.Index
	Importer     *transcript.Importer
	Orchestrator *enrichment.Orchestrator
	Engine       *search.Engine

	vectorIndexPath string
	logger          *zap.Logger
}

// Close persists the memory vector index and releases every component. Safe to call twice.
func (c *Components) Close() {
	if mem, ok := c.Vectors.(*vector.MemoryIndex); ok {
		if err := mem.Save(c.vectorIndexPath); err != nil {
			c.logger.Warn("vector index save failed", zap.String("path", c.vectorIndexPath), zap.Error(err))
		}
	}
	if c.Vectors != nil {
		_ = c.Vectors.Close()
		c.Vectors = nil
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
		c.KeywordIndex = nil
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
		c.Embedder = nil
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
		c.Storage = nil
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{vectorIndexPath: cfg.Storage.VectorIndexPath, logger: logger}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	c.Embedder = embedding.Open(cfg.Embedding.ModelPath, cfg.Embedding.Dimensions, cfg.Embedding.MaxTokens,
		cfg.Embedding.CacheSize, utils.ComponentLogger(logger, "embedding"))

	c.Vectors, err = vector.NewBackend(ctx, vector.Options{
		Type:       cfg.Vector.Backend,
		Dimensions: cfg.Embedding.Dimensions,
		MaxBatch:   cfg.Vector.MaxBatchSize,
		IndexPath:  cfg.Storage.VectorIndexPath,
		Qdrant: vector.QdrantConfig{
			Host:       cfg.Vector.Qdrant.Host,
			Port:       cfg.Vector.Qdrant.Port,
			Collection: cfg.Vector.Qdrant.Collection,
		},
		Logger: utils.ComponentLogger(logger, "vector"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector backend: %w", err)
	}
	logger.Info("vector backend initialized", zap.String("type", cfg.Vector.Backend), zap.Int("size", c.Vectors.Size()))

	kw, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.KeywordIndex = kw

	pipeline, err := classify.NewPipeline(cfg.Classify.PipelineConfig(), c.Embedder,
		classify.WithLogger(utils.ComponentLogger(logger, "classify")))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifiers: %w", err)
	}
	learner := validation.NewLearner(cfg.Validation, utils.ComponentLogger(logger, "validation"))
	rankEngine := ranking.NewEngine(&cfg.Ranking)

	c.Orchestrator = enrichment.NewOrchestrator(store, pipeline, learner, rankEngine,
		enrichment.Config{
			SessionBudget: cfg.Enrichment.SessionBudget,
			MaxBatch:      cfg.Vector.MaxBatchSize,
			MaxRetries:    cfg.Enrichment.MaxRetries,
			RetryBackoff:  cfg.Enrichment.RetryBackoff,
		},
		enrichment.WithBackend(c.Vectors),
		enrichment.WithLogger(utils.ComponentLogger(logger, "enrichment")),
	)
	c.Importer = transcript.NewImporter(store, c.Embedder, c.Vectors, kw,
		transcript.WithRetries(cfg.Enrichment.MaxRetries, cfg.Enrichment.RetryBackoff),
		transcript.WithLogger(utils.ComponentLogger(logger, "import")),
	)
	c.Engine = search.NewEngine(store, c.Embedder, c.Vectors, kw, c.Orchestrator, pipeline.Topics(), &cfg.Search)

	ok = true
	return c, nil
}

func printUsage() {
	fmt.Println(`kioku - Feedback-aware memory search over coding assistant transcripts

Usage:
  kioku init [flags]                   Write a default config file
  kioku server [flags]                 Start the HTTP server, watcher and enrichment workers
  kioku import [flags] <path>          Import a transcript file or directory
  kioku enrich [flags] <session-id>    Enrich one or more sessions (or -all)
  kioku search [flags] <query>         Search past messages
  kioku feedback [flags] <id> <text>   Record feedback on a message
  kioku status [flags]                 Show store, index and config status
  kioku watch <add|remove|list>        Manage watched transcript directories
  kioku version                        Show version
  kioku help                           Show this help

Common Flags:
  --config string    Config file path (default: ~/.kioku/config.yaml)
  --server string    Server URL for search, feedback, status and watch (default: http://localhost:8765).
                     Use --server "" to open the store directly when the server is not running.
  --output string    Output format: text or json (default: text)

Examples:
  kioku init --watch ~/.claude/projects
  kioku server --debug
  kioku import ~/.claude/projects/-home-dev-kioku
  kioku enrich -all
  kioku search --project kioku "database is locked"
  kioku feedback a1b2c3 "perfect, that worked"
  kioku status --output json`)
}
