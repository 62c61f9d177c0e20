package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/lecternapp/lectern/internal/config"
	"github.com/lecternapp/lectern/internal/embed"
	"github.com/lecternapp/lectern/internal/indexer"
	"github.com/lecternapp/lectern/internal/keyword"
	"github.com/lecternapp/lectern/internal/modelfiles"
	"github.com/lecternapp/lectern/internal/search"
	"github.com/lecternapp/lectern/internal/store"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx := context.Background()

	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"repl"}
	}

	var err error
	switch args[0] {
	case "index":
		err = runIndex(ctx, args[1:])
	case "search":
		err = runSearch(ctx, args[1:])
	case "status":
		err = runStatus(ctx, args[1:])
	case "validate-model":
		err = runValidateModel(args[1:])
	case "download-model":
		err = runDownloadModel(ctx, args[1:])
	case "config":
		err = runConfig(args[1:])
	case "repl":
		err = runRepl(ctx, args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("command failed: %v", err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: lectern <command> [flags]

commands:
  repl             interactive search shell (default)
  index <doc-id>   embed and index a document's paragraphs
  search <query>   run one search query
  status           show embedding index coverage
  validate-model   check a local embedding model directory
  download-model   fetch embedding model files
  config           show the active configuration`)
}

// appEnv wires the runtime: store, keyword index, embedding engine, indexing
// service, and search orchestrator.
type appEnv struct {
	dataDir      string
	manager      *config.Manager
	cfg          *config.Config
	store        *store.Store
	keyword      *keyword.Index
	engine       *embed.Engine
	indexer      *indexer.Service
	orchestrator *search.Orchestrator
}

func (e *appEnv) Close() {
	if e.engine != nil {
		e.engine.Close()
	}
	if e.keyword != nil {
		if err := e.keyword.Close(); err != nil {
			log.Printf("⚠️  Failed to close keyword index: %v", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Printf("⚠️  Failed to close store: %v", err)
		}
	}
}

func dataDir() (string, error) {
	if dir := os.Getenv("LECTERN_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".lectern"), nil
}

func prepareEnv(ctx context.Context) (*appEnv, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	manager, err := config.NewManager()
	if err != nil {
		return nil, err
	}
	cfg, err := manager.Load()
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(ctx, filepath.Join(dir, "lectern.db"))
	if err != nil {
		return nil, err
	}
	kw, err := keyword.NewIndex(filepath.Join(dir, "keyword.bleve"))
	if err != nil {
		st.Close()
		return nil, err
	}

	downloader := modelfiles.NewDownloader(dir, cfg.EmbeddingDownloadBaseURL)
	engine := embed.NewEngine(ctx, embed.NewLocalRuntime(dir, downloader))

	embedder, err := indexer.NewEmbedderForProfile(cfg.Profile(), engine, cfg.LMStudioURL, cfg.APIKey)
	if err != nil {
		engine.Close()
		kw.Close()
		st.Close()
		return nil, err
	}
	service := indexer.NewService(st, kw, embedder)

	orchestrator := search.NewOrchestrator(&settingsLoader{manager: manager}, service, st, kw, nil)

	return &appEnv{
		dataDir:      dir,
		manager:      manager,
		cfg:          cfg,
		store:        st,
		keyword:      kw,
		engine:       engine,
		indexer:      service,
		orchestrator: orchestrator,
	}, nil
}

// settingsLoader adapts the config manager to the search orchestrator's
// loader, re-reading the file per query so edits apply immediately.
type settingsLoader struct {
	manager *config.Manager
}

func (l *settingsLoader) Load(_ context.Context) (search.Settings, error) {
	cfg, err := l.manager.Load()
	if err != nil {
		return search.Settings{}, err
	}
	return search.Settings{
		Provider:       cfg.EmbeddingProvider,
		Model:          cfg.EmbeddingModel,
		Dimension:      cfg.EmbeddingDimension,
		LocalModelPath: cfg.EmbeddingLocalModelPath,
		TopK:           cfg.TopK,
	}, nil
}

func runIndex(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lectern index <doc-id>")
	}
	docID := fs.Arg(0)

	env, err := prepareEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	upserted, err := env.indexer.IndexDocument(ctx, docID, env.cfg.Profile(), indexer.IndexOptions{
		LocalModelPath: env.cfg.EmbeddingLocalModelPath,
		OnProgress: func(p indexer.Progress) {
			fmt.Printf("\r%-14s %d/%d", p.Phase, p.Done, p.Total)
		},
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("indexed %d paragraphs\n", upserted)
	return nil
}

func runSearch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	docID := fs.String("doc", "", "Restrict the search to one document")
	topK := fs.Int("k", 0, "Number of results (default from config)")
	forceKeyword := fs.Bool("keyword", false, "Skip the semantic path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lectern search [flags] <query>")
	}

	env, err := prepareEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	resp, err := env.orchestrator.Search(ctx, fs.Arg(0), search.Options{
		DocID:        *docID,
		TopK:         *topK,
		ForceKeyword: *forceKeyword,
	})
	if err != nil {
		return err
	}
	printResponse(resp)
	return nil
}

func printResponse(resp *search.Response) {
	if resp.Hint != nil {
		fmt.Printf("note: %s\n", resp.Hint.Message)
	}
	if len(resp.Results) == 0 {
		fmt.Printf("no results (%s)\n", resp.Mode)
		return
	}
	fmt.Printf("%d results (%s)\n", len(resp.Results), resp.Mode)
	for i, r := range resp.Results {
		fmt.Printf("%2d. [%.3f] %s\n    %s\n", i+1, r.Score, r.Location, r.Snippet)
	}
}

func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	docID := fs.String("doc", "", "Show status for one document (default: whole library)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	status, err := env.indexer.Status(ctx, env.cfg.Profile(), *docID)
	if err != nil {
		return err
	}
	fmt.Printf("profile:  %s/%s (dim %d)\n", status.Profile.Provider, status.Profile.Model, status.Profile.Dimension)
	fmt.Printf("indexed:  %d/%d\n", status.Indexed, status.Total)
	fmt.Printf("stale:    %d\n", status.Stale)
	return nil
}

func runValidateModel(args []string) error {
	fs := flag.NewFlagSet("validate-model", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: lectern validate-model <path>")
	}

	result := modelfiles.Validate(fs.Arg(0))
	if result.Valid {
		fmt.Printf("ok: %s\n", result.CheckedPath)
		return nil
	}
	fmt.Printf("invalid: %s\n", result.CheckedPath)
	for _, missing := range result.MissingFiles {
		fmt.Printf("  missing %s\n", missing)
	}
	os.Exit(1)
	return nil
}

func runDownloadModel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("download-model", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	model := ""
	if fs.NArg() > 0 {
		model = fs.Arg(0)
	}

	dir, err := dataDir()
	if err != nil {
		return err
	}
	manager, err := config.NewManager()
	if err != nil {
		return err
	}
	cfg, err := manager.Load()
	if err != nil {
		return err
	}

	downloader := modelfiles.NewDownloader(dir, cfg.EmbeddingDownloadBaseURL)
	result, err := downloader.Download(ctx, model)
	if err != nil {
		return err
	}
	fmt.Printf("downloaded %s to %s\n", result.Model, result.TargetDir)
	for _, file := range result.Files {
		fmt.Printf("  %s\n", file)
	}
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	manager, err := config.NewManager()
	if err != nil {
		return err
	}
	cfg, err := manager.Load()
	if err != nil {
		return err
	}
	fmt.Printf("path:                %s\n", manager.GetConfigPath())
	fmt.Printf("embedding_provider:  %s\n", cfg.EmbeddingProvider)
	fmt.Printf("embedding_model:     %s\n", cfg.EmbeddingModel)
	fmt.Printf("embedding_dimension: %d\n", cfg.EmbeddingDimension)
	if cfg.EmbeddingLocalModelPath != "" {
		fmt.Printf("local_model_path:    %s\n", cfg.EmbeddingLocalModelPath)
	}
	fmt.Printf("top_k:               %d\n", cfg.TopK)
	return nil
}

func runRepl(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("repl", flag.ExitOnError)
	docID := fs.String("doc", "", "Restrict all searches to one document")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	// Hot-reload config edits while the shell is open.
	watcher, err := config.NewWatcher(env.manager, func(cfg *config.Config) {
		env.cfg = cfg
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		log.Printf("⚠️  Config hot reload unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	log.Printf("📖 Lectern search shell ready (data: %s)", env.dataDir)

	s := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("search> ")
		if !s.Scan() {
			break
		}
		query := s.Text()
		if query == "" {
			continue
		}

		resp, err := env.orchestrator.Search(ctx, query, search.Options{DocID: *docID})
		if err != nil {
			log.Printf("error: %v", err)
			continue
		}
		printResponse(resp)
		fmt.Println()
	}
	return nil
}
