package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/packrat-io/packrat/pkg/auth"
	"github.com/packrat-io/packrat/pkg/blob"
	"github.com/packrat-io/packrat/pkg/clock"
	"github.com/packrat-io/packrat/pkg/config"
	"github.com/packrat-io/packrat/pkg/jobs"
	"github.com/packrat-io/packrat/pkg/kv"
	"github.com/packrat-io/packrat/pkg/log"
	"github.com/packrat-io/packrat/pkg/metadata"
	"github.com/packrat-io/packrat/pkg/metrics"
	"github.com/packrat-io/packrat/pkg/mirror"
	"github.com/packrat-io/packrat/pkg/queue"
	"github.com/packrat-io/packrat/pkg/reposync"
	"github.com/packrat-io/packrat/pkg/security"
	"github.com/packrat-io/packrat/pkg/server"
	"github.com/packrat-io/packrat/pkg/storage"
	"github.com/packrat-io/packrat/pkg/types"
	"github.com/packrat-io/packrat/pkg/upstream"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "packrat",
	Short: "Packrat - Caching mirror for Composer package repositories",
	Long: `Packrat sits between Composer clients and their package sources:
the public registry, private Composer repositories and Git hosts.

Package metadata and dist archives are cached locally and served with
aggressive cache headers, so repeated installs stay fast and keep
working when upstreams are slow or down.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Packrat version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy server",
	Long: `Start the HTTP server exposing the Composer protocol endpoints
(/packages.json, /p2, /dist) and the admin API (/api). Configuration is
read from the environment (PORT, DB_DRIVER, STORAGE_DRIVER, CACHE_DRIVER,
QUEUE_DRIVER, ENCRYPTION_KEY, PUBLIC_URL, REPOS_FILE, LOG_LEVEL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("main")

	clk := clock.Real{}
	client := upstream.NewClient()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	blobs, err := openBlobStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open blob storage: %w", err)
	}

	cache, err := openCache(cfg, clk)
	if err != nil {
		return err
	}

	box, err := security.NewBox(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("invalid encryption key: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}

	engine := reposync.NewEngine(store, cache, client, box, clk, publicURL)

	var processor *jobs.Processor
	var q *queue.Memory
	if cfg.QueueDriver == "memory" {
		q = queue.NewMemory(256, func(ctx context.Context, msg []byte) {
			processor.Consume(ctx, msg)
		})
		defer q.Stop()
		processor = jobs.NewProcessor(store, engine, q)
	} else {
		// No queue: jobs execute inline on the request path
		processor = jobs.NewProcessor(store, engine, nil)
	}

	resolver := metadata.NewResolver(store, cache, client, box, processor, clk)
	m := mirror.NewMirror(store, blobs, cache, client, box, processor, clk, nil, cfg.SkipPackageStorage)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("database", true, "")
	metrics.RegisterComponent("storage", true, "")
	if cache != nil {
		metrics.RegisterComponent("cache", true, "")
	}
	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	if cfg.ReposFile != "" {
		if err := seedRepositories(cfg.ReposFile, store, box, processor); err != nil {
			return err
		}
	}

	srv := server.NewServer(server.Options{
		Store:    store,
		Cache:    cache,
		Box:      box,
		Resolver: resolver,
		Mirror:   m,
		Syncer:   engine,
		Jobs:     processor,
		Auth:     auth.NewAuthenticator(store, cache, clk, processor),
		Limiter:  auth.NewRateLimiter(cache, clk),
		Clock:    clk,
		BaseURL:  cfg.PublicURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(fmt.Sprintf(":%d", cfg.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.DBDriver {
	case "bolt":
		return storage.NewBoltStore(cfg.DBURL)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func openBlobStore(cfg *config.Config) (blob.Store, error) {
	switch cfg.StorageDriver {
	case "fs":
		return blob.NewFS(cfg.StoragePath)
	case "memory":
		return blob.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
}

func openCache(cfg *config.Config, clk clock.Clock) (kv.Cache, error) {
	switch cfg.CacheDriver {
	case "":
		return nil, nil
	case "memory":
		return kv.NewMemory(clk), nil
	default:
		return nil, fmt.Errorf("unknown CACHE_DRIVER %q", cfg.CacheDriver)
	}
}

// seedRepositories creates the repositories listed in the seed file.
// Existing IDs are left untouched so the file can stay in place across
// restarts.
func seedRepositories(path string, store storage.Store, box *security.Box, enqueuer *jobs.Processor) error {
	seed, err := config.LoadSeedFile(path)
	if err != nil {
		return err
	}
	logger := log.WithComponent("main")
	ctx := context.Background()

	for _, entry := range seed.Repositories {
		if entry.ID == "" || entry.URL == "" {
			logger.Warn().Str("id", entry.ID).Msg("seed entry missing id or url, skipped")
			continue
		}
		if _, err := store.GetRepository(entry.ID); err == nil {
			continue
		}

		repo := &types.Repository{
			ID:         entry.ID,
			URL:        entry.URL,
			SourceKind: types.SourceKind(entry.SourceKind),
			CredKind:   types.CredentialKind(entry.CredKind),
			Filter:     entry.Filter,
			Status:     types.RepoStatusPending,
			CreatedAt:  time.Now(),
		}
		if repo.SourceKind == "" {
			repo.SourceKind = types.SourceKindComposer
		}
		if repo.CredKind == "" {
			repo.CredKind = types.CredentialKindNone
		}
		if entry.Username != "" || entry.Password != "" || entry.Token != "" {
			sealed, err := box.EncryptCredentials(&security.Credentials{
				Username: entry.Username,
				Password: entry.Password,
				Token:    entry.Token,
			})
			if err != nil {
				return fmt.Errorf("failed to seal credentials for %s: %w", entry.ID, err)
			}
			repo.Credentials = sealed
		}

		if err := store.CreateRepository(repo); err != nil {
			return fmt.Errorf("failed to create seeded repository %s: %w", entry.ID, err)
		}
		logger.Info().Str("repo", entry.ID).Msg("seeded repository")

		if err := enqueuer.Enqueue(ctx, types.Job{Type: types.JobRepositorySync, RepoID: entry.ID}); err != nil {
			logger.Warn().Err(err).Str("repo", entry.ID).Msg("failed to enqueue seed sync")
		}
	}
	return nil
}
