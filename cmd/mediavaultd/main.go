// Command mediavaultd is the media library daemon: it ingests photos
// and videos uploaded through the HTTP API, generates thumbnails,
// embeds them for multimodal search, and serves the HTTP API described
// in internal/httpapi.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mediavault/internal/config"
	"github.com/fyrsmithlabs/mediavault/internal/embeddings"
	"github.com/fyrsmithlabs/mediavault/internal/httpapi"
	"github.com/fyrsmithlabs/mediavault/internal/ingest"
	"github.com/fyrsmithlabs/mediavault/internal/logging"
	"github.com/fyrsmithlabs/mediavault/internal/registry"
	"github.com/fyrsmithlabs/mediavault/internal/search"
	"github.com/fyrsmithlabs/mediavault/internal/store"
	"github.com/fyrsmithlabs/mediavault/internal/vectorindex"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mediavaultd",
	Short: "Media library ingestion and retrieval daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional, env overrides always apply)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateDimensionCmd)
	rootCmd.AddCommand(reconcileCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion pipeline and HTTP API (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var forceDimensionMigration bool

var migrateDimensionCmd = &cobra.Command{
	Use:   "migrate-dimension",
	Short: "Recreate the vector collection for a changed embedding dimension",
	Long: `migrate-dimension drops and recreates the vector collection when the
embedding provider's dimension has changed. This is destructive: every
indexed record is demoted to thumbnail_ready and must be re-embedded.
Requires --force.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !forceDimensionMigration {
			return fmt.Errorf("migrate-dimension is destructive; re-run with --force")
		}
		return runMigrateDimension(cmd.Context())
	},
}

func init() {
	migrateDimensionCmd.Flags().BoolVar(&forceDimensionMigration, "force", false, "confirm the destructive collection recreation")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the startup reconciliation scan without serving HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReconcile(cmd.Context())
	},
}

// deps bundles everything runServe, runMigrateDimension, and
// runReconcile wire up from config, mirroring the teacher's
// dependencies struct in cmd/contextd/main.go.
type deps struct {
	cfg      *config.Config
	logger   *logging.Logger
	reg      *registry.Registry
	store    *store.Store
	index    vectorindex.Client
	embedder *embeddings.Client
	pipeline *ingest.Pipeline
	engine   *search.Engine
}

func buildDeps(ctx context.Context) (*deps, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening registry: %w", err)
	}

	st, err := store.New(cfg.ContentRoot, cfg.MaxFileSize)
	if err != nil {
		reg.Close()
		return nil, nil, fmt.Errorf("initializing store: %w", err)
	}

	host, port := splitHostPort(cfg.VectorDBURL)
	index, err := vectorindex.NewGRPCClient(ctx, &vectorindex.Config{
		Host:           host,
		Port:           port,
		MaxMessageSize: 50 * 1024 * 1024,
	}, logger)
	if err != nil {
		reg.Close()
		return nil, nil, fmt.Errorf("connecting to vector index: %w", err)
	}

	embedder := embeddings.New(embeddings.Config{
		TextURL:         cfg.EmbeddingTextURL,
		ImageURL:        cfg.EmbeddingImageURL,
		ProviderKey:     cfg.EmbeddingProviderKey,
		EmbeddingDim:    cfg.EmbeddingDim,
		TextRatePerSec:  cfg.TextRatePerSec,
		ImageRatePerSec: cfg.ImageRatePerSec,
		MaxRetries:      3,
		BaseBackoff:     embeddings.DefaultConfig().BaseBackoff,
		CallTimeout:     cfg.EmbeddingCallTimeout,
	})

	pipe := ingest.New(ingest.Config{
		WorkerCount:        cfg.WorkerCount,
		MaxAttempts:        cfg.MaxEmbeddingAttempts,
		QueueHighWaterMark: cfg.QueueHighWaterMark,
		CollectionName:     cfg.CollectionName,
	}, reg, st, embedder, index, logger)

	engine := search.New(index, embedder, cfg.CollectionName, search.Thresholds{
		TextToText:  float32(cfg.TextToTextThreshold),
		TextToImage: float32(cfg.TextToImageThreshold),
		ImageSearch: float32(cfg.ImageSearchThreshold),
	})

	cleanup := func() {
		index.Close()
		reg.Close()
		_ = logger.Sync()
	}

	return &deps{
		cfg:      cfg,
		logger:   logger,
		reg:      reg,
		store:    st,
		index:    index,
		embedder: embedder,
		pipeline: pipe,
		engine:   engine,
	}, cleanup, nil
}

func runServe(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	d, cleanup, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := d.index.EnsureCollection(ctx, d.cfg.CollectionName, uint64(d.cfg.EmbeddingDim), d.cfg.FixDimensionOnMismatch); err != nil {
		return fmt.Errorf("ensuring vector collection: %w", err)
	}

	if err := d.pipeline.Reconcile(ctx); err != nil {
		d.logger.Warn(ctx, "startup reconciliation failed", zap.Error(err))
	}

	srv := httpapi.New(httpapi.Config{
		Port:            d.cfg.HTTPPort,
		ShutdownTimeout: d.cfg.ShutdownTimeout,
		JWTSecret:       d.cfg.JWTSecret,
		DefaultUser:     d.cfg.DefaultUser,
		DefaultPassword: d.cfg.DefaultPassword,
		MaxFileSize:     d.cfg.MaxFileSize,
		CollectionName:  d.cfg.CollectionName,
	}, d.reg, d.store, d.pipeline, d.engine, d.index, d.logger)

	pipelineErrCh := make(chan error, 1)
	go func() { pipelineErrCh <- d.pipeline.Start(ctx) }()

	d.logger.Info(ctx, "mediavaultd starting", zap.Int("http_port", d.cfg.HTTPPort), zap.Int("worker_count", d.cfg.WorkerCount))

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-pipelineErrCh
	return nil
}

func runMigrateDimension(ctx context.Context) error {
	d, cleanup, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	d.logger.Info(ctx, "recreating vector collection", zap.String("collection", d.cfg.CollectionName), zap.Int("embedding_dim", d.cfg.EmbeddingDim))
	if err := d.index.EnsureCollection(ctx, d.cfg.CollectionName, uint64(d.cfg.EmbeddingDim), true); err != nil {
		return fmt.Errorf("recreating vector collection: %w", err)
	}

	recs, err := d.reg.ListByState(ctx, registry.StateIndexed)
	if err != nil {
		return fmt.Errorf("listing indexed records: %w", err)
	}
	for _, rec := range recs {
		if err := d.reg.Transition(ctx, rec.GMID, registry.StateIndexed, registry.StateThumbnailReady, "demoted by migrate-dimension"); err != nil {
			d.logger.Warn(ctx, "failed to demote record after migration", zap.String("gmid", rec.GMID), zap.Error(err))
		}
	}
	d.logger.Info(ctx, "migrate-dimension complete", zap.Int("records_demoted", len(recs)))
	return nil
}

func runReconcile(ctx context.Context) error {
	d, cleanup, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := d.pipeline.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	d.logger.Info(ctx, "reconciliation complete")
	return nil
}

// splitHostPort parses "host:port" into its parts, falling back to the
// vector index's own default port when none is given.
func splitHostPort(addr string) (string, int) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return addr, vectorindex.DefaultConfig().Port
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, vectorindex.DefaultConfig().Port
	}
	return host, port
}
