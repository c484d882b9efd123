// Command logmesh runs the log ingestion service and its companions.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"logmesh/internal/embedding"
	"logmesh/internal/ingest"
	"logmesh/internal/logging"
	"logmesh/internal/server"
	"logmesh/internal/shipper"
	"logmesh/internal/store/postgres"
	"logmesh/internal/sweep"
	"logmesh/internal/template"
)

var version = "dev"

const warmLimit = 1000

func main() {
	var logFormat, logLevel string
	var logger *slog.Logger

	rootCmd := &cobra.Command{
		Use:   "logmesh",
		Short: "Log ingestion and templating service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = logging.New(os.Stderr, logFormat, logLevel)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", envOr("LOGMESH_LOG_FORMAT", "text"), "log output format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOGMESH_LOG_LEVEL", "info"), "log level: debug, info, warn, or error")

	var storeFlags storeConfig

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the ingestion and query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			apiKey, _ := cmd.Flags().GetString("api-key")
			authEnabled, _ := cmd.Flags().GetBool("auth")
			rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
			rateBurst, _ := cmd.Flags().GetInt("rate-burst")
			maxBatch, _ := cmd.Flags().GetInt("max-batch")
			cacheSize, _ := cmd.Flags().GetInt("cache-size")
			node, _ := cmd.Flags().GetString("node")
			safetyNetCron, _ := cmd.Flags().GetString("safety-net-cron")
			retentionCron, _ := cmd.Flags().GetString("retention-cron")
			maxEventAge, _ := cmd.Flags().GetDuration("max-event-age")
			maxTemplateIdle, _ := cmd.Flags().GetDuration("max-template-idle")
			embedFlags := embedConfigFromFlags(cmd)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runServer(ctx, logger, serverOptions{
				store:           storeFlags,
				embed:           embedFlags,
				addr:            addr,
				apiKey:          apiKey,
				authEnabled:     authEnabled,
				rateLimit:       rateLimit,
				rateBurst:       rateBurst,
				maxBatch:        maxBatch,
				cacheSize:       cacheSize,
				node:            node,
				safetyNetCron:   safetyNetCron,
				retentionCron:   retentionCron,
				maxEventAge:     maxEventAge,
				maxTemplateIdle: maxTemplateIdle,
			})
		},
	}
	addStoreFlags(serverCmd, &storeFlags)
	addEmbedFlags(serverCmd)
	serverCmd.Flags().String("addr", envOr("LOGMESH_ADDR", ":8088"), "listen address (host:port)")
	serverCmd.Flags().String("api-key", envOr("LOGMESH_API_KEY", ""), "API key required on non-public endpoints")
	serverCmd.Flags().Bool("auth", envOr("LOGMESH_API_KEY", "") != "", "require the API key header")
	serverCmd.Flags().Float64("rate-limit", 0, "ingest requests per second per client IP (0 disables)")
	serverCmd.Flags().Int("rate-burst", 10, "ingest rate limit burst")
	serverCmd.Flags().Int("max-batch", 1000, "maximum events per ingest request")
	serverCmd.Flags().Int("cache-size", 10000, "template cache capacity")
	serverCmd.Flags().String("node", hostname(), "node name reported by the info endpoint")
	serverCmd.Flags().String("safety-net-cron", sweep.DefaultSafetyNetCron, "cron expression for the template safety net")
	serverCmd.Flags().String("retention-cron", sweep.DefaultRetentionCron, "cron expression for the retention job")
	serverCmd.Flags().Duration("max-event-age", 0, "delete events older than this (0 disables)")
	serverCmd.Flags().Duration("max-template-idle", 0, "delete templates not seen for this long (0 disables)")

	shipperCmd := &cobra.Command{
		Use:   "shipper",
		Short: "Tail local logs and ship them to a logmesh server",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverURL, _ := cmd.Flags().GetString("server-url")
			apiKey, _ := cmd.Flags().GetString("api-key")
			node, _ := cmd.Flags().GetString("node")
			sourceKind, _ := cmd.Flags().GetString("source")
			cursorPath, _ := cmd.Flags().GetString("cursor-file")
			spoolPath, _ := cmd.Flags().GetString("spool-file")
			filterPath, _ := cmd.Flags().GetString("filter-file")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			flushInterval, _ := cmd.Flags().GetDuration("flush-interval")
			tailPatterns, _ := cmd.Flags().GetStringSlice("tail-pattern")
			tailState, _ := cmd.Flags().GetString("tail-state")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return runShipper(ctx, logger, shipperOptions{
				serverURL:     serverURL,
				apiKey:        apiKey,
				node:          node,
				sourceKind:    sourceKind,
				cursorPath:    cursorPath,
				spoolPath:     spoolPath,
				filterPath:    filterPath,
				batchSize:     batchSize,
				flushInterval: flushInterval,
				tailPatterns:  tailPatterns,
				tailState:     tailState,
			})
		},
	}
	shipperCmd.Flags().String("server-url", envOr("LOGMESH_SERVER_URL", "http://localhost:8088"), "base URL of the logmesh server")
	shipperCmd.Flags().String("api-key", envOr("LOGMESH_API_KEY", ""), "API key sent with every batch")
	shipperCmd.Flags().String("node", hostname(), "node name stamped on shipped events")
	shipperCmd.Flags().String("source", envOr("LOGMESH_SOURCE", "journald"), "log source: journald or file")
	shipperCmd.Flags().String("cursor-file", envOr("LOGMESH_CURSOR_FILE", "/var/lib/logmesh/cursor"), "journald cursor file")
	shipperCmd.Flags().String("spool-file", envOr("LOGMESH_SPOOL_FILE", "/var/lib/logmesh/spool.jsonl"), "dead-letter spool file")
	shipperCmd.Flags().String("filter-file", envOr("LOGMESH_FILTER_FILE", ""), "YAML filter rules file")
	shipperCmd.Flags().Int("batch-size", 50, "events per shipped batch")
	shipperCmd.Flags().Duration("flush-interval", 5*time.Second, "maximum age of a buffered partial batch")
	shipperCmd.Flags().StringSlice("tail-pattern", nil, "glob pattern of files to tail (repeatable, source=file)")
	shipperCmd.Flags().String("tail-state", envOr("LOGMESH_TAIL_STATE", "/var/lib/logmesh/tail-state.json"), "tail bookmark file (source=file)")

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the template safety net once",
		RunE: func(cmd *cobra.Command, args []string) error {
			scanLimit, _ := cmd.Flags().GetInt("scan-limit")
			cacheSize, _ := cmd.Flags().GetInt("cache-size")
			embedFlags := embedConfigFromFlags(cmd)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			st, err := openStore(ctx, storeFlags, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			resolver := newResolver(st, embedFlags, cacheSize, logger)
			linked, err := sweep.NewSafetyNet(st, st, resolver, scanLimit, logger).Run(ctx)
			if err != nil {
				return err
			}
			logger.Info("safety net finished", "linked", linked)
			return nil
		},
	}
	addStoreFlags(sweepCmd, &storeFlags)
	addEmbedFlags(sweepCmd)
	sweepCmd.Flags().Int("scan-limit", 10000, "maximum orphaned events scanned per run")
	sweepCmd.Flags().Int("cache-size", 10000, "template cache capacity")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run the retention job once",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxEventAge, _ := cmd.Flags().GetDuration("max-event-age")
			maxTemplateIdle, _ := cmd.Flags().GetDuration("max-template-idle")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			st, err := openStore(ctx, storeFlags, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			events, templates, err := sweep.NewRetention(sweep.RetentionConfig{
				MaxEventAge:     maxEventAge,
				MaxTemplateIdle: maxTemplateIdle,
				DryRun:          dryRun,
			}, st, logger).Run(ctx)
			if err != nil {
				return err
			}
			logger.Info("cleanup finished", "events_removed", events, "templates_removed", templates)
			return nil
		},
	}
	addStoreFlags(cleanupCmd, &storeFlags)
	cleanupCmd.Flags().Duration("max-event-age", 30*24*time.Hour, "delete events older than this (0 disables)")
	cleanupCmd.Flags().Duration("max-template-idle", 0, "delete templates not seen for this long (0 disables)")
	cleanupCmd.Flags().Bool("dry-run", false, "log what would be deleted without deleting")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serverCmd, shipperCmd, sweepCmd, cleanupCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type storeConfig struct {
	dsn       string
	dimension int
	maxConns  int
}

type embedConfig struct {
	baseURL   string
	model     string
	dimension int
	timeout   time.Duration
}

type serverOptions struct {
	store           storeConfig
	embed           embedConfig
	addr            string
	apiKey          string
	authEnabled     bool
	rateLimit       float64
	rateBurst       int
	maxBatch        int
	cacheSize       int
	node            string
	safetyNetCron   string
	retentionCron   string
	maxEventAge     time.Duration
	maxTemplateIdle time.Duration
}

func runServer(ctx context.Context, logger *slog.Logger, opts serverOptions) error {
	st, err := openStore(ctx, opts.store, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	caps := st.Capabilities()
	logger.Info("store ready",
		"dedup", caps.EventDedup,
		"embedding", caps.EventEmbedding,
		"templates", caps.Templates)

	embedder := embedding.New(embedding.Config{
		BaseURL:   opts.embed.baseURL,
		Model:     opts.embed.model,
		Dimension: opts.embed.dimension,
		Timeout:   opts.embed.timeout,
	}, logger)

	var resolver ingest.Resolver
	var tplResolver *template.Resolver
	if caps.Templates {
		tplResolver = newResolver(st, opts.embed, opts.cacheSize, logger)
		if err := tplResolver.Warm(ctx, warmLimit); err != nil {
			logger.Warn("template cache warm failed", "error", err)
		}
		resolver = tplResolver
	}

	pipeline := ingest.New(st, caps, resolver, embedder, ingest.Config{MaxBatchSize: opts.maxBatch}, logger)

	scheduler, err := sweep.NewScheduler(logger)
	if err != nil {
		return err
	}
	if tplResolver != nil {
		sn := sweep.NewSafetyNet(st, st, tplResolver, 0, logger)
		if err := scheduler.AddSafetyNet(opts.safetyNetCron, sn); err != nil {
			return err
		}
	}
	if opts.maxEventAge > 0 || opts.maxTemplateIdle > 0 {
		rt := sweep.NewRetention(sweep.RetentionConfig{
			MaxEventAge:     opts.maxEventAge,
			MaxTemplateIdle: opts.maxTemplateIdle,
		}, st, logger)
		if err := scheduler.AddRetention(opts.retentionCron, rt); err != nil {
			return err
		}
	}

	srv := server.New(server.Config{
		Addr:        opts.addr,
		APIKey:      opts.apiKey,
		AuthEnabled: opts.authEnabled,
		RateLimit:   opts.rateLimit,
		RateBurst:   opts.rateBurst,
		Name:        "logmesh",
		Version:     version,
		Node:        opts.node,
	}, pipeline, st, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		return scheduler.Stop()
	})
	return g.Wait()
}

type shipperOptions struct {
	serverURL     string
	apiKey        string
	node          string
	sourceKind    string
	cursorPath    string
	spoolPath     string
	filterPath    string
	batchSize     int
	flushInterval time.Duration
	tailPatterns  []string
	tailState     string
}

func runShipper(ctx context.Context, logger *slog.Logger, opts shipperOptions) error {
	filter, err := shipper.LoadFilter(opts.filterPath)
	if err != nil {
		return err
	}

	cursor := shipper.NewCursorFile(opts.cursorPath)
	spool := shipper.NewSpool(opts.spoolPath, logger)
	client := shipper.NewClient(opts.serverURL, opts.apiKey)

	var source shipper.Source
	switch opts.sourceKind {
	case "journald":
		saved, err := cursor.Load()
		if err != nil {
			return err
		}
		source = shipper.NewJournalSource(opts.node, saved, logger)
	case "file":
		if len(opts.tailPatterns) == 0 {
			return fmt.Errorf("source=file requires at least one --tail-pattern")
		}
		source = shipper.NewTailSource(shipper.TailConfig{
			Patterns:  opts.tailPatterns,
			Node:      opts.node,
			StateFile: opts.tailState,
		}, logger)
	default:
		return fmt.Errorf("unknown source %q (want journald or file)", opts.sourceKind)
	}

	daemon := shipper.New(shipper.Config{
		BatchSize:     opts.batchSize,
		FlushInterval: opts.flushInterval,
	}, source, client, filter, cursor, spool, logger)

	if err := client.Health(ctx); err != nil {
		logger.Warn("server not reachable yet, starting anyway", "error", err)
	}
	return daemon.Run(ctx)
}

func newResolver(st *postgres.Store, embed embedConfig, cacheSize int, logger *slog.Logger) *template.Resolver {
	embedder := embedding.New(embedding.Config{
		BaseURL:   embed.baseURL,
		Model:     embed.model,
		Dimension: embed.dimension,
		Timeout:   embed.timeout,
	}, logger)
	return template.NewResolver(template.NewCache(cacheSize), st, embedder, logger)
}

func openStore(ctx context.Context, cfg storeConfig, logger *slog.Logger) (*postgres.Store, error) {
	return postgres.New(ctx, postgres.Config{
		DSN:       cfg.dsn,
		Dimension: cfg.dimension,
		MaxConns:  int32(cfg.maxConns),
	}, logger)
}

func addStoreFlags(cmd *cobra.Command, cfg *storeConfig) {
	cmd.Flags().StringVar(&cfg.dsn, "dsn", envOr("LOGMESH_DSN", "postgres://localhost/logmesh"), "postgres connection string")
	cmd.Flags().IntVar(&cfg.dimension, "dimension", envIntOr("LOGMESH_DIMENSION", 4096), "embedding vector dimension")
	cmd.Flags().IntVar(&cfg.maxConns, "max-conns", 0, "postgres pool size (0 uses the driver default)")
}

func addEmbedFlags(cmd *cobra.Command) {
	cmd.Flags().String("embed-url", envOr("LOGMESH_EMBED_URL", "http://localhost:11434"), "embedding service base URL")
	cmd.Flags().String("embed-model", envOr("LOGMESH_EMBED_MODEL", "qwen3-embedding:8b"), "embedding model name")
	cmd.Flags().Duration("embed-timeout", 30*time.Second, "embedding request timeout")
}

func embedConfigFromFlags(cmd *cobra.Command) embedConfig {
	baseURL, _ := cmd.Flags().GetString("embed-url")
	model, _ := cmd.Flags().GetString("embed-model")
	timeout, _ := cmd.Flags().GetDuration("embed-timeout")
	dimension, _ := cmd.Flags().GetInt("dimension")
	return embedConfig{baseURL: baseURL, model: model, dimension: dimension, timeout: timeout}
}

func hostname() string {
	if h := os.Getenv("LOGMESH_NODE"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
