// Package main wires together the harvester service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/accounts"
	"github.com/lanternworks/harvester/internal/api"
	"github.com/lanternworks/harvester/internal/clock/system"
	"github.com/lanternworks/harvester/internal/config"
	"github.com/lanternworks/harvester/internal/enrich"
	"github.com/lanternworks/harvester/internal/harvest"
	"github.com/lanternworks/harvester/internal/hash/sha256"
	"github.com/lanternworks/harvester/internal/id/uuid"
	"github.com/lanternworks/harvester/internal/logging"
	"github.com/lanternworks/harvester/internal/metrics"
	"github.com/lanternworks/harvester/internal/parser"
	"github.com/lanternworks/harvester/internal/pipeline"
	memorypublisher "github.com/lanternworks/harvester/internal/publisher/memory"
	pubsubpublisher "github.com/lanternworks/harvester/internal/publisher/pubsub"
	"github.com/lanternworks/harvester/internal/scheduler"
	"github.com/lanternworks/harvester/internal/sentinel"
	"github.com/lanternworks/harvester/internal/session"
	"github.com/lanternworks/harvester/internal/storage/gcs"
	"github.com/lanternworks/harvester/internal/storage/local"
	memorystorage "github.com/lanternworks/harvester/internal/storage/memory"
	"github.com/lanternworks/harvester/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	stores, cleanup, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer cleanup()

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	publisher, pubCleanup, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer pubCleanup()

	pool := accounts.NewPool(stores.accounts, clock, accounts.Config{
		FailureThreshold:  cfg.Accounts.FailureThreshold,
		CooldownBase:      time.Duration(cfg.Accounts.CooldownBaseMin) * time.Minute,
		CooldownMax:       time.Duration(cfg.Accounts.CooldownMaxMin) * time.Minute,
		RequestsPerSecond: cfg.Accounts.RequestsPerSecond,
		DefaultDailyLimit: cfg.Accounts.DefaultDailyLimit,
	}, logger.Named("accounts"))

	registry := session.NewRegistry(session.Config{
		UserAgent:  cfg.Session.UserAgent,
		Headless:   cfg.Session.Headless,
		NavTimeout: cfg.NavTimeout(),
	}, logger.Named("session"))
	defer registry.CloseAll()

	enricher := enrich.NewTrigger(
		stores.jobs, stores.records, idGen, clock,
		cfg.Enrichment.MaxDepth, cfg.Enrichment.OrgURLTemplate,
		logger.Named("enrich"),
	)

	fetchStage := pipeline.NewFetchStage(
		stores.jobs, stores.snapshots, blobStore, pool, registry,
		sentinel.NewHeuristic(), hasher, clock, idGen,
		pipeline.FetchConfig{
			ContentType:       cfg.Storage.ContentType,
			BlobPrefix:        cfg.Storage.Prefix,
			NavTimeout:        cfg.NavTimeout(),
			DelayMin:          time.Duration(cfg.Fetch.DelayMinSeconds) * time.Second,
			DelayMax:          time.Duration(cfg.Fetch.DelayMaxSeconds) * time.Second,
			SearchURLTemplate: cfg.Fetch.SearchURLTemplate,
		},
		logger.Named("fetch"),
	)
	parseStage := pipeline.NewParseStage(
		stores.jobs, stores.snapshots, stores.records, blobStore,
		parser.New(), enricher, publisher, clock, idGen,
		pipeline.ParseConfig{CompletionTopic: cfg.PubSub.TopicName},
		logger.Named("parse"),
	)

	sched := scheduler.New(stores.jobs, fetchStage, parseStage, scheduler.Config{
		Tick:         cfg.TickInterval(),
		ErrorBackoff: cfg.ErrorBackoff(),
	}, logger.Named("scheduler"))

	if cfg.Accounts.ProbeURL != "" {
		prober := accounts.NewProber(accounts.ProberConfig{
			ProbeURL:  cfg.Accounts.ProbeURL,
			UserAgent: cfg.Session.UserAgent,
			Timeout:   time.Duration(cfg.Accounts.ProbeTimeoutSec) * time.Second,
		}, pool, logger.Named("prober"))
		go runProbeLoop(ctx, prober, stores.accounts, time.Duration(cfg.Accounts.ProbeIntervalHours)*time.Hour, logger)
	}

	apiServer := api.NewServer(
		stores.jobs, stores.records, stores.accounts,
		idGen, clock, cfg, logger.Named("api"), sched.Wake,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("scheduler started")
		sched.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

type storeSet struct {
	jobs      harvest.JobStore
	accounts  harvest.AccountStore
	snapshots harvest.SnapshotStore
	records   harvest.RecordStore
}

func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (storeSet, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Info("using in-memory stores")
		return storeSet{
			jobs:      memorystorage.NewJobStore(),
			accounts:  memorystorage.NewAccountStore(),
			snapshots: memorystorage.NewSnapshotStore(),
			records:   memorystorage.NewRecordStore(),
		}, func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return storeSet{}, nil, fmt.Errorf("connect postgres: %w", err)
	}
	jobs, err := postgres.NewJobStore(pool)
	if err != nil {
		return storeSet{}, nil, err
	}
	accountStore, err := postgres.NewAccountStore(pool)
	if err != nil {
		return storeSet{}, nil, err
	}
	snapshots, err := postgres.NewSnapshotStore(pool)
	if err != nil {
		return storeSet{}, nil, err
	}
	records, err := postgres.NewRecordStore(pool)
	if err != nil {
		return storeSet{}, nil, err
	}
	logger.Info("using postgres stores")
	return storeSet{
		jobs:      jobs,
		accounts:  accountStore,
		snapshots: snapshots,
		records:   records,
	}, pool.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (harvest.BlobStore, error) {
	switch cfg.Storage.Provider {
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Storage.Provider)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("using in-memory publisher")
		return memorypublisher.New(), func() {}, nil
	}
	client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		pub.Close()
		if err := client.Close(); err != nil {
			logger.Error("pubsub client close failed", zap.Error(err))
		}
	}
	return pub, cleanup, nil
}

func runProbeLoop(ctx context.Context, prober *accounts.Prober, store harvest.AccountStore, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := prober.ProbeAll(ctx, store); err != nil {
		logger.Warn("initial account probe failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := prober.ProbeAll(ctx, store); err != nil {
				logger.Warn("account probe failed", zap.Error(err))
			}
		}
	}
}
