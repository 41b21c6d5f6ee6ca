package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/codelaboratoryltd/aaa/pkg/accounting"
	"github.com/codelaboratoryltd/aaa/pkg/audit"
	"github.com/codelaboratoryltd/aaa/pkg/config"
	"github.com/codelaboratoryltd/aaa/pkg/dhcphook"
	"github.com/codelaboratoryltd/aaa/pkg/events"
	"github.com/codelaboratoryltd/aaa/pkg/identity"
	"github.com/codelaboratoryltd/aaa/pkg/lease"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/radius"
	"github.com/codelaboratoryltd/aaa/pkg/reconcile"
	"github.com/codelaboratoryltd/aaa/pkg/state/gormstore"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func runAAA(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	poolMap, err := config.LoadPoolMap(cfg.PoolMapFile)
	if err != nil {
		return err
	}
	if err := radius.VerifySecret(cfg.RadiusSecret); err != nil {
		return err
	}

	logger.Info("Starting AAA core",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("bras", cfg.BRASAddr()),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	var partitions *gormstore.PartitionManager
	if db != nil {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		partitions = gormstore.NewPartitionManager(db, 0, logger)
	}

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("%w: REDIS_URL: %v", config.ErrInvalid, err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// Redis only backs caches and the retry queue; keep going.
			logger.Warn("Redis unreachable at startup", zap.Error(err))
		}
	}

	var retryQueue radius.RetryQueue = radius.NewMemoryRetryQueue()
	if rdb != nil {
		retryQueue = radius.NewRedisRetryQueue(rdb, radius.DefaultRetryKey)
	}

	// The bus reports drops to metrics, which need the bus for queue depth.
	var m *metrics.Metrics
	bus := events.NewBus(events.Config{
		QueueSize: cfg.EventQueueSize,
		Workers:   cfg.EventWorkers,
		OnDrop: func(kind events.Kind, subscription string) {
			if m != nil {
				m.RecordEventDropped(kind, subscription)
			}
		},
	}, logger)
	m = metrics.New(bus, retryQueue, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	m.Observe(bus)

	leases := lease.NewStore(store, bus, m, logger)
	pol := policy.New(store, bus, policy.Config{Location: loc}, logger)
	resolver := identity.NewResolver(store, logger)

	acctOpts := []accounting.Option{accounting.WithMetrics(m)}
	if rdb != nil {
		acctOpts = append(acctOpts, accounting.WithDuplicateDetector(accounting.NewRedisDuplicates(rdb, 0)))
	}
	accountant := accounting.New(resolver, leases, logger, acctOpts...)

	dispatcher, err := radius.NewDispatcher(radius.DispatcherConfig{
		Addr:            cfg.BRASAddr(),
		Secret:          cfg.BRASSecret,
		Timeout:         cfg.CoATimeout(),
		Retries:         cfg.CoARetries,
		InterimInterval: uint32(cfg.InterimInterval),
	}, logger, m)
	if err != nil {
		return err
	}
	defer dispatcher.Close()
	retrier := radius.NewDisconnectRetrier(dispatcher, retryQueue, radius.RetrierConfig{}, logger)

	radiusServer, err := radius.NewServer(radius.ServerConfig{
		AuthAddr:        cfg.RadiusListenAuth,
		AcctAddr:        cfg.RadiusListenAcct,
		Secret:          cfg.RadiusSecret,
		GuestPool:       cfg.GuestPoolName,
		GuestFallback:   cfg.GuestFallback,
		PoolMap:         poolMap,
		InterimInterval: uint32(cfg.InterimInterval),
		Workers:         cfg.WorkerPoolSize,
		RequestTimeout:  cfg.RequestTimeout(),
		StoreTimeout:    cfg.StoreTimeout(),
	}, resolver, pol, accountant, logger, m)
	if err != nil {
		return err
	}

	hook := dhcphook.NewService(resolver, leases, pol, dispatcher, store, logger, m)
	hookServer := dhcphook.NewServer(dhcphook.HTTPConfig{
		Listen:         cfg.DHCPListen,
		RequestTimeout: cfg.DHCPRequestTimeout(),
		JWTSecret:      cfg.APIJWTSecret,
	}, hook, pol, leases, retrier, logger)

	reconcile.New(pol, leases, dispatcher, retrier, cfg.CoATimeout()*2, logger).Attach(bus)

	if cfg.JournalDir != "" {
		journal, err := audit.NewJournal(audit.JournalConfig{Directory: cfg.JournalDir, Compress: true}, logger)
		if err != nil {
			return err
		}
		defer journal.Close()
		journal.Attach(bus)
	}

	reaper := lease.NewReaper(leases, lease.ReaperConfig{
		DynamicTTL: cfg.DefaultLeaseTime(),
		SessionTTL: 3 * time.Duration(cfg.InterimInterval) * time.Second,
	}, logger)
	sweeper := policy.NewSweeper(pol, time.Minute, logger)

	if partitions != nil {
		if err := partitions.Start(ctx); err != nil {
			return err
		}
	}
	if err := radiusServer.Start(); err != nil {
		return err
	}
	reaper.Start(ctx)
	sweeper.Start(ctx)
	retrier.Start(ctx)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsListen,
		Handler:           metricsMux(m),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stopCollector := make(chan struct{})
	go m.StartCollector(5*time.Second, stopCollector)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting DHCP hook and admin API", zap.String("addr", cfg.DHCPListen))
		return hookServer.Listen()
	})
	g.Go(func() error {
		logger.Info("Starting metrics server", zap.String("addr", cfg.MetricsListen))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		errs = append(errs, radiusServer.Shutdown(sctx))
		errs = append(errs, hookServer.Shutdown(sctx))
		errs = append(errs, metricsServer.Shutdown(sctx))
		close(stopCollector)
		retrier.Stop()
		sweeper.Stop()
		reaper.Stop()
		if partitions != nil {
			partitions.Stop()
		}
		errs = append(errs, bus.Close(sctx))
		return errors.Join(errs...)
	})

	logger.Info("AAA core started",
		zap.String("auth", radiusServer.AuthAddr().String()),
		zap.String("acct", radiusServer.AcctAddr().String()),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("AAA core stopped with error", zap.Error(err))
		return err
	}
	logger.Info("AAA core stopped")
	return nil
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}
