// Command kashad runs the kasha prerender gateway: it dispatches render
// requests to headless-browser workers over the message bus, serves
// snapshots from the document store, and generates sitemap/robots
// output for configured sites.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fenivana/kasha/internal/bus"
	"github.com/fenivana/kasha/internal/config"
	"github.com/fenivana/kasha/internal/coordinator"
	"github.com/fenivana/kasha/internal/janitor"
	"github.com/fenivana/kasha/internal/model"
	"github.com/fenivana/kasha/internal/registry"
	"github.com/fenivana/kasha/internal/server"
	"github.com/fenivana/kasha/internal/siteconfig"
	"github.com/fenivana/kasha/internal/sitemap"
	"github.com/fenivana/kasha/internal/snapshot"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if os.Getenv("KASHA_PPROF") == "1" {
		go func() {
			logger.Info("pprof enabled on :6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				logger.Error("pprof server error", "error", err)
			}
		}()
	}

	configPath := "config/config.yaml"
	if p := os.Getenv("KASHA_CONFIG"); p != "" {
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if lvl, ok := parseLevel(cfg.LogLevel); ok {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	}

	ctx := context.Background()

	mongoOpts := options.Client().
		ApplyURI(cfg.Store.URL).
		SetMaxPoolSize(uint64(cfg.Store.PoolSize))
	mongoClient, err := mongo.Connect(mongoOpts)
	if err != nil {
		logger.Error("failed to connect to document store", "error", err)
		os.Exit(1)
	}
	db := mongoClient.Database(cfg.Store.Database)

	store := snapshot.New(db.Collection("snapshots"))
	if err := store.EnsureIndexes(ctx); err != nil {
		logger.Error("failed to ensure snapshot indexes", "error", err)
		os.Exit(1)
	}

	resolver := siteconfig.New(db.Collection("siteconfigs"), cfg.Cache.SiteConfigTTL, cfg.DisallowUnknownSite)

	processID := uuid.NewString()
	workerBus, err := bus.Connect(bus.Config{WriterURL: cfg.Bus.Writer, ReaderURL: cfg.Bus.Reader, ProcessID: processID, Name: "kashad"})
	if err != nil {
		logger.Error("failed to connect to message bus", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	workerBus.SetReplyHandler(func(reply model.RenderReply) {
		reg.Complete(reply.CorrelationID, reply)
	})
	callback := coordinator.NewCallbackSender(logger)

	coord := coordinator.New(coordinator.Config{
		Store:         store,
		WorkerBus:     workerBus,
		Registry:      reg,
		Resolver:      resolver,
		WorkerTimeout: cfg.WorkerTimeout,
		Callback:      callback,
		Logger:        logger,
	})

	sitemapAgg := sitemap.New(sitemap.Config{
		Scanner:    store,
		Resolver:   resolver,
		MemoizeTTL: cfg.Cache.Sitemap,
	})

	janitorInterval := cfg.Cache.JanitorInterval()
	jan := janitor.New(janitor.Config{
		Store:       store,
		LeaseColl:   db.Collection("janitorLease"),
		OwnerID:     processID,
		Interval:    janitorInterval,
		RemoveAfter: cfg.Cache.RemoveAfter,
		Logger:      logger,
	})
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	go jan.Run(janitorCtx)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	go runRegistrySweeper(sweepCtx, reg, cfg.WorkerTimeout)

	apiHosts := make(map[string]struct{}, len(cfg.APIHost))
	for _, h := range cfg.APIHost {
		apiHosts[h] = struct{}{}
	}

	router := server.NewRouter(server.Deps{
		Coordinator:    coord,
		Sitemap:        sitemapAgg,
		APIHosts:       apiHosts,
		EnableHomepage: cfg.EnableHomepage,
		BaseURL:        baseURLFor(cfg),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lifecycle := server.NewLifecycle(srv, logger)
	lifecycle.AddCloser("worker bus", workerBus.Close)
	lifecycle.AddCloser("document store", func() error {
		return mongoClient.Disconnect(ctx)
	})
	lifecycle.AddCloser("janitor", func() error {
		stopJanitor()
		return nil
	})
	lifecycle.AddCloser("registry sweeper", func() error {
		stopSweep()
		return nil
	})

	go func() {
		logger.Info("starting kasha gateway", "port", cfg.Port, "processId", processID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gateway...")
	lifecycle.Shutdown(context.Background())
}

func parseLevel(s string) (slog.Level, bool) {
	switch s {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// runRegistrySweeper periodically fails in-flight render registry
// entries that have outlived workerTimeout, so a worker crash that
// drops a job without replying cannot leave its waiters blocked
// forever (§4.4).
func runRegistrySweeper(ctx context.Context, reg *registry.Registry, workerTimeout time.Duration) {
	ticker := time.NewTicker(workerTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reg.SweepExpired(now, workerTimeout)
		}
	}
}

func baseURLFor(cfg *config.Config) string {
	if len(cfg.APIHost) == 0 {
		return fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	return "https://" + cfg.APIHost[0]
}
