package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	exitOK              = 0
	exitConfigError     = 2
	exitPersistenceBoot = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	base, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return exitConfigError
	}
	defer base.Sync()
	logger := base.Sugar()

	cfg, err := LoadRuntimeConfig()
	if err != nil {
		logger.Errorf("config: %v", err)
		return exitConfigError
	}
	assetCDNBase = cfg.AssetCDNBase

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Errorf("persistence bootstrap: %v", err)
		return exitPersistenceBoot
	}
	defer closeStore()

	stores := NewDataStoreManager(store, cfg.FlushInterval, logger)
	loader := NewBlueprintLoader(cfg.BlueprintDir, logger)
	fleet := NewFleetController(cfg, loader, stores, logger)

	if err := fleet.ReconcileOnStart(ctx); err != nil {
		logger.Errorf("reconcile on start: %v", err)
		return exitPersistenceBoot
	}

	api := NewAPI(fleet, loader, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fleet.Run(ctx) })
	g.Go(func() error { return stores.Run(ctx) })
	g.Go(func() error {
		logger.Infof("listening on :%d, tick period %s", cfg.Port, cfg.TickPeriod)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("runtime stopped: %v", err)
		return 1
	}
	logger.Infof("shutdown complete")
	return exitOK
}

// openStore connects the persistence transport. Without DATABASE_URL the
// runtime uses the in-memory store and logs the degraded mode.
func openStore(ctx context.Context, cfg *RuntimeConfig, logger *zap.SugaredLogger) (Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warnf("DATABASE_URL unset: datastores are in-memory only")
		return NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, nil, err
	}
	store, err := NewSQLStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}
