package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ladle-dev/ladle/pkg/audit"
	"github.com/ladle-dev/ladle/pkg/budget"
	"github.com/ladle-dev/ladle/pkg/config"
	"github.com/ladle-dev/ladle/pkg/extract"
	"github.com/ladle-dev/ladle/pkg/gate"
	"github.com/ladle-dev/ladle/pkg/logging"
	"github.com/ladle-dev/ladle/pkg/ratelimit"
	"github.com/ladle-dev/ladle/pkg/recipecache"
	"github.com/ladle-dev/ladle/pkg/server"
	"github.com/ladle-dev/ladle/pkg/ssrf"
	"github.com/ladle-dev/ladle/pkg/store"
	redisstore "github.com/ladle-dev/ladle/pkg/store/redis"
	sqlitestore "github.com/ladle-dev/ladle/pkg/store/sqlite"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the admission gate server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			counters, err := openStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("init counter store: %w", err)
			}
			defer func() { _ = counters.Close() }()

			dailyCap, err := cfg.DailyCap()
			if err != nil {
				return err
			}
			cost, err := cfg.CostPerRequest()
			if err != nil {
				return err
			}

			limiter := ratelimit.New(counters, cfg.RateLimit.RequestsPerHour, cfg.RateLimit.Enabled, log)
			validator := ssrf.New(nil, cfg.SSRF.ResolveTimeout, log)
			tracker := budget.New(counters, dailyCap, cost, cfg.Budget.AlertThreshold, log)
			g := gate.New(counters, limiter, validator, tracker, log)

			var cache *recipecache.Cache
			if cfg.Cache.Enabled {
				cache, err = recipecache.New(cfg.DBPath)
				if err != nil {
					return fmt.Errorf("init recipe cache: %w", err)
				}
				defer func() { _ = cache.Close() }()
			}

			var auditor *audit.Logger
			if cfg.Audit.Enabled {
				auditor, err = audit.New(cfg.Audit)
				if err != nil {
					return fmt.Errorf("init audit log: %w", err)
				}
				defer func() { _ = auditor.Close() }()
			}

			extractor := extract.New(cfg.Extractor.URL, cfg.Extractor.APIKey, cfg.Extractor.Timeout)

			srv := server.New(cfg, g, cache, extractor, tracker, auditor, log)

			log.Info("starting ladle",
				zap.String("config", configPath),
				zap.String("store", cfg.Store.Backend))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ladle.yaml", "path to config file")
	return cmd
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend == "redis" {
		return redisstore.New(ctx, cfg.Store.Redis.Addr, cfg.Store.Redis.Password, cfg.Store.Redis.DB)
	}
	return sqlitestore.New(cfg.DBPath)
}
