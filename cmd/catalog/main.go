package main

import (
	"context"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"ProductCatalog/internal/catalog"
	"ProductCatalog/internal/config"
	"ProductCatalog/pkg/kit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := kit.NewLogger(cfg.Service, cfg.LogLevel)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Fatal("open store failed", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	s := &catalog.Server{Store: store, Log: logger}
	if cfg.WriteRateLimit > 0 {
		s.Limiter = kit.NewIPRateLimiter(cfg.WriteRateLimit, cfg.WriteRateWindow)
		s.Limiter.TrustForwardedFor = cfg.TrustForwardedFor
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h := catalog.NewHandler(s, catalog.HTTPDeps{
		Log:            logger,
		Service:        cfg.Service,
		Registry:       reg,
		MetricsEnabled: cfg.MetricsEnabled,
		MetricsToken:   cfg.MetricsToken,
	})

	logger.Info("catalog configured",
		zap.String("store", cfg.StoreDriver),
		zap.Bool("metrics", cfg.MetricsEnabled),
		zap.Int("write_rate_limit", cfg.WriteRateLimit),
	)

	if err := kit.RunHTTPServer(cfg.Addr(), h, logger); err != nil {
		logger.Fatal("http server stopped", zap.Error(err))
	}
}

func openStore(cfg config.Config) (catalog.Store, func(), error) {
	if cfg.StoreDriver != config.StorePostgres {
		return catalog.NewMemStore(), func() {}, nil
	}

	db, err := kit.OpenPostgres(context.Background(), cfg.DatabaseURL, kit.PostgresOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, nil, err
	}
	return catalog.NewPostgresStore(db), func() { _ = db.Close() }, nil
}
