// Command pylon starts the authenticating reverse proxy: the proxy port
// (default :8000) serves admitted traffic, the admin port (default :8001)
// serves the management surface.
//
// Grounded on the lineage's main.go: config → logger → backing
// connections → router → two HTTP servers with graceful shutdown on
// SIGINT/SIGTERM, plus a background health poller started and stopped
// around the server's lifetime.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hwuu/pylon/internal/adminapi"
	"github.com/hwuu/pylon/internal/admission"
	"github.com/hwuu/pylon/internal/config"
	"github.com/hwuu/pylon/internal/counter"
	"github.com/hwuu/pylon/internal/identitycache"
	"github.com/hwuu/pylon/internal/keystore"
	"github.com/hwuu/pylon/internal/logger"
	"github.com/hwuu/pylon/internal/metrics"
	"github.com/hwuu/pylon/internal/policy"
	"github.com/hwuu/pylon/internal/proxy"
	"github.com/hwuu/pylon/internal/queue"
	"github.com/hwuu/pylon/internal/recorder"
	"github.com/hwuu/pylon/internal/server"
	"github.com/hwuu/pylon/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "pylon.yaml", "path to the static config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("pylon: failed to load config:", err.Error())
		os.Exit(1)
	}
	log := logger.New(cfg)
	log.Info().Str("env", cfg.Log.Env).Msg("pylon starting")

	db, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	keys := keystore.New(db.Write, db.Read)
	pstore, err := policy.NewStore(context.Background(), db.Write, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load policy")
	}

	identCache, err := identitycache.New(keys, cfg.Redis.URL, 5*time.Minute, 30*time.Second, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize identity cache")
	}

	bank := counter.New()
	bank.StartReaper(time.Minute)
	defer bank.StopReaper()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	m := metrics.New(reg)

	snap := pstore.Snapshot()
	q := queue.New(snap.Queue.MaxSize)
	q.Metrics = m
	ctrl := admission.New(bank, q)
	ctrl.Metrics = m
	engine := proxy.New(log)
	engine.Metrics = m

	rec := recorder.New(db.Write, 10000, 200, 5*time.Second, log)
	rec.Metrics = m
	defer rec.Stop()

	proxyRouter := server.NewProxyRouter(server.Deps{
		Policy:   pstore,
		Keys:     identCache,
		Bank:     bank,
		Queue:    q,
		Admitter: ctrl,
		Proxy:    engine,
		Recorder: rec,
		Metrics:  m,
		Logger:   log,
	})

	adminRouter := adminapi.NewRouter(adminapi.Deps{
		Config:        cfg,
		Keys:          keys,
		Policy:        pstore,
		Bank:          bank,
		Queue:         q,
		Logger:        log,
		IdentityCache: identCache,
	})
	metricsRouter := server.NewMetricsRouter(reg)
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", metricsRouter)
	adminMux.Handle("/", adminRouter)

	proxySrv := &http.Server{
		Addr:         cfg.Server.Host + cfg.Server.ProxyAddr,
		Handler:      proxyRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		WriteTimeout: 0, // SSE streams can run indefinitely; bounded by sse.idle_timeout instead
	}
	adminSrv := &http.Server{
		Addr:        cfg.Server.Host + cfg.Server.AdminAddr,
		Handler:     adminMux,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", proxySrv.Addr).Msg("proxy port listening")
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("proxy server failed")
		}
	}()
	go func() {
		log.Info().Str("addr", adminSrv.Addr).Msg("admin port listening")
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if err := proxySrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("proxy server graceful shutdown failed")
	}
	if err := adminSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("admin server graceful shutdown failed")
	}
	log.Info().Msg("pylon stopped")
}
