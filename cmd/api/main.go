package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	server "reviewhub/internal/adapters/http_server"
	"reviewhub/internal/adapters/observability"
	redisad "reviewhub/internal/adapters/redis"
	"reviewhub/internal/app"
	"reviewhub/internal/domain"
	"reviewhub/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

	sf, err := shared.LoadSources(cfg.SourcesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load sources config failed")
	}

	// deps
	store, closer, err := shared.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store failed")
	}
	defer closer.Close()

	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()
	if err := cache.Ping(ctx); err != nil {
		// the cache is an accelerator; requests fall through to the store
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	q := app.NewQueryService(store, cache, cfg.CacheTTL)
	jobs := shared.NewOrchestrator(cfg, sf, store, cache, q)

	// http
	srv := server.New(server.WithRequestTimeout(cfg.RequestTimeout))
	reg := observability.InitRegistry()
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{
		Q:    q,
		Jobs: jobs,
		Businesses: func(id string) (domain.BusinessRef, bool) {
			b, ok := sf.Business(id)
			return b.Ref(), ok
		},
	})

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Int("businesses", len(sf.Businesses)).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	var sched *app.Scheduler
	if cfg.ScheduleEvery > 0 && len(sf.Businesses) > 0 {
		sched = app.NewScheduler(jobs, sf.Refs(), cfg.ScheduleEvery,
			app.WithWorkers(cfg.Workers), app.WithJobOptions(domain.JobOptions{Resume: true}))
		go func() { _ = sched.Start(ctx) }()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	if sched != nil {
		sched.Stop()
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}
