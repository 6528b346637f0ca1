// Command reviewhub-scraper runs scrape jobs without the HTTP API, one
// business at a time or every configured business in a batch.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"reviewhub/internal/adapters/observability"
	redisad "reviewhub/internal/adapters/redis"
	"reviewhub/internal/app"
	"reviewhub/internal/domain"
	"reviewhub/internal/shared"
)

// env holds everything a subcommand needs once the root command has run.
type env struct {
	cfg   shared.Config
	sf    shared.SourcesFile
	jobs  *app.Orchestrator
	close func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		// restore default handling so a second interrupt kills the process
		<-ctx.Done()
		stop()
	}()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("reviewhub-scraper failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		sourcesPath string
		driver      string
		noCache     bool
		e           env
	)
	root := &cobra.Command{
		Use:           "reviewhub-scraper",
		Short:         "Scrape Yandex Maps and 2GIS reviews into the review store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := shared.Load()
			if driver != "" {
				cfg.StoreDriver = driver
			}
			if sourcesPath != "" {
				cfg.SourcesFile = sourcesPath
			}
			log.Logger = observability.NewLogger(cfg.AppEnv, cfg.LogLevel)

			sf, err := shared.LoadSources(cfg.SourcesFile)
			if err != nil {
				return err
			}
			store, closer, err := shared.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			var cache domain.Cache
			var q *app.QueryService
			closers := []func() error{closer.Close}
			if ms := observability.Serve(cfg.MetricsAddr); ms != nil {
				closers = append(closers, ms.Close)
			}
			if !noCache {
				rc := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
				closers = append(closers, rc.Close)
				if err := rc.Ping(cmd.Context()); err != nil {
					log.Warn().Err(err).Msg("redis unreachable, running without resume cursors")
				} else {
					cache = rc
					q = app.NewQueryService(store, rc, cfg.CacheTTL)
				}
			}

			e = env{cfg: cfg, sf: sf, jobs: shared.NewOrchestrator(cfg, sf, store, cache, q)}
			e.close = func() {
				for _, c := range closers {
					if err := c(); err != nil {
						log.Warn().Err(err).Msg("close failed")
					}
				}
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.close != nil {
				e.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&sourcesPath, "sources", "", "sources YAML (default $SOURCES_CONFIG)")
	root.PersistentFlags().StringVar(&driver, "store", "", "mysql, sqlite or memory (default $STORE_DRIVER)")
	root.PersistentFlags().BoolVar(&noCache, "no-cache", false, "do not use redis for resume cursors")

	root.AddCommand(newRunCmd(&e), newBatchCmd(&e))
	return root
}
