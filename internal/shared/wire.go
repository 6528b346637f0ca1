package shared

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	"reviewhub/internal/adapters/fetch"
	"reviewhub/internal/adapters/sources/twogis"
	"reviewhub/internal/adapters/sources/yandex"
	"reviewhub/internal/app"
	"reviewhub/internal/domain"
	"reviewhub/internal/storage/memory"
	mysqlrepo "reviewhub/internal/storage/mysql"
	"reviewhub/internal/storage/sqlite"
)

// Store is what the processes need from a storage backend.
type Store interface {
	domain.ReviewRepository
	domain.JobRecorder
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenStore connects the backend named by STORE_DRIVER.
func OpenStore(ctx context.Context, cfg Config) (Store, io.Closer, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn().Msg("memory store: reviews are lost on exit")
		return memory.NewStore(), nopCloser{}, nil
	case "sqlite":
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		log.Info().Str("path", s.Path()).Msg("sqlite store ready")
		return s, s, nil
	default:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("sql.Open: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("db.Ping: %w", err)
		}
		db.SetMaxOpenConns(16)
		db.SetConnMaxLifetime(5 * time.Minute)
		log.Info().Msg("database connection ok")
		return mysqlrepo.New(db), db, nil
	}
}

// NewFetchClient builds the shared HTTP client with per-host limits taken
// from every enabled source.
func NewFetchClient(cfg Config, sf SourcesFile) *fetch.Client {
	opts := []fetch.Option{fetch.WithTimeout(cfg.FetchTimeout), fetch.WithRetries(cfg.FetchRetries)}
	if cfg.UserAgent != "" {
		opts = append(opts, fetch.WithUserAgent(cfg.UserAgent))
	}
	c := fetch.New(opts...)
	for id, s := range sf.Sources {
		if s.Disabled {
			continue
		}
		hosts := append([]string(nil), s.Hosts...)
		if u, err := url.Parse(s.URLTemplate); err == nil && u.Host != "" {
			hosts = append(hosts, u.Host)
		}
		for _, h := range hosts {
			c.SetHostLimits(h, s.Limits())
			log.Debug().Str("source", string(id)).Str("host", h).Float64("rps", s.Limits().RPS).Msg("host limits set")
		}
	}
	return c
}

// Adapters returns one adapter per enabled source.
func Adapters(f domain.Fetcher, sf SourcesFile) []domain.SourceAdapter {
	var out []domain.SourceAdapter
	if s, ok := sf.Sources[domain.SourceYandex]; ok && !s.Disabled {
		out = append(out, yandex.New(f, s.Settings()))
	}
	if s, ok := sf.Sources[domain.SourceTwoGIS]; ok && !s.Disabled {
		out = append(out, twogis.New(f, s.Settings()))
	}
	return out
}

// NewOrchestrator wires normalizer, deduplicator and adapters around store.
// cache and q may be nil.
func NewOrchestrator(cfg Config, sf SourcesFile, store Store, cache domain.Cache, q *app.QueryService) *app.Orchestrator {
	norm := app.NewNormalizer(sf.Rules(), app.WithLocation(sf.Location()))
	opts := []app.OrchestratorOption{
		app.WithRecorder(store),
		app.WithDefaults(cfg.JobDefaults()),
		app.WithJobLimit(cfg.JobRetention),
		app.WithLogger(log.Logger),
	}
	if cache != nil {
		opts = append(opts, app.WithCursorCache(cache))
	}
	if q != nil {
		opts = append(opts, app.WithQueryService(q))
	}
	return app.NewOrchestrator(Adapters(NewFetchClient(cfg, sf), sf), norm, app.NewDeduplicator(store), opts...)
}
