package shared

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // timezone names resolve in minimal images

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"reviewhub/internal/adapters/fetch"
	"reviewhub/internal/adapters/sources"
	"reviewhub/internal/app"
	"reviewhub/internal/domain"
)

type Config struct {
	AppEnv         string
	LogLevel       string
	HTTPAddr       string
	MetricsAddr    string // scraper CLI only; empty disables
	StoreDriver    string // mysql | sqlite | memory
	MySQLDSN       string
	SQLitePath     string
	RedisAddr      string
	RedisDB        int
	RedisPass      string
	CacheTTL       time.Duration
	SourcesFile    string
	Workers        int // businesses scraped at once in batch mode
	MaxPages       int
	SourceTimeout  time.Duration
	JobTimeout     time.Duration
	FetchTimeout   time.Duration
	FetchRetries   int
	UserAgent      string
	JobRetention   int
	RequestTimeout time.Duration
	ScheduleEvery  time.Duration // API only; 0 disables the periodic scrape
}

// Load reads the process settings from the environment. A .env file in the
// working directory is applied first when present.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("ignoring unreadable .env")
	}
	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return def
	}
	secs := func(k string, def int) time.Duration { return time.Duration(atoi(k, def)) * time.Second }

	c := Config{
		AppEnv:         env("APP_ENV", "prod"),
		LogLevel:       env("LOG_LEVEL", "info"),
		HTTPAddr:       env("HTTP_ADDR", ":8080"),
		MetricsAddr:    env("METRICS_ADDR", ""),
		StoreDriver:    env("STORE_DRIVER", "mysql"),
		MySQLDSN:       env("MYSQL_DSN", "root:root@tcp(localhost:3306)/reviewhub?parseTime=true&charset=utf8mb4,utf8&loc=UTC"),
		SQLitePath:     env("SQLITE_PATH", "data/reviewhub.db"),
		RedisAddr:      env("REDIS_ADDR", "localhost:6379"),
		RedisPass:      env("REDIS_PASSWORD", ""),
		RedisDB:        atoi("REDIS_DB", 0),
		CacheTTL:       secs("CACHE_TTL_SECONDS", 900),
		SourcesFile:    env("SOURCES_CONFIG", "configs/sources.yaml"),
		Workers:        atoi("SCRAPE_WORKERS", 4),
		MaxPages:       atoi("MAX_PAGES", app.DefaultMaxPages),
		SourceTimeout:  secs("SOURCE_TIMEOUT_SECONDS", 300),
		JobTimeout:     secs("JOB_TIMEOUT_SECONDS", 0),
		FetchTimeout:   secs("FETCH_TIMEOUT_SECONDS", 20),
		FetchRetries:   atoi("FETCH_RETRIES", 3),
		UserAgent:      env("USER_AGENT", ""),
		JobRetention:   atoi("JOB_RETENTION", 1000),
		RequestTimeout: secs("HTTP_REQUEST_TIMEOUT_SECONDS", 15),
		ScheduleEvery:  time.Duration(atoi("SCHEDULE_INTERVAL_MINUTES", 0)) * time.Minute,
	}
	switch c.StoreDriver {
	case "mysql", "sqlite", "memory":
	default:
		log.Warn().Str("driver", c.StoreDriver).Msg("unknown STORE_DRIVER, using mysql")
		c.StoreDriver = "mysql"
	}
	return c
}

// JobDefaults are the options applied to jobs that leave them unset.
func (c Config) JobDefaults() domain.JobOptions {
	return domain.JobOptions{MaxPages: c.MaxPages, PerSourceTimeout: c.SourceTimeout, JobTimeout: c.JobTimeout}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

/********** sources file **********/

// SourcesFile is the YAML document behind SOURCES_CONFIG.
type SourcesFile struct {
	Timezone   string                             `yaml:"timezone"`
	Sources    map[domain.SourceID]SourceSettings `yaml:"sources"`
	Businesses []Business                         `yaml:"businesses"`
}

type SourceSettings struct {
	Disabled    bool              `yaml:"disabled"`
	URLTemplate string            `yaml:"url_template"`
	PageSize    int               `yaml:"page_size"`
	Hosts       []string          `yaml:"hosts"`
	Rate        RateSettings      `yaml:"rate"`
	RatingScale float64           `yaml:"rating_scale"`
	DateLayouts []string          `yaml:"date_layouts"`
	Headers     map[string]string `yaml:"headers"`
}

type RateSettings struct {
	RPS      float64       `yaml:"rps"`
	Burst    int           `yaml:"burst"`
	Cooldown time.Duration `yaml:"cooldown"`
}

type Business struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Location string `yaml:"location"`
	Yandex   string `yaml:"yandex"`
	TwoGIS   string `yaml:"twogis"`
}

func (b Business) Ref() domain.BusinessRef {
	ref := domain.BusinessRef{ID: b.ID, Name: b.Name, Location: b.Location, External: map[domain.SourceID]string{}}
	if b.Yandex != "" {
		ref.External[domain.SourceYandex] = b.Yandex
	}
	if b.TwoGIS != "" {
		ref.External[domain.SourceTwoGIS] = b.TwoGIS
	}
	return ref
}

// DefaultSources is used when no sources file exists.
func DefaultSources() SourcesFile {
	return SourcesFile{
		Timezone: "Europe/Moscow",
		Sources: map[domain.SourceID]SourceSettings{
			domain.SourceYandex: {
				URLTemplate: "https://yandex.ru/maps/api/business/fetchReviews?businessId={id}&page={page}&pageSize={size}&ranking=by_time",
				PageSize:    50,
				Hosts:       []string{"yandex.ru", "yandex.com"},
				Rate:        RateSettings{RPS: 0.5, Burst: 1, Cooldown: time.Minute},
				RatingScale: 5,
				Headers:     map[string]string{"Accept-Language": "ru-RU,ru;q=0.9"},
			},
			domain.SourceTwoGIS: {
				Hosts:       []string{"2gis.ru"},
				Rate:        RateSettings{RPS: 0.5, Burst: 1, Cooldown: time.Minute},
				RatingScale: 5,
				Headers:     map[string]string{"Accept-Language": "ru-RU,ru;q=0.9"},
			},
		},
	}
}

// LoadSources reads the sources file; a missing file yields DefaultSources.
// Sources absent from the file keep their defaults.
func LoadSources(path string) (SourcesFile, error) {
	out := DefaultSources()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("sources file not found, using built-in defaults")
		return out, nil
	}
	if err != nil {
		return SourcesFile{}, err
	}
	var f SourcesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return SourcesFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Timezone != "" {
		out.Timezone = f.Timezone
	}
	for id, s := range f.Sources {
		if id != domain.SourceYandex && id != domain.SourceTwoGIS {
			return SourcesFile{}, fmt.Errorf("parse %s: unknown source %q", path, id)
		}
		out.Sources[id] = s
	}
	for i, b := range f.Businesses {
		if b.ID == "" {
			return SourcesFile{}, fmt.Errorf("parse %s: business #%d has no id", path, i+1)
		}
	}
	out.Businesses = f.Businesses
	return out, nil
}

// Location is the zone naive provider dates are read in.
func (f SourcesFile) Location() *time.Location {
	if loc, err := time.LoadLocation(f.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

func (f SourcesFile) Business(id string) (Business, bool) {
	for _, b := range f.Businesses {
		if b.ID == id {
			return b, true
		}
	}
	return Business{}, false
}

// Refs lists every configured business, in file order.
func (f SourcesFile) Refs() []domain.BusinessRef {
	out := make([]domain.BusinessRef, 0, len(f.Businesses))
	for _, b := range f.Businesses {
		out = append(out, b.Ref())
	}
	return out
}

// Rules are the normalizer's per-source settings.
func (f SourcesFile) Rules() map[domain.SourceID]app.SourceRules {
	out := make(map[domain.SourceID]app.SourceRules, len(f.Sources))
	for id, s := range f.Sources {
		out[id] = app.SourceRules{RatingScale: s.RatingScale, Layouts: s.DateLayouts}
	}
	return out
}

func (s SourceSettings) Settings() sources.Settings {
	h := http.Header{}
	for k, v := range s.Headers {
		h.Set(k, v)
	}
	return sources.Settings{URLTemplate: s.URLTemplate, PageSize: s.PageSize, Headers: h}
}

func (s SourceSettings) Limits() fetch.Limits {
	l := fetch.DefaultLimits
	if s.Rate.RPS > 0 {
		l.RPS = s.Rate.RPS
	}
	if s.Rate.Burst > 0 {
		l.Burst = s.Rate.Burst
	}
	if s.Rate.Cooldown > 0 {
		l.Cooldown = s.Rate.Cooldown
	}
	return l
}
