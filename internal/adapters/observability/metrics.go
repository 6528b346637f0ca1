package observability

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reviewhub", Name: "http_requests_total", Help: "HTTP requests."},
		[]string{"route", "method", "status"},
	)
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reviewhub", Name: "http_request_duration_seconds",
			Help:    "HTTP request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
	ExternalRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reviewhub", Name: "external_requests_total", Help: "Outbound requests."},
		[]string{"host", "expect", "status"},
	)
	ExternalLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reviewhub", Name: "external_request_duration_seconds",
			Help:    "Outbound request duration seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host", "expect"},
	)
	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reviewhub", Name: "cache_events_total", Help: "Cache hits/misses/sets/dels."},
		[]string{"cache", "event"}, // event: hit|miss|set|del
	)
	ScrapePages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reviewhub", Name: "scrape_pages_total", Help: "Review pages processed."},
		[]string{"source", "result"}, // result: ok|error
	)
	ReviewOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reviewhub", Name: "review_outcomes_total", Help: "Dedup outcomes per source."},
		[]string{"source", "outcome"}, // outcome: new|unchanged|updated|failed|skipped
	)
	Jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "reviewhub", Name: "jobs_total", Help: "Finished scrape jobs by status."},
		[]string{"status"},
	)
)

func init() {
	// the default registry backs Serve(); InitRegistry builds an isolated one for the API
	prometheus.MustRegister(ExternalRequests, ExternalLatency, ScrapePages, ReviewOutcomes, Jobs)
}

// Serve exposes the default registry on addr for processes without an HTTP API.
// An empty addr disables it. The returned server has Addr set to the bound
// address; it is nil when disabled or when the port could not be taken.
func Serve(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server not started")
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("metrics server listening")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func InitRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(HTTPRequests, HTTPLatency, ExternalRequests, ExternalLatency, CacheEvents,
		ScrapePages, ReviewOutcomes, Jobs)
	return reg
}

func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func ObserveHTTP(route, method string, status int, dur time.Duration) {
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(route, method).Observe(dur.Seconds())
}

func ObserveExternal(host, expect string, status int, dur time.Duration) {
	ExternalRequests.WithLabelValues(host, expect, strconv.Itoa(status)).Inc()
	ExternalLatency.WithLabelValues(host, expect).Observe(dur.Seconds())
}

func ObserveCache(cache, event string) { // event: hit|miss|set|del
	CacheEvents.WithLabelValues(cache, event).Inc()
}

func ObservePage(source string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	ScrapePages.WithLabelValues(source, result).Inc()
}

func ObserveOutcome(source, outcome string, n int) {
	if n > 0 {
		ReviewOutcomes.WithLabelValues(source, outcome).Add(float64(n))
	}
}

func ObserveJob(status string) { Jobs.WithLabelValues(status).Inc() }
