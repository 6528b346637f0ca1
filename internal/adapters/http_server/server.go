package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultRequestTimeout = 15 * time.Second

// Server is the API router. Every error it produces on its own, unknown
// routes and panics included, is a problem+json body like the handlers write.
type Server struct {
	mux            *chi.Mux
	log            zerolog.Logger
	requestTimeout time.Duration
}

type Option func(*Server)

// WithRequestTimeout bounds each request; 0 leaves requests unbounded.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.requestTimeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func New(opts ...Option) *Server {
	s := &Server{log: log.Logger, requestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(s)
	}

	m := chi.NewRouter()
	// Recover sits inside Metrics and Logger so a panic is counted and logged as a 500
	m.Use(chimw.RealIP)
	m.Use(chimw.RequestID)
	m.Use(Metrics)
	m.Use(Logger(s.log))
	m.Use(Recover(s.log))
	if s.requestTimeout > 0 {
		m.Use(Timeout(s.requestTimeout))
	}
	m.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusNotFound, "Not Found", "no such resource: "+r.URL.Path)
	})
	m.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", r.Method+" is not supported on "+r.URL.Path)
	})

	s.mux = m
	return s
}

func (s *Server) Mux() http.Handler { return s.mux }

// Mount attaches an extra handler such as /metrics.
func (s *Server) Mount(path string, h http.Handler) {
	s.mux.Handle(path, h)
}
