package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"reviewhub/internal/domain"
)

// JobRunner is the part of the Orchestrator the Scheduler drives.
type JobRunner interface {
	StartJob(ctx context.Context, biz domain.BusinessRef, srcs []domain.SourceID, opts domain.JobOptions) (string, error)
	Wait(ctx context.Context, id string) (domain.JobResult, error)
	Cancel(ctx context.Context, id string) error
}

// Round summarizes one pass over every scheduled business.
type Round struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Jobs       int       `json:"jobs"`
	Failed     int       `json:"failed"`
	New        int       `json:"new"`
	Updated    int       `json:"updated"`
}

// Scheduler scrapes a fixed list of businesses once at start and then every
// interval. A round that overruns the interval delays the next one.
type Scheduler struct {
	jobs       JobRunner
	businesses []domain.BusinessRef
	every      time.Duration
	workers    int
	opts       domain.JobOptions
	log        zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
	last    *Round
}

type SchedulerOption func(*Scheduler)

// WithWorkers bounds how many businesses are scraped at once.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithJobOptions(o domain.JobOptions) SchedulerOption {
	return func(s *Scheduler) { s.opts = o }
}

func WithSchedulerLogger(l zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = l }
}

func NewScheduler(jobs JobRunner, businesses []domain.BusinessRef, every time.Duration, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		jobs:       jobs,
		businesses: businesses,
		every:      every,
		workers:    1,
		log:        log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "scheduler").Logger()
	return s
}

// Start runs rounds until Stop is called or ctx ends. It blocks.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	stopCh, done := s.stopCh, s.done
	s.mu.Unlock()
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info().Dur("every", s.every).Int("businesses", len(s.businesses)).Msg("scheduler started")
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop ends Start and waits for the round in flight to wind down; its jobs
// are cancelled between pages.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()
	<-done
}

// Last is the most recent finished round.
func (s *Scheduler) Last() (Round, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Round{}, false
	}
	return *s.last, true
}

// RunOnce scrapes every business, at most workers at a time.
func (s *Scheduler) RunOnce(ctx context.Context) Round {
	r := Round{StartedAt: time.Now().UTC()}
	sem := semaphore.NewWeighted(int64(s.workers))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, biz := range s.businesses {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(biz domain.BusinessRef) {
			defer wg.Done()
			defer sem.Release(1)

			res, err := s.scrape(ctx, biz)
			mu.Lock()
			defer mu.Unlock()
			r.Jobs++
			if err != nil || res.Status == domain.JobFailed {
				r.Failed++
			}
			for _, rep := range res.Sources {
				r.New += rep.New
				r.Updated += rep.Updated
			}
		}(biz)
	}
	wg.Wait()
	r.FinishedAt = time.Now().UTC()

	s.log.Info().Int("jobs", r.Jobs).Int("failed", r.Failed).Int("new", r.New).
		Int("updated", r.Updated).Dur("took", r.FinishedAt.Sub(r.StartedAt)).Msg("round finished")
	s.mu.Lock()
	s.last = &r
	s.mu.Unlock()
	return r
}

func (s *Scheduler) scrape(ctx context.Context, biz domain.BusinessRef) (domain.JobResult, error) {
	id, err := s.jobs.StartJob(ctx, biz, nil, s.opts)
	if err != nil {
		s.log.Warn().Err(err).Str("business", biz.ID).Msg("job not started")
		return domain.JobResult{}, err
	}
	res, err := s.jobs.Wait(ctx, id)
	if err != nil {
		// stopping: cancel the job and collect what it got
		bg := context.WithoutCancel(ctx)
		_ = s.jobs.Cancel(bg, id)
		res, err = s.jobs.Wait(bg, id)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("business", biz.ID).Msg("job lost")
	}
	return res, err
}
