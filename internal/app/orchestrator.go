package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"reviewhub/internal/adapters/observability"
	"reviewhub/internal/adapters/sources"
	"reviewhub/internal/domain"
)

const (
	DefaultMaxPages = 20
	defaultJobLimit = 1000 // finished jobs kept in memory
)

// Orchestrator runs scrape jobs: one goroutine per source, pages strictly in order.
type Orchestrator struct {
	adapters map[domain.SourceID]domain.SourceAdapter
	norm     *Normalizer
	dedup    *Deduplicator

	cursors  domain.Cache // resume cursors; optional
	queries  *QueryService
	recorder domain.JobRecorder
	defaults domain.JobOptions
	keep     int
	log      zerolog.Logger

	mu       sync.Mutex
	jobs     map[string]*job
	finished []string // terminal job IDs, oldest first
}

type OrchestratorOption func(*Orchestrator)

func WithCursorCache(c domain.Cache) OrchestratorOption {
	return func(o *Orchestrator) { o.cursors = c }
}

// WithQueryService lets finished sources drop the cached review listing.
func WithQueryService(q *QueryService) OrchestratorOption {
	return func(o *Orchestrator) { o.queries = q }
}

func WithRecorder(r domain.JobRecorder) OrchestratorOption {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithDefaults fills zero-valued job options.
func WithDefaults(d domain.JobOptions) OrchestratorOption {
	return func(o *Orchestrator) { o.defaults = d }
}

func WithJobLimit(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.keep = n
		}
	}
}

func WithLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

func NewOrchestrator(adapters []domain.SourceAdapter, n *Normalizer, d *Deduplicator, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		adapters: make(map[domain.SourceID]domain.SourceAdapter, len(adapters)),
		norm:     n,
		dedup:    d,
		defaults: domain.JobOptions{MaxPages: DefaultMaxPages},
		keep:     defaultJobLimit,
		log:      log.Logger,
		jobs:     make(map[string]*job),
	}
	for _, a := range adapters {
		o.adapters[a.Source()] = a
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type job struct {
	mu       sync.Mutex
	res      domain.JobResult
	stop     chan struct{}
	stopOnce sync.Once
	timedOut bool
	done     chan struct{}
}

func (j *job) halt() { j.stopOnce.Do(func() { close(j.stop) }) }

func (j *job) stopped() bool {
	select {
	case <-j.stop:
		return true
	default:
		return false
	}
}

func (j *job) with(fn func(r *domain.JobResult)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.res)
}

// StartJob registers a job and runs it in the background. With no sources
// listed, every source the business has a reference for is scraped.
func (o *Orchestrator) StartJob(ctx context.Context, biz domain.BusinessRef, srcs []domain.SourceID, opts domain.JobOptions) (string, error) {
	if biz.ID == "" {
		return "", errors.New("business id is required")
	}
	opts = o.withDefaults(opts)
	if srcs == nil {
		for id := range biz.External {
			srcs = append(srcs, id)
		}
		sort.Slice(srcs, func(i, k int) bool { return srcs[i] < srcs[k] })
	}

	j := &job{
		stop: make(chan struct{}),
		done: make(chan struct{}),
		res: domain.JobResult{
			ID:        uuid.NewString(),
			Business:  biz,
			Status:    domain.JobPending,
			Options:   opts,
			Sources:   make(map[domain.SourceID]*domain.SourceReport, len(srcs)),
			CreatedAt: time.Now().UTC(),
		},
	}
	for _, s := range srcs {
		j.res.Sources[s] = &domain.SourceReport{Source: s, Status: domain.SourcePending}
	}

	o.mu.Lock()
	o.jobs[j.res.ID] = j
	o.mu.Unlock()

	// the job outlives the request that started it
	go o.run(context.WithoutCancel(ctx), j, srcs)
	return j.res.ID, nil
}

// Run starts a job and blocks until it is finished.
func (o *Orchestrator) Run(ctx context.Context, biz domain.BusinessRef, srcs []domain.SourceID, opts domain.JobOptions) (domain.JobResult, error) {
	id, err := o.StartJob(ctx, biz, srcs, opts)
	if err != nil {
		return domain.JobResult{}, err
	}
	return o.Wait(ctx, id)
}

// Result is a snapshot of the job, running or finished.
func (o *Orchestrator) Result(ctx context.Context, id string) (domain.JobResult, error) {
	if j := o.lookup(id); j != nil {
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.res.Clone(), nil
	}
	if o.recorder != nil {
		return o.recorder.LoadJob(ctx, id)
	}
	return domain.JobResult{}, domain.ErrNotFound
}

// Wait blocks until the job is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (domain.JobResult, error) {
	j := o.lookup(id)
	if j == nil {
		return o.Result(ctx, id)
	}
	select {
	case <-j.done:
		return o.Result(ctx, id)
	case <-ctx.Done():
		return domain.JobResult{}, ctx.Err()
	}
}

// Cancel asks a job to stop after its in-flight pages. Cancelling a finished job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	if j := o.lookup(id); j != nil {
		j.halt()
		return nil
	}
	if o.recorder != nil {
		_, err := o.recorder.LoadJob(ctx, id)
		return err
	}
	return domain.ErrNotFound
}

func (o *Orchestrator) lookup(id string) *job {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[id]
}

func (o *Orchestrator) withDefaults(opts domain.JobOptions) domain.JobOptions {
	if opts.MaxPages <= 0 {
		opts.MaxPages = o.defaults.MaxPages
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultMaxPages
	}
	if opts.PerSourceTimeout <= 0 {
		opts.PerSourceTimeout = o.defaults.PerSourceTimeout
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = o.defaults.JobTimeout
	}
	return opts
}

func (o *Orchestrator) run(ctx context.Context, j *job, srcs []domain.SourceID) {
	defer close(j.done)
	l := o.log.With().Str("job", j.res.ID).Str("business", j.res.Business.ID).Logger()

	j.with(func(r *domain.JobResult) {
		r.Status = domain.JobRunning
		r.StartedAt = time.Now().UTC()
	})
	if d := j.res.Options.JobTimeout; d > 0 {
		t := time.AfterFunc(d, func() {
			j.mu.Lock()
			j.timedOut = true
			j.mu.Unlock()
			j.halt()
		})
		defer t.Stop()
	}
	l.Info().Int("sources", len(srcs)).Msg("job started")

	// a failing source never cancels its siblings, so the group carries no context
	var g errgroup.Group
	for _, s := range srcs {
		g.Go(func() error {
			o.runSource(ctx, j, s, l.With().Str("source", string(s)).Logger())
			return nil
		})
	}
	_ = g.Wait()

	var res domain.JobResult
	j.with(func(r *domain.JobResult) {
		r.Status = jobStatus(r.Sources, j.timedOut)
		r.FinishedAt = time.Now().UTC()
		res = r.Clone()
	})
	observability.ObserveJob(string(res.Status))
	l.Info().Str("status", string(res.Status)).Int("records", len(res.Records)).
		Int("errors", len(res.Errors)).Dur("took", res.FinishedAt.Sub(res.StartedAt)).Msg("job finished")

	if o.recorder != nil {
		if err := o.recorder.SaveJob(ctx, res); err != nil {
			l.Error().Err(err).Msg("save job result")
		}
	}
	o.retire(res.ID)
}

// retire evicts the oldest finished jobs beyond the in-memory limit.
func (o *Orchestrator) retire(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, id)
	for len(o.finished) > o.keep {
		delete(o.jobs, o.finished[0])
		o.finished = o.finished[1:]
	}
}

func jobStatus(reports map[domain.SourceID]*domain.SourceReport, timedOut bool) domain.JobStatus {
	if len(reports) == 0 {
		return domain.JobFailed
	}
	failed, partial := 0, timedOut
	for _, r := range reports {
		switch r.Status {
		case domain.SourceFailed:
			failed++
			partial = true
		case domain.SourceCancelled:
			partial = true
		}
	}
	switch {
	case failed == len(reports):
		return domain.JobFailed
	case partial:
		return domain.JobPartiallyFailed
	default:
		return domain.JobCompleted
	}
}

func cursorKey(biz string, src domain.SourceID) string {
	return fmt.Sprintf("cursor:%s:%s", biz, src)
}

// sourceRun is the per-source state the runner keeps outside the job lock.
type sourceRun struct {
	j   *job
	src domain.SourceID
}

func (s sourceRun) report(fn func(rep *domain.SourceReport, res *domain.JobResult)) {
	s.j.with(func(r *domain.JobResult) { fn(r.Sources[s.src], r) })
}

func (s sourceRun) fail(err error, cursor domain.Cursor) {
	d := domain.ErrorDescriptor{Source: s.src, Kind: domain.ErrorKind(err), Message: err.Error(), Cursor: cursor}
	s.report(func(rep *domain.SourceReport, res *domain.JobResult) {
		rep.Errors = append(rep.Errors, d)
		res.Errors = append(res.Errors, d)
	})
}

func (o *Orchestrator) runSource(ctx context.Context, j *job, src domain.SourceID, l zerolog.Logger) {
	sr := sourceRun{j: j, src: src}
	biz, opts := j.res.Business, j.res.Options
	sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) {
		rep.Status = domain.SourceRunning
		rep.StartedAt = time.Now().UTC()
	})

	var cancelled bool
	defer func() {
		sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) {
			rep.FinishedAt = time.Now().UTC()
			rep.Status = sourceStatus(rep, cancelled)
			l.Info().Str("status", string(rep.Status)).Int("pages", rep.Pages).Int("new", rep.New).
				Int("updated", rep.Updated).Int("duplicate", rep.Duplicate).Int("failed", rep.Failed).Msg("source finished")
		})
	}()

	if j.stopped() {
		cancelled = true
		return
	}
	adapter, ok := o.adapters[src]
	if !ok {
		sr.fail(fmt.Errorf("no adapter registered for %q", src), "")
		return
	}
	if biz.External[src] == "" {
		sr.fail(fmt.Errorf("business %q has no %s reference", biz.ID, src), "")
		return
	}

	if opts.PerSourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.PerSourceTimeout)
		defer cancel()
	}

	var start domain.Cursor
	if opts.Resume && o.cursors != nil {
		var c string
		ok, err := o.cursors.Get(ctx, cursorKey(biz.ID, src), &c)
		switch {
		case err != nil:
			l.Warn().Err(err).Msg("resume cursor unavailable, starting from the first page")
		case ok:
			start = domain.Cursor(c)
			l.Info().Str("cursor", c).Msg("resuming")
		}
	}

	pager := sources.NewPager(adapter, biz, start)
	changed := false
	for pages := 0; pages < opts.MaxPages && !pager.Done(); pages++ {
		if j.stopped() {
			cancelled = true
			break
		}
		if err := ctx.Err(); err != nil {
			sr.fail(err, pager.Cursor())
			break
		}

		cur := pager.Cursor()
		page, err := pager.Next(ctx)
		if errors.Is(err, sources.ErrDone) {
			break
		}
		if err != nil {
			observability.ObservePage(string(src), false)
			l.Warn().Err(err).Str("cursor", string(cur)).Msg("page failed")
			sr.fail(err, cur)
			sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) { rep.PageErrors++ })
			continue
		}
		observability.ObservePage(string(src), true)

		older, n := o.ingestPage(ctx, sr, biz.ID, page, opts.Since, l)
		if n.New+n.Updated > 0 {
			changed = true
		}
		sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) {
			rep.Pages++
			rep.LastCursor = page.Cursor
		})
		if older {
			l.Info().Str("cursor", string(page.Cursor)).Msg("reached reviews older than since")
			break
		}
	}

	// the source deadline may already be gone
	bg := context.WithoutCancel(ctx)
	if o.cursors != nil {
		key := cursorKey(biz.ID, src)
		if pager.Done() {
			if err := o.cursors.Del(bg, key); err != nil {
				l.Warn().Err(err).Str("key", key).Msg("resume cursor not cleared")
			}
		} else if c := pager.Cursor(); c != "" {
			if err := o.cursors.Set(bg, key, string(c), 0); err != nil {
				l.Warn().Err(err).Str("key", key).Str("cursor", string(c)).Msg("resume cursor not saved")
			}
		}
	}
	if changed && o.queries != nil {
		o.queries.InvalidateReviews(bg, biz.ID)
	}
}

type pageCounts struct{ New, Updated int }

var errUnreadable = errors.New("items on the page are not reviews")

// ingestPage normalizes and upserts one page. older reports that every
// readable review on it predates since.
func (o *Orchestrator) ingestPage(ctx context.Context, sr sourceRun, bizID string, page domain.Page, since *time.Time, l zerolog.Logger) (older bool, n pageCounts) {
	readable, skipped, failed := 0, 0, 0
	defer func() {
		observability.ObserveOutcome(string(sr.src), "failed", failed)
		observability.ObserveOutcome(string(sr.src), "skipped", skipped)
	}()

	if page.Dropped > 0 {
		failed += page.Dropped
		l.Debug().Int("dropped", page.Dropped).Str("cursor", string(page.Cursor)).Msg("unreadable items on page")
		sr.fail(&domain.NormalizationError{Field: "item", Value: strconv.Itoa(page.Dropped), Err: errUnreadable}, page.Cursor)
		sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) {
			rep.Fetched += page.Dropped
			rep.Failed += page.Dropped
		})
	}

	for _, raw := range page.Reviews {
		sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) { rep.Fetched++ })

		cr, err := o.norm.Normalize(bizID, sr.src, raw)
		if err != nil {
			l.Debug().Err(err).Str("native_id", raw.NativeID).Msg("review dropped")
			failed++
			sr.fail(err, page.Cursor)
			sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) { rep.Failed++ })
			continue
		}
		readable++
		if since != nil && cr.PublishedAt.Before(*since) {
			skipped++
			sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) { rep.Skipped++ })
			continue
		}

		out, err := o.dedup.Upsert(ctx, cr)
		if err != nil {
			failed++
			sr.fail(err, page.Cursor)
			sr.report(func(rep *domain.SourceReport, _ *domain.JobResult) { rep.Failed++ })
			continue
		}
		sr.report(func(rep *domain.SourceReport, res *domain.JobResult) {
			switch out {
			case domain.OutcomeNew:
				rep.New++
				res.Records = append(res.Records, cr)
			case domain.OutcomeUpdated:
				rep.Updated++
				res.Records = append(res.Records, cr)
			default:
				rep.Duplicate++
			}
		})
		switch out {
		case domain.OutcomeNew:
			n.New++
		case domain.OutcomeUpdated:
			n.Updated++
		}
	}
	return readable > 0 && skipped == readable, n
}

func sourceStatus(rep *domain.SourceReport, cancelled bool) domain.SourceStatus {
	switch {
	case cancelled:
		return domain.SourceCancelled
	case rep.Pages == 0 && len(rep.Errors) > 0:
		return domain.SourceFailed
	case len(rep.Errors) > 0:
		return domain.SourceDegraded
	default:
		return domain.SourceSucceeded
	}
}
