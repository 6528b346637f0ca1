package main

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"reviewhub/internal/app"
	"reviewhub/internal/domain"
)

func newBatchCmd(e *env) *cobra.Command {
	var (
		jf      jobFlags
		workers int
		every   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Scrape every business in the sources file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(e.sf.Businesses) == 0 {
				return errors.New("no businesses configured in " + e.cfg.SourcesFile)
			}
			opts, err := jf.options()
			if err != nil {
				return err
			}
			if workers <= 0 {
				workers = e.cfg.Workers
			}
			ctx := cmd.Context()

			if every > 0 {
				// runs until interrupted
				s := app.NewScheduler(e.jobs, e.sf.Refs(), every, app.WithWorkers(workers), app.WithJobOptions(opts))
				return s.Start(ctx)
			}

			log.Info().
				Int("businesses", len(e.sf.Businesses)).
				Int("workers", workers).
				Msg("batch starting")

			sem := semaphore.NewWeighted(int64(workers))
			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				failed int
			)
			for _, b := range e.sf.Businesses {
				// acquire before launching the goroutine; release inside it
				if err := sem.Acquire(ctx, 1); err != nil {
					log.Warn().Err(err).Msg("batch interrupted, not starting remaining businesses")
					break
				}
				wg.Add(1)
				go func(biz domain.BusinessRef) {
					defer wg.Done()
					defer sem.Release(1)

					id, err := e.jobs.StartJob(ctx, biz, nil, opts)
					if err == nil {
						var res domain.JobResult
						if res, err = waitOrCancel(cmd, e, id); err == nil {
							mu.Lock()
							printSummary(res)
							mu.Unlock()
							if res.Status == domain.JobFailed {
								err = errors.New("job failed")
							}
						}
					}
					if err != nil {
						log.Warn().Str("business", biz.ID).Err(err).Msg("scrape failed")
						mu.Lock()
						failed++
						mu.Unlock()
					}
				}(b.Ref())
			}
			wg.Wait()

			log.Info().Int("failed", failed).Msg("batch completed")
			if failed == len(e.sf.Businesses) {
				return errors.New("every business failed")
			}
			return nil
		},
	}
	jf.register(cmd)
	cmd.Flags().IntVar(&workers, "workers", 0, "businesses scraped at once (default $SCRAPE_WORKERS)")
	cmd.Flags().DurationVar(&every, "every", 0, "keep running and repeat the batch at this interval, e.g. 30m")
	return cmd
}
