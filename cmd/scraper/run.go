package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"reviewhub/internal/adapters/export"
	"reviewhub/internal/app"
	"reviewhub/internal/domain"
)

type jobFlags struct {
	maxPages int
	since    string
	resume   bool
	timeout  time.Duration
}

func (f *jobFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.maxPages, "max-pages", 0, "pages per source (default $MAX_PAGES)")
	cmd.Flags().StringVar(&f.since, "since", "", "skip reviews published before this date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "continue from the last stored cursor")
	cmd.Flags().DurationVar(&f.timeout, "source-timeout", 0, "wall-clock limit per source (default $SOURCE_TIMEOUT_SECONDS)")
}

func (f *jobFlags) options() (domain.JobOptions, error) {
	opts := domain.JobOptions{MaxPages: f.maxPages, Resume: f.resume, PerSourceTimeout: f.timeout}
	if f.since != "" {
		t, err := parseSince(f.since)
		if err != nil {
			return opts, err
		}
		opts.Since = &t
	}
	return opts, nil
}

func parseSince(s string) (time.Time, error) {
	for _, l := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("--since %q: want YYYY-MM-DD or RFC3339", s)
}

func newRunCmd(e *env) *cobra.Command {
	var (
		jf       jobFlags
		bizID    string
		name     string
		yandexID string
		twogisID string
		asJSON   bool
		csvPath  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scrape one business and print the job result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			biz, err := businessFor(e, bizID, name, yandexID, twogisID)
			if err != nil {
				return err
			}
			opts, err := jf.options()
			if err != nil {
				return err
			}

			id, err := e.jobs.StartJob(cmd.Context(), biz, nil, opts)
			if err != nil {
				return err
			}
			res, err := waitOrCancel(cmd, e, id)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printSummary(res)
			}
			if csvPath != "" {
				if err := writeCSVFile(csvPath, res.Records); err != nil {
					return err
				}
				log.Info().Str("path", csvPath).Int("records", len(res.Records)).Msg("csv written")
			}
			if res.Status == domain.JobFailed {
				return errors.New("job failed")
			}
			return nil
		},
	}
	jf.register(cmd)
	cmd.Flags().StringVar(&bizID, "business", "", "business ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&yandexID, "yandex", "", "Yandex Maps organization ID or URL")
	cmd.Flags().StringVar(&twogisID, "twogis", "", "2GIS firm ID or URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringVar(&csvPath, "csv", "", "also write the new and updated reviews to this CSV file")
	_ = cmd.MarkFlagRequired("business")
	return cmd
}

// businessFor starts from the configured business and lets flags override its references.
func businessFor(e *env, id, name, yandexRef, twogisRef string) (domain.BusinessRef, error) {
	ref := domain.BusinessRef{ID: id, Name: name, External: map[domain.SourceID]string{}}
	if b, ok := e.sf.Business(id); ok {
		ref = b.Ref()
		if name != "" {
			ref.Name = name
		}
	}
	if yandexRef != "" {
		ref.External[domain.SourceYandex] = yandexRef
	}
	if twogisRef != "" {
		ref.External[domain.SourceTwoGIS] = twogisRef
	}
	if len(ref.External) == 0 {
		return ref, fmt.Errorf("business %q: not configured and no --yandex/--twogis given", id)
	}
	return ref, nil
}

// waitOrCancel waits for the job; an interrupt cancels it and still waits for the partial result.
func waitOrCancel(cmd *cobra.Command, e *env, id string) (domain.JobResult, error) {
	res, err := e.jobs.Wait(cmd.Context(), id)
	if err == nil {
		return res, nil
	}
	log.Warn().Str("job", id).Msg("interrupted, stopping after in-flight pages")
	if cerr := e.jobs.Cancel(cmd.Context(), id); cerr != nil {
		return domain.JobResult{}, cerr
	}
	// a second interrupt exits at once, see main
	return e.jobs.Wait(context.WithoutCancel(cmd.Context()), id)
}

// writeCSVFile replaces path with the records, sentiment included.
func writeCSVFile(path string, records []domain.CanonicalReview) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	an := app.NewSentimentAnalyzer()
	if err := export.WriteCSV(f, records, export.WithBOM(), export.WithSentiment(an.Analyze)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func printSummary(res domain.JobResult) {
	fmt.Printf("job %s  business=%s  status=%s\n", res.ID, res.Business.ID, res.Status)
	for _, src := range []domain.SourceID{domain.SourceYandex, domain.SourceTwoGIS} {
		r, ok := res.Sources[src]
		if !ok {
			continue
		}
		fmt.Printf("  %-7s %-9s pages=%d fetched=%d new=%d updated=%d duplicate=%d failed=%d skipped=%d\n",
			src, r.Status, r.Pages, r.Fetched, r.New, r.Updated, r.Duplicate, r.Failed, r.Skipped)
		for _, d := range r.Errors {
			fmt.Printf("          %s: %s\n", d.Kind, d.Message)
		}
	}
}
