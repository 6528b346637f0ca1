package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"reviewhub/internal/app"
	"reviewhub/internal/domain"
	"reviewhub/internal/storage/memory"
)

func canon(key, body string, ingested time.Time) domain.CanonicalReview {
	return domain.CanonicalReview{
		Key: key, Source: domain.SourceYandex, BusinessID: "biz", NativeID: key,
		Author: "Анна", Rating: 5, Body: body,
		PublishedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
		IngestedAt:  ingested,
	}
}

func TestUpsert_NewThenUnchanged(t *testing.T) {
	store := memory.NewStore()
	d := app.NewDeduplicator(store)
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	out, err := d.Upsert(ctx, canon("k", "text", t0))
	if err != nil || out != domain.OutcomeNew {
		t.Fatalf("first: %v %v", out, err)
	}
	out, err = d.Upsert(ctx, canon("k", "text", t0.Add(time.Hour)))
	if err != nil || out != domain.OutcomeUnchanged {
		t.Fatalf("second: %v %v", out, err)
	}
	// unchanged is not written: ingestion time stays the first one
	e, _ := store.Get(ctx, "k")
	if !e.Review.IngestedAt.Equal(t0) {
		t.Fatalf("entry rewritten: %+v", e)
	}
}

func TestUpsert_UpdatedKeepsFirstSeen(t *testing.T) {
	store := memory.NewStore()
	d := app.NewDeduplicator(store)
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	_, _ = d.Upsert(ctx, canon("k", "v1", t0))
	out, err := d.Upsert(ctx, canon("k", "v2", t0.Add(time.Minute)))
	if err != nil || out != domain.OutcomeUpdated {
		t.Fatalf("got %v %v", out, err)
	}
	e, _ := store.Get(ctx, "k")
	if e.Review.Body != "v2" || !e.FirstSeenAt.Equal(t0) {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestUpsert_OlderIngestionNeverWins(t *testing.T) {
	store := memory.NewStore()
	d := app.NewDeduplicator(store)
	ctx := context.Background()
	t0 := time.Unix(1000, 0)

	_, _ = d.Upsert(ctx, canon("k", "newer", t0))
	out, _ := d.Upsert(ctx, canon("k", "older", t0.Add(-time.Minute)))
	if out != domain.OutcomeUnchanged {
		t.Fatalf("got %v", out)
	}
	e, _ := store.Get(ctx, "k")
	if e.Review.Body != "newer" {
		t.Fatalf("older ingestion overwrote: %+v", e)
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	store := memory.NewStore()
	d := app.NewDeduplicator(store)
	ctx := context.Background()
	batch := []domain.CanonicalReview{canon("a", "1", time.Unix(1, 0)), canon("b", "2", time.Unix(1, 0))}

	for _, r := range batch {
		_, _ = d.Upsert(ctx, r)
	}
	for _, r := range batch {
		out, err := d.Upsert(ctx, r)
		if err != nil || out != domain.OutcomeUnchanged {
			t.Fatalf("replay %s: %v %v", r.Key, out, err)
		}
	}
	if store.Len() != 2 {
		t.Fatalf("len=%d", store.Len())
	}
}

func TestUpsert_ConcurrentSameKeyYieldsOneNew(t *testing.T) {
	d := app.NewDeduplicator(memory.NewStore())
	ctx := context.Background()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		news int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _ := d.Upsert(ctx, canon("same", "body", time.Unix(1, 0)))
			if out == domain.OutcomeNew {
				mu.Lock()
				news++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if news != 1 {
		t.Fatalf("want exactly one New, got %d", news)
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*domain.StoredReview, error) {
	return nil, errors.New("db down")
}
func (failingStore) Put(context.Context, string, domain.StoredReview) error { return nil }

func TestUpsert_StoreError(t *testing.T) {
	_, err := app.NewDeduplicator(failingStore{}).Upsert(context.Background(), canon("k", "b", time.Unix(1, 0)))
	if err == nil {
		t.Fatal("expected error")
	}
}

func ExampleDeduplicator_Upsert() {
	d := app.NewDeduplicator(memory.NewStore())
	r := canon("k", "b", time.Unix(1, 0))
	a, _ := d.Upsert(context.Background(), r)
	b, _ := d.Upsert(context.Background(), r)
	fmt.Println(a, b)
	// Output: new unchanged
}

func TestUpsert_RelativeDateNextDayIsUnchanged(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	n := app.NewNormalizer(map[domain.SourceID]app.SourceRules{domain.SourceTwoGIS: {RatingScale: 5}},
		app.WithClock(func() time.Time { return clock }))

	for name, raw := range map[string]domain.RawReview{
		"content hash": {Author: "Ольга", Rating: "5", Timestamp: "3 недели назад", Body: "Прекрасный вечер"},
		"native id":    {NativeID: "g7", Author: "Ольга", Rating: "5", Timestamp: "вчера", Body: "Прекрасный вечер"},
	} {
		t.Run(name, func(t *testing.T) {
			store := memory.NewStore()
			d := app.NewDeduplicator(store)

			clock = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
			first, _ := n.Normalize("biz", domain.SourceTwoGIS, raw)
			if out, err := d.Upsert(ctx, first); err != nil || out != domain.OutcomeNew {
				t.Fatalf("day 1: %v %v", out, err)
			}

			clock = clock.AddDate(0, 0, 1)
			second, _ := n.Normalize("biz", domain.SourceTwoGIS, raw)
			if out, err := d.Upsert(ctx, second); err != nil || out != domain.OutcomeUnchanged {
				t.Fatalf("day 2: %v %v", out, err)
			}
			if store.Len() != 1 {
				t.Fatalf("stored=%d", store.Len())
			}
			e, _ := store.Get(ctx, first.Key)
			if !e.Review.PublishedAt.Equal(first.PublishedAt) {
				t.Fatalf("date moved: %v", e.Review.PublishedAt)
			}
		})
	}
}

func TestUpsert_RelativeDateStillSeesEdits(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	d := app.NewDeduplicator(store)

	r := canon("k", "text", time.Unix(1000, 0))
	if out, _ := d.Upsert(ctx, r); out != domain.OutcomeNew {
		t.Fatalf("first: %v", out)
	}
	edited := canon("k", "text, edited", time.Unix(2000, 0))
	edited.PublishedAt = r.PublishedAt.AddDate(0, 0, 1)
	edited.DateApprox = true
	if out, _ := d.Upsert(ctx, edited); out != domain.OutcomeUpdated {
		t.Fatalf("edit: %v", out)
	}
	e, _ := store.Get(ctx, "k")
	if e.Review.Body != "text, edited" || !e.Review.PublishedAt.Equal(r.PublishedAt) {
		t.Fatalf("stored: %+v", e.Review)
	}
}
