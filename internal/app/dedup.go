package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"reviewhub/internal/adapters/observability"
	"reviewhub/internal/domain"
)

const lockStripes = 64

// Deduplicator decides New/Unchanged/Updated per identity key and writes
// through to the store. Calls for the same key are serialized; other keys
// run in parallel.
type Deduplicator struct {
	store domain.ReviewStore
	locks [lockStripes]sync.Mutex
}

func NewDeduplicator(s domain.ReviewStore) *Deduplicator {
	return &Deduplicator{store: s}
}

func (d *Deduplicator) Upsert(ctx context.Context, r domain.CanonicalReview) (domain.Outcome, error) {
	if r.Key == "" {
		r.Key = IdentityKey(r)
	}
	mu := &d.locks[stripe(r.Key)]
	mu.Lock()
	defer mu.Unlock()

	prev, err := d.store.Get(ctx, r.Key)
	if err != nil {
		return "", fmt.Errorf("dedup get %s: %w", r.Key, err)
	}

	if prev != nil && r.DateApprox {
		// relative dates drift with the clock; the first sighting keeps its date
		r.PublishedAt = prev.Review.PublishedAt
	}

	var out domain.Outcome
	entry := domain.StoredReview{Review: r, FirstSeenAt: r.IngestedAt}
	switch {
	case prev == nil:
		out = domain.OutcomeNew
	case prev.Review.SameContent(r):
		out = domain.OutcomeUnchanged
	case prev.Review.IngestedAt.After(r.IngestedAt):
		// an older ingestion never overwrites a newer one
		out = domain.OutcomeUnchanged
	default:
		out = domain.OutcomeUpdated
		entry.FirstSeenAt = prev.FirstSeenAt
	}

	if out != domain.OutcomeUnchanged {
		if err := d.store.Put(ctx, r.Key, entry); err != nil {
			return "", fmt.Errorf("dedup put %s: %w", r.Key, err)
		}
	}
	observability.ObserveOutcome(string(r.Source), string(out), 1)
	return out, nil
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}
