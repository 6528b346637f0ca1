package app

import (
	"context"
	"fmt"
	"time"

	"reviewhub/internal/domain"
)

// MaxListed is how many of a business's newest reviews the read side caches.
const MaxListed = 500

type QueryService struct {
	repo      domain.ReviewRepository
	cache     domain.Cache
	cacheTTL  time.Duration
	sentiment *SentimentAnalyzer
}

func NewQueryService(r domain.ReviewRepository, c domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{repo: r, cache: c, cacheTTL: ttl, sentiment: NewSentimentAnalyzer()}
}

// Sentiment scores one review body.
func (s *QueryService) Sentiment(text string) domain.Sentiment { return s.sentiment.Analyze(text) }

// Summary aggregates the cached newest MaxListed reviews of a business,
// optionally of one source.
func (s *QueryService) Summary(ctx context.Context, businessID string, src domain.SourceID) (domain.ReviewSummary, error) {
	rp, err := s.ListReviews(ctx, businessID, domain.PageQuery{Limit: MaxListed, Source: src})
	if err != nil {
		return domain.ReviewSummary{}, err
	}
	return s.sentiment.Summarize(businessID, src, rp.Items), nil
}

// reviewsKey names the cached listing of a business, optionally narrowed to one source.
func reviewsKey(businessID string, src domain.SourceID) string {
	if src == "" {
		return fmt.Sprintf("reviews:%s", businessID)
	}
	return fmt.Sprintf("reviews:%s:%s", businessID, src)
}

// ListReviews serves the newest reviews of a business. Each (business, source)
// pair has its own cache entry with the newest MaxListed reviews, so a source
// filter never sees another source's reviews crowd its own out.
func (s *QueryService) ListReviews(ctx context.Context, businessID string, pg domain.PageQuery) (domain.ReviewsPage, error) {
	if pg.Limit <= 0 || pg.Limit > MaxListed {
		pg.Limit = MaxListed
	}
	key := reviewsKey(businessID, pg.Source)

	var all domain.ReviewsPage
	if ok, _ := s.cache.Get(ctx, key, &all); !ok {
		rs, err := s.repo.ListReviews(ctx, businessID, domain.PageQuery{Limit: MaxListed, Source: pg.Source, Sort: "newest"})
		if err != nil {
			return domain.ReviewsPage{}, err
		}
		// copy slice to avoid aliasing the repo's backing array
		all = domain.ReviewsPage{Items: append([]domain.CanonicalReview(nil), rs.Items...)}
		_ = s.cache.Set(ctx, key, all, int(s.cacheTTL.Seconds()))
	}
	return firstN(all, pg.Limit), nil
}

// InvalidateReviews drops every cached listing of a business.
func (s *QueryService) InvalidateReviews(ctx context.Context, businessID string) {
	_ = s.cache.Del(ctx, reviewsKey(businessID, ""))
	for _, src := range domain.Sources {
		_ = s.cache.Del(ctx, reviewsKey(businessID, src))
	}
}

func firstN(in domain.ReviewsPage, n int) domain.ReviewsPage {
	if len(in.Items) > n {
		in.Items = in.Items[:n]
	}
	if in.Items == nil {
		in.Items = []domain.CanonicalReview{}
	}
	return in
}
