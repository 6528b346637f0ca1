package domain

import (
	"context"
	"net/http"
)

// ReviewStore is the key-based upsert contract the deduplicator relies on.
type ReviewStore interface {
	Get(ctx context.Context, key string) (*StoredReview, error) // nil, nil when absent
	Put(ctx context.Context, key string, entry StoredReview) error
}

type ReviewRepository interface {
	ReviewStore

	// Read paths
	ListReviews(ctx context.Context, businessID string, pg PageQuery) (ReviewsPage, error)
}

// JobRecorder persists finished job results.
type JobRecorder interface {
	SaveJob(ctx context.Context, res JobResult) error
	LoadJob(ctx context.Context, id string) (JobResult, error)
}

type Expect int

const (
	ExpectAny Expect = iota
	ExpectJSON
	ExpectHTML
)

type Fetcher interface {
	Fetch(ctx context.Context, url string, headers http.Header, expect Expect) ([]byte, error)
}

// SourceAdapter knows one provider's URL scheme and page layout.
// An empty cursor means the first page.
type SourceAdapter interface {
	Source() SourceID
	FetchPage(ctx context.Context, biz BusinessRef, cursor Cursor) (Page, error)
}

type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// Read models & queries
type PageQuery struct {
	Limit  int
	Source SourceID // empty = all sources
	Sort   string
}

type ReviewsPage struct {
	Items []CanonicalReview `json:"items"`
}
