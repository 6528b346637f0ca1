package sources

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"strings"

	"reviewhub/internal/domain"
)

// ErrDone is returned by Pager.Next once the feed is exhausted.
var ErrDone = errors.New("sources: no more pages")

// MaxConsecutiveFailures stops a feed that keeps failing page after page.
const MaxConsecutiveFailures = 3

// Pager walks one adapter's feed page by page. All of its position lives in
// the cursor, so a new Pager started from Cursor() continues where this one stopped.
type Pager struct {
	adapter domain.SourceAdapter
	biz     domain.BusinessRef

	cursor   domain.Cursor
	done     bool
	failures int
	digest   string
	idsSig   string
	seen     map[domain.Cursor]struct{}
}

func NewPager(a domain.SourceAdapter, biz domain.BusinessRef, start domain.Cursor) *Pager {
	return &Pager{adapter: a, biz: biz, cursor: start, seen: make(map[domain.Cursor]struct{})}
}

// Cursor is the position of the next page to be fetched.
func (p *Pager) Cursor() domain.Cursor { return p.cursor }

func (p *Pager) Done() bool { return p.done }

// Next fetches the page at the current cursor and advances.
// A *domain.PageParseError with a usable next cursor leaves the pager running,
// and so does a *domain.PageFetchError unless it is the first page of this
// pager. Every other error ends it.
func (p *Pager) Next(ctx context.Context) (domain.Page, error) {
	if p.done {
		return domain.Page{}, ErrDone
	}
	cur := p.cursor
	if _, ok := p.seen[cur]; ok {
		// the feed pointed back at a page we already walked
		p.done = true
		return domain.Page{}, &domain.StalledPaginationError{Source: p.adapter.Source(), Cursor: cur}
	}
	p.seen[cur] = struct{}{}
	first := len(p.seen) == 1

	page, err := p.adapter.FetchPage(ctx, p.biz, cur)
	if err != nil {
		if next := skipTo(err, first); next != "" {
			p.failures++
			p.cursor = next
			if p.failures >= MaxConsecutiveFailures {
				p.done = true
			}
			return domain.Page{}, err
		}
		p.done = true
		return domain.Page{}, err
	}
	p.failures = 0
	page.Cursor = cur

	if page.Digest != "" && page.Digest == p.digest {
		p.done = true
		return domain.Page{}, &domain.StalledPaginationError{Source: p.adapter.Source(), Cursor: cur}
	}
	p.digest = page.Digest

	// some providers answer out-of-range pages with the last page again
	if sig := idsSignature(page.Reviews); sig != "" && sig == p.idsSig {
		p.done = true
		return domain.Page{}, ErrDone
	}
	p.idsSig = idsSignature(page.Reviews)

	p.cursor = page.Next
	if page.Next == "" {
		p.done = true
	}
	return page, nil
}

// skipTo is where the feed goes on after a failed page, or "" to stop.
func skipTo(err error, first bool) domain.Cursor {
	var pe *domain.PageParseError
	var fe *domain.PageFetchError
	switch {
	case errors.As(err, &pe):
		return pe.Next
	case errors.As(err, &fe) && !first:
		return fe.Next
	}
	return ""
}

// FetchFailed wraps a fetch error of the page at cursor so the pager can
// continue at next. Blocked responses and cancellations stay fatal.
func FetchFailed(src domain.SourceID, cursor, next domain.Cursor, err error) error {
	var fe *domain.FetchError
	if next == "" || !errors.As(err, &fe) || fe.Kind == domain.FetchBlocked {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.PageFetchError{Source: src, Cursor: cursor, Next: next, Err: err}
}

func idsSignature(rs []domain.RawReview) string {
	if len(rs) == 0 {
		return ""
	}
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		if r.NativeID == "" {
			return ""
		}
		ids = append(ids, r.NativeID)
	}
	return strings.Join(ids, ",")
}

// Digest hashes a raw page body for the stalled-pagination guard.
func Digest(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}
