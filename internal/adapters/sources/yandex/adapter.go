// Package yandex reads the JSON review feed behind a Yandex Maps organization card.
package yandex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"reviewhub/internal/adapters/sources"
	"reviewhub/internal/domain"
)

// https://yandex.ru/maps/org/some_cafe/1234567890/reviews/
var orgRe = regexp.MustCompile(`/org/(?:[^/]+/)?(\d+)`)

var (
	reviewsPaths    = []string{"data.reviews", "reviews"}
	totalPagesPaths = []string{"data.params.totalPages", "params.totalPages"}
	countPaths      = []string{"data.params.count", "params.count"}
)

type Adapter struct {
	f domain.Fetcher
	s sources.Settings
}

func New(f domain.Fetcher, s sources.Settings) *Adapter {
	if s.PageSize <= 0 {
		s.PageSize = 50
	}
	return &Adapter{f: f, s: s}
}

func (a *Adapter) Source() domain.SourceID { return domain.SourceYandex }

func (a *Adapter) FetchPage(ctx context.Context, biz domain.BusinessRef, cursor domain.Cursor) (domain.Page, error) {
	ref := biz.External[domain.SourceYandex]
	if ref == "" {
		return domain.Page{}, fmt.Errorf("yandex: business %q has no yandex reference", biz.ID)
	}
	page, total, err := parseCursor(cursor)
	if err != nil {
		return domain.Page{}, &domain.PageParseError{Source: domain.SourceYandex, Cursor: cursor, Err: err}
	}

	// the total from an earlier page still tells us whether the feed goes on
	var next domain.Cursor
	if total > 0 && page < total {
		next = makeCursor(page+1, total)
	}

	body, err := a.f.Fetch(ctx, a.s.URL(sources.ExternalID(ref, orgRe), page), a.s.Headers, domain.ExpectJSON)
	if err != nil {
		return domain.Page{}, sources.FetchFailed(domain.SourceYandex, cursor, next, err)
	}

	reviews, dropped, newTotal, err := a.parse(body)
	if err != nil {
		return domain.Page{}, &domain.PageParseError{Source: domain.SourceYandex, Cursor: cursor, Next: next, Err: err}
	}
	if newTotal > 0 {
		total = newTotal
	}

	out := domain.Page{Reviews: reviews, Digest: sources.Digest(body), Dropped: dropped}
	switch {
	case len(reviews)+dropped == 0:
		// empty page is the provider's end marker
	case total > 0:
		if page < total {
			out.Next = makeCursor(page+1, total)
		}
	case len(reviews)+dropped >= a.s.PageSize:
		out.Next = makeCursor(page+1, 0)
	}
	return out, nil
}

// parse returns the reviews, how many items were not objects, and the page
// total when the response carries one.
func (a *Adapter) parse(body []byte) ([]domain.RawReview, int, int, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, 0, 0, err
	}

	var items []any
	found := false
	for _, p := range reviewsPaths {
		if v, ok := sources.LookupAny(doc, p).([]any); ok {
			items, found = v, true
			break
		}
	}
	if !found {
		return nil, 0, 0, errors.New("no reviews array in response")
	}

	total, _ := sources.FirstInt(doc, totalPagesPaths...)
	if total == 0 {
		if n, ok := sources.FirstInt(doc, countPaths...); ok && n > 0 {
			total = (n + a.s.PageSize - 1) / a.s.PageSize
		}
	}

	out := make([]domain.RawReview, 0, len(items))
	dropped := 0
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			dropped++
			continue
		}
		out = append(out, domain.RawReview{
			NativeID:  sources.FirstString(m, "reviewId", "id"),
			Author:    sources.FirstString(m, "author.name", "author", "userName"),
			Rating:    sources.FirstString(m, "rating", "stars"),
			Timestamp: sources.FirstString(m, "updatedTime", "time", "date"),
			Body:      sources.FirstString(m, "text", "body"),
			Reply:     sources.FirstString(m, "businessComment.text", "reply.text"),
		})
	}
	return out, dropped, total, nil
}

// cursors look like "p=3;of=7"; "of" is 0 until the feed has reported its size
func makeCursor(page, total int) domain.Cursor {
	return domain.Cursor(fmt.Sprintf("p=%d;of=%d", page, total))
}

func parseCursor(c domain.Cursor) (page, total int, err error) {
	if c == "" {
		return 1, 0, nil
	}
	for _, part := range strings.Split(string(c), ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return 0, 0, fmt.Errorf("bad cursor %q", c)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("bad cursor %q: %w", c, err)
		}
		switch k {
		case "p":
			page = n
		case "of":
			total = n
		}
	}
	if page < 1 {
		return 0, 0, fmt.Errorf("bad cursor %q", c)
	}
	return page, total, nil
}
