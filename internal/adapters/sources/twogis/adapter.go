// Package twogis scrapes the server-rendered reviews tab of a 2GIS firm card.
package twogis

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"reviewhub/internal/adapters/sources"
	"reviewhub/internal/domain"
)

var firmRe = regexp.MustCompile(`/firm/(\d+)`)

// Selectors are tried in order; the hashed class names come from the live
// site and the data-* attributes from its SSR snapshot.
const (
	blockSel  = "[data-review-id], div._1k5soqfl"
	textSel   = "[data-review-text], div._49x36f"
	authorSel = "[data-review-author], span._16s5yj36"
	dateSel   = "[data-review-date], div._1evjsdb, time"
	replySel  = "[data-owner-reply], div._sgs1pz"
)

var officialReply = regexp.MustCompile(`(?i),\s*официальный ответ`)

// phrases that only show up in the business owner's answers
var ownerPhrases = []string{
	"спасибо за отзыв", "благодарим за отзыв", "рады что вам понравилось",
	"приносим извинения", "администрация ресторана", "менеджер ресторана",
}

type Adapter struct {
	f domain.Fetcher
	s sources.Settings
}

func New(f domain.Fetcher, s sources.Settings) *Adapter {
	return &Adapter{f: f, s: s}
}

func (a *Adapter) Source() domain.SourceID { return domain.SourceTwoGIS }

func (a *Adapter) FetchPage(ctx context.Context, biz domain.BusinessRef, cursor domain.Cursor) (domain.Page, error) {
	ref := biz.External[domain.SourceTwoGIS]
	if ref == "" {
		return domain.Page{}, fmt.Errorf("twogis: business %q has no 2gis reference", biz.ID)
	}
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(string(cursor))
		if err != nil || n < 1 {
			return domain.Page{}, &domain.PageParseError{Source: domain.SourceTwoGIS, Cursor: cursor, Err: fmt.Errorf("bad cursor")}
		}
		page = n
	}
	next := domain.Cursor(strconv.Itoa(page + 1))

	body, err := a.f.Fetch(ctx, a.pageURL(ref, page), a.s.Headers, domain.ExpectHTML)
	if err != nil {
		return domain.Page{}, sources.FetchFailed(domain.SourceTwoGIS, cursor, next, err)
	}

	reviews, blocks, readable, err := parse(body)
	if err != nil {
		return domain.Page{}, &domain.PageParseError{Source: domain.SourceTwoGIS, Cursor: cursor, Next: next, Err: err}
	}
	out := domain.Page{Reviews: reviews, Digest: sources.Digest(body), Dropped: blocks - readable}
	if blocks > 0 {
		out.Next = next
	}
	return out, nil
}

// pageURL prefers the configured template; a firm URL given as reference is
// paginated directly when no template is set.
func (a *Adapter) pageURL(ref string, page int) string {
	if a.s.URLTemplate != "" {
		return a.s.URL(sources.ExternalID(ref, firmRe), page)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	q := u.Query()
	q.Del("p")
	q.Del("page")
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// parse returns the guest reviews on the page, how many review blocks it saw
// and how many of those had readable text. Zero blocks is the end of the feed;
// blocks without any readable review is an error.
func parse(body []byte) ([]domain.RawReview, int, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, 0, err
	}
	blocks := doc.Find(blockSel)
	if blocks.Length() == 0 {
		return nil, 0, 0, nil
	}

	var out []domain.RawReview
	readable := 0
	blocks.Each(func(_ int, b *goquery.Selection) {
		text := firstText(b, textSel)
		if text == "" {
			text = longestDivText(b)
		}
		if text == "" {
			return
		}
		readable++
		if isOwnerAnswer(text) {
			return
		}
		id, _ := b.Attr("data-review-id")
		out = append(out, domain.RawReview{
			NativeID:  strings.TrimSpace(id),
			Author:    firstText(b, authorSel),
			Rating:    rating(b),
			Timestamp: date(b),
			Body:      text,
			Reply:     firstText(b, replySel),
		})
	})
	if readable == 0 {
		return nil, blocks.Length(), 0, fmt.Errorf("%d review blocks, none readable", blocks.Length())
	}
	return out, blocks.Length(), readable, nil
}

func firstText(b *goquery.Selection, sel string) string {
	return sources.CollapseSpace(b.Find(sel).First().Text())
}

// longestDivText falls back to the first div that carries review-sized text.
func longestDivText(b *goquery.Selection) string {
	var found string
	b.Find("div").EachWithBreak(func(_ int, d *goquery.Selection) bool {
		t := sources.CollapseSpace(d.Text())
		if n := len([]rune(t)); n >= 50 && n <= 5000 {
			found = t
			return false
		}
		return true
	})
	return found
}

func rating(b *goquery.Selection) string {
	if v, ok := b.Attr("data-rating"); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := b.Find("[data-rating]").First().Attr("data-rating"); ok {
		return strings.TrimSpace(v)
	}
	// stars are drawn as svg paths, filled ones are black
	stars := 0
	b.Find("svg").EachWithBreak(func(_ int, svg *goquery.Selection) bool {
		filled := svg.Find("path").FilterFunction(func(_ int, p *goquery.Selection) bool {
			fill, _ := p.Attr("fill")
			return fill == "black" || fill == "#000000"
		}).Length()
		if filled > 0 {
			stars = min(filled, 5)
			return false
		}
		return true
	})
	if stars == 0 {
		return ""
	}
	return strconv.Itoa(stars)
}

func date(b *goquery.Selection) string {
	d := b.Find(dateSel).First()
	if v, ok := d.Attr("datetime"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return officialReply.ReplaceAllString(sources.CollapseSpace(d.Text()), "")
}

func isOwnerAnswer(text string) bool {
	low := strings.ToLower(text)
	for _, p := range ownerPhrases {
		if strings.Contains(low, p) {
			return true
		}
	}
	return false
}
