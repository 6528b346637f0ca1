package sources_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"reviewhub/internal/adapters/sources"
	"reviewhub/internal/domain"
)

// scripted returns canned pages keyed by cursor.
type scripted struct {
	pages map[domain.Cursor]domain.Page
	errs  map[domain.Cursor]error
	calls []domain.Cursor
}

func (s *scripted) Source() domain.SourceID { return domain.SourceYandex }

func (s *scripted) FetchPage(_ context.Context, _ domain.BusinessRef, c domain.Cursor) (domain.Page, error) {
	s.calls = append(s.calls, c)
	if err, ok := s.errs[c]; ok {
		return domain.Page{}, err
	}
	p, ok := s.pages[c]
	if !ok {
		return domain.Page{}, fmt.Errorf("unexpected cursor %q", c)
	}
	return p, nil
}

func page(next domain.Cursor, digest string, ids ...string) domain.Page {
	p := domain.Page{Next: next, Digest: digest}
	for _, id := range ids {
		p.Reviews = append(p.Reviews, domain.RawReview{NativeID: id, Body: "b" + id})
	}
	return p
}

func drain(t *testing.T, p *sources.Pager) (pages int, errs []error) {
	t.Helper()
	for i := 0; i < 50 && !p.Done(); i++ {
		_, err := p.Next(context.Background())
		if errors.Is(err, sources.ErrDone) {
			break
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		pages++
	}
	if !p.Done() {
		t.Fatalf("pager did not terminate")
	}
	return pages, errs
}

func TestPager_FollowsNextUntilEmpty(t *testing.T) {
	a := &scripted{pages: map[domain.Cursor]domain.Page{
		"":  page("2", "d1", "a", "b"),
		"2": page("3", "d2", "c", "d"),
		"3": page("", "d3", "e"),
	}}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{ID: "biz"}, ""))
	if n != 3 || len(errs) != 0 {
		t.Fatalf("pages=%d errs=%v", n, errs)
	}
}

func TestPager_SameBodyIsStalled(t *testing.T) {
	a := &scripted{pages: map[domain.Cursor]domain.Page{
		"":  page("2", "same", "a"),
		"2": page("3", "same", "a"),
	}}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{}, ""))
	var st *domain.StalledPaginationError
	if n != 1 || len(errs) != 1 || !errors.As(errs[0], &st) {
		t.Fatalf("pages=%d errs=%v", n, errs)
	}
	if st.Cursor != "2" {
		t.Fatalf("stalled at %q", st.Cursor)
	}
}

func TestPager_RepeatedLastPageEndsCleanly(t *testing.T) {
	a := &scripted{pages: map[domain.Cursor]domain.Page{
		"":  page("2", "d1", "a", "b"),
		"2": page("3", "d2", "a", "b"),
	}}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{}, ""))
	if n != 1 || len(errs) != 0 {
		t.Fatalf("pages=%d errs=%v", n, errs)
	}
}

func TestPager_CursorCycleIsStalled(t *testing.T) {
	a := &scripted{pages: map[domain.Cursor]domain.Page{
		"":  page("2", "d1", "a"),
		"2": page("1", "d2", "b"),
		"1": page("2", "d3", "c"),
	}}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{}, ""))
	var st *domain.StalledPaginationError
	if n != 3 || len(errs) != 1 || !errors.As(errs[0], &st) {
		t.Fatalf("pages=%d errs=%v", n, errs)
	}
}

func TestPager_ParseErrorSkipsAhead(t *testing.T) {
	a := &scripted{
		pages: map[domain.Cursor]domain.Page{
			"":  page("2", "d1", "a"),
			"3": page("", "d3", "c"),
		},
		errs: map[domain.Cursor]error{
			"2": &domain.PageParseError{Source: domain.SourceYandex, Cursor: "2", Next: "3", Err: errors.New("garbled")},
		},
	}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{}, ""))
	if n != 2 || len(errs) != 1 {
		t.Fatalf("pages=%d errs=%v", n, errs)
	}
}

func TestPager_StopsAfterConsecutiveFailures(t *testing.T) {
	errs := map[domain.Cursor]error{}
	for i := 1; i <= 10; i++ {
		c := domain.Cursor(fmt.Sprint(i))
		errs[c] = &domain.PageParseError{Cursor: c, Next: domain.Cursor(fmt.Sprint(i + 1)), Err: errors.New("x")}
	}
	a := &scripted{errs: errs}
	p := sources.NewPager(a, domain.BusinessRef{}, "1")
	_, got := drain(t, p)
	if len(got) != sources.MaxConsecutiveFailures {
		t.Fatalf("want %d failures, got %d", sources.MaxConsecutiveFailures, len(got))
	}
	if p.Cursor() != "4" {
		t.Fatalf("cursor=%q", p.Cursor())
	}
}

func TestPager_FetchErrorSkipsAhead(t *testing.T) {
	timeout := &domain.FetchError{Kind: domain.FetchTimeout, URL: "u2"}
	a := &scripted{
		pages: map[domain.Cursor]domain.Page{
			"":  page("2", "d1", "a"),
			"3": page("", "d3", "c"),
		},
		errs: map[domain.Cursor]error{
			"2": &domain.PageFetchError{Source: domain.SourceYandex, Cursor: "2", Next: "3", Err: timeout},
		},
	}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{}, ""))
	if n != 2 || len(errs) != 1 || len(a.calls) != 3 {
		t.Fatalf("pages=%d errs=%v calls=%v", n, errs, a.calls)
	}
	if domain.ErrorKind(errs[0]) != string(domain.FetchTimeout) {
		t.Fatalf("kind=%s", domain.ErrorKind(errs[0]))
	}
}

func TestPager_FetchErrorsStopAfterConsecutiveFailures(t *testing.T) {
	errs := map[domain.Cursor]error{}
	for i := 2; i <= 10; i++ {
		c := domain.Cursor(fmt.Sprint(i))
		errs[c] = &domain.PageFetchError{Cursor: c, Next: domain.Cursor(fmt.Sprint(i + 1)),
			Err: &domain.FetchError{Kind: domain.FetchHTTPError, Status: 503}}
	}
	a := &scripted{pages: map[domain.Cursor]domain.Page{"": page("2", "d1", "a")}, errs: errs}
	p := sources.NewPager(a, domain.BusinessRef{}, "")
	n, got := drain(t, p)
	if n != 1 || len(got) != sources.MaxConsecutiveFailures {
		t.Fatalf("pages=%d failures=%d", n, len(got))
	}
}

func TestPager_FetchErrorOnFirstPageEndsFeed(t *testing.T) {
	a := &scripted{errs: map[domain.Cursor]error{
		"": &domain.PageFetchError{Cursor: "", Next: "2", Err: &domain.FetchError{Kind: domain.FetchTimeout}},
	}}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{}, ""))
	if n != 0 || len(errs) != 1 || len(a.calls) != 1 {
		t.Fatalf("pages=%d errs=%v calls=%v", n, errs, a.calls)
	}
}

func TestPager_BlockedEndsFeed(t *testing.T) {
	a := &scripted{
		pages: map[domain.Cursor]domain.Page{"": page("2", "d1", "a")},
		errs: map[domain.Cursor]error{
			"2": &domain.FetchError{Kind: domain.FetchBlocked, URL: "u"},
		},
	}
	n, errs := drain(t, sources.NewPager(a, domain.BusinessRef{}, ""))
	if n != 1 || len(errs) != 1 || len(a.calls) != 2 {
		t.Fatalf("pages=%d errs=%v calls=%v", n, errs, a.calls)
	}
}

func TestFetchFailed(t *testing.T) {
	timeout := &domain.FetchError{Kind: domain.FetchTimeout}
	blocked := &domain.FetchError{Kind: domain.FetchBlocked}

	var fe *domain.PageFetchError
	if err := sources.FetchFailed(domain.SourceTwoGIS, "2", "3", timeout); !errors.As(err, &fe) || fe.Next != "3" {
		t.Fatalf("timeout: %v", err)
	}
	for name, err := range map[string]error{
		"blocked":   sources.FetchFailed(domain.SourceTwoGIS, "2", "3", blocked),
		"no next":   sources.FetchFailed(domain.SourceTwoGIS, "2", "", timeout),
		"cancelled": sources.FetchFailed(domain.SourceTwoGIS, "2", "3", fmt.Errorf("%w: %w", timeout, context.Canceled)),
		"plain":     sources.FetchFailed(domain.SourceTwoGIS, "2", "3", errors.New("x")),
	} {
		if errors.As(err, &fe) {
			t.Errorf("%s: wrapped as resumable", name)
		}
	}
}

func TestPager_ResumesFromCursor(t *testing.T) {
	a := &scripted{pages: map[domain.Cursor]domain.Page{
		"3": page("", "d3", "c"),
	}}
	n, _ := drain(t, sources.NewPager(a, domain.BusinessRef{}, "3"))
	if n != 1 || a.calls[0] != "3" {
		t.Fatalf("pages=%d calls=%v", n, a.calls)
	}
}
