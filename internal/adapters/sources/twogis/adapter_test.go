package twogis

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"reviewhub/internal/adapters/sources"
	"reviewhub/internal/domain"
)

type fakeFetcher struct {
	bodies map[string]string
	urls   []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ http.Header, _ domain.Expect) ([]byte, error) {
	f.urls = append(f.urls, url)
	b, ok := f.bodies[url]
	if !ok {
		return nil, &domain.FetchError{Kind: domain.FetchHTTPError, URL: url, Status: 404}
	}
	return []byte(b), nil
}

var biz = domain.BusinessRef{ID: "b1", External: map[domain.SourceID]string{
	domain.SourceTwoGIS: "https://2gis.ru/moscow/firm/70000001057394703/tab/reviews?p=4",
}}

const reviewsHTML = `<html><body>
<div class="_1k5soqfl" data-review-id="g1">
  <span class="_16s5yj36">Мария</span>
  <div class="_1evjsdb">2 мая 2024, официальный ответ</div>
  <svg><path fill="black"/><path fill="black"/><path fill="#000000"/><path fill="#ccc"/><path fill="#ccc"/></svg>
  <div class="_49x36f">Очень уютное место, вкусный кофе и приятный персонал.</div>
</div>
<div class="_1k5soqfl" data-review-id="g2" data-rating="5">
  <span data-review-author>Пётр</span>
  <time datetime="2024-04-30T12:00:00Z">30 апреля</time>
  <div data-review-text>Лучшие сырники в районе</div>
  <div data-owner-reply>Ждём снова!</div>
</div>
<div class="_1k5soqfl">
  <div class="_49x36f">Спасибо за отзыв, будем рады видеть вас снова</div>
</div>
</body></html>`

func TestFetchPage_ParsesBlocks(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://2gis.ru/moscow/firm/70000001057394703/tab/reviews": reviewsHTML,
	}}
	p, err := New(f, sources.Settings{}).FetchPage(context.Background(), biz, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(p.Reviews) != 2 {
		t.Fatalf("want 2 guest reviews, got %d: %+v", len(p.Reviews), p.Reviews)
	}
	if p.Next != "2" || p.Digest == "" {
		t.Fatalf("next=%q digest=%q", p.Next, p.Digest)
	}
	r := p.Reviews[0]
	if r.NativeID != "g1" || r.Author != "Мария" || r.Rating != "3" || r.Timestamp != "2 мая 2024" {
		t.Fatalf("unexpected first review: %+v", r)
	}
	r = p.Reviews[1]
	if r.Rating != "5" || r.Timestamp != "2024-04-30T12:00:00Z" || r.Reply != "Ждём снова!" || r.Author != "Пётр" {
		t.Fatalf("unexpected second review: %+v", r)
	}
}

func TestFetchPage_PageParamReplaced(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{}}
	_, _ = New(f, sources.Settings{}).FetchPage(context.Background(), biz, "3")
	if len(f.urls) != 1 || f.urls[0] != "https://2gis.ru/moscow/firm/70000001057394703/tab/reviews?page=3" {
		t.Fatalf("urls=%v", f.urls)
	}
}

func TestFetchPage_TemplateUsesFirmID(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{}}
	s := sources.Settings{URLTemplate: "https://2gis.test/firm/{id}/reviews?page={page}"}
	_, _ = New(f, s).FetchPage(context.Background(), biz, "2")
	if len(f.urls) != 1 || f.urls[0] != "https://2gis.test/firm/70000001057394703/reviews?page=2" {
		t.Fatalf("urls=%v", f.urls)
	}
}

func TestFetchPage_NoBlocksEndsFeed(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://2gis.ru/moscow/firm/70000001057394703/tab/reviews?page=2": `<html><body><p>Пока нет отзывов</p></body></html>`,
	}}
	p, err := New(f, sources.Settings{}).FetchPage(context.Background(), biz, "2")
	if err != nil || p.Next != "" || len(p.Reviews) != 0 {
		t.Fatalf("page=%+v err=%v", p, err)
	}
}

func TestFetchPage_UnreadableBlocksIsParseError(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://2gis.ru/moscow/firm/70000001057394703/tab/reviews?page=2": `<html><body><div data-review-id="x"></div></body></html>`,
	}}
	_, err := New(f, sources.Settings{}).FetchPage(context.Background(), biz, "2")
	var pe *domain.PageParseError
	if !errors.As(err, &pe) || pe.Next != "3" {
		t.Fatalf("got %v", err)
	}
}

func TestFetchPage_FetchErrorCarriesNextPage(t *testing.T) {
	// the fake answers 404 for anything it does not know
	_, err := New(&fakeFetcher{}, sources.Settings{}).FetchPage(context.Background(), biz, "4")
	var fe *domain.PageFetchError
	if !errors.As(err, &fe) || fe.Next != "5" || fe.Cursor != "4" {
		t.Fatalf("got %v", err)
	}
	if domain.ErrorKind(err) != string(domain.FetchHTTPError) {
		t.Fatalf("kind=%s", domain.ErrorKind(err))
	}
}

func TestFetchPage_EmptyBlocksAreDropped(t *testing.T) {
	f := &fakeFetcher{bodies: map[string]string{
		"https://2gis.ru/moscow/firm/70000001057394703/tab/reviews?page=2": `<html><body>
<div class="_1k5soqfl" data-review-id="x"></div>
<div class="_1k5soqfl" data-review-id="g9" data-rating="4">
  <span data-review-author>Ольга</span>
  <div data-review-text>Нормально</div>
</div>
</body></html>`,
	}}
	p, err := New(f, sources.Settings{}).FetchPage(context.Background(), biz, "2")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(p.Reviews) != 1 || p.Dropped != 1 {
		t.Fatalf("reviews=%d dropped=%d", len(p.Reviews), p.Dropped)
	}
}
