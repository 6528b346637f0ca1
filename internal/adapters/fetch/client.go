// internal/adapters/fetch/client.go
package fetch

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"reviewhub/internal/adapters/observability"
	"reviewhub/internal/domain"
)

const maxBody = 10 << 20

// Limits is the per-host throttle. Cooldown is applied after a 429 and is
// expected to be much longer than 1/RPS.
type Limits struct {
	RPS      float64
	Burst    int
	Cooldown time.Duration
}

var DefaultLimits = Limits{RPS: 1, Burst: 1, Cooldown: 30 * time.Second}

type hostState struct {
	rl       *rate.Limiter
	cooldown time.Duration

	mu    sync.Mutex
	until time.Time // no requests before this instant
}

type Client struct {
	hc        *http.Client
	userAgent string
	retries   int
	baseDelay time.Duration
	defaults  Limits

	mu    sync.Mutex
	hosts map[string]*hostState
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithTimeout bounds every single request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.hc.Timeout = d
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if strings.TrimSpace(ua) != "" {
			c.userAgent = ua
		}
	}
}

func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithBaseDelay sets the first backoff step; it doubles per attempt.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

func WithDefaultLimits(l Limits) Option {
	return func(c *Client) { c.defaults = l }
}

func New(opts ...Option) *Client {
	c := &Client{
		hc:        &http.Client{Timeout: 20 * time.Second},
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		retries:   3,
		baseDelay: 200 * time.Millisecond,
		defaults:  DefaultLimits,
		hosts:     make(map[string]*hostState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHostLimits installs the throttle for host, replacing any previous one.
func (c *Client) SetHostLimits(host string, l Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[strings.ToLower(host)] = newHostState(l)
}

func newHostState(l Limits) *hostState {
	if l.RPS <= 0 {
		l.RPS = DefaultLimits.RPS
	}
	if l.Burst <= 0 {
		l.Burst = 1
	}
	if l.Cooldown <= 0 {
		l.Cooldown = DefaultLimits.Cooldown
	}
	return &hostState{rl: rate.NewLimiter(rate.Limit(l.RPS), l.Burst), cooldown: l.Cooldown}
}

func (c *Client) host(h string) *hostState {
	h = strings.ToLower(h)
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.hosts[h]
	if !ok {
		st = newHostState(c.defaults)
		c.hosts[h] = st
	}
	return st
}

// wait blocks until the host is out of cooldown and a token is available.
func (s *hostState) wait(ctx context.Context) error {
	s.mu.Lock()
	until := s.until
	s.mu.Unlock()
	if d := time.Until(until); d > 0 && !sleepCtx(ctx, d) {
		return ctx.Err()
	}
	return s.rl.Wait(ctx)
}

func (s *hostState) coolDown(d time.Duration) {
	if d < s.cooldown {
		d = s.cooldown
	}
	s.mu.Lock()
	if t := time.Now().Add(d); t.After(s.until) {
		s.until = t
	}
	s.mu.Unlock()
}

// Fetch performs a GET with per-host throttling and retries, then checks the
// body against what the caller expected.
func (c *Client) Fetch(ctx context.Context, rawURL string, headers http.Header, expect domain.Expect) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, &domain.FetchError{Kind: domain.FetchHTTPError, URL: rawURL, Err: fmt.Errorf("invalid url")}
	}
	st := c.host(u.Host)

	var lastErr error
	for i := 0; i <= c.retries; i++ {
		if err := st.wait(ctx); err != nil {
			return nil, err
		}

		// build a fresh request each attempt
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", acceptFor(expect))
		req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en;q=0.8")
		// caller headers replace the defaults above
		for k, vs := range headers {
			req.Header.Del(k)
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			observability.ObserveExternal(u.Host, expectLabel(expect), 0, time.Since(start))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = transportError(rawURL, err)
			if i < c.retries && sleepCtx(ctx, c.backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, lastErr
		}
		observability.ObserveExternal(u.Host, expectLabel(expect), resp.StatusCode, time.Since(start))

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			body, rerr := io.ReadAll(io.LimitReader(resp.Body, maxBody))
			final := resp.Request.URL.String()
			ct := resp.Header.Get("Content-Type")
			resp.Body.Close()
			if rerr != nil {
				return nil, &domain.FetchError{Kind: domain.FetchMalformed, URL: rawURL, Status: resp.StatusCode, Err: rerr}
			}
			if err := checkShape(rawURL, final, ct, body, expect); err != nil {
				return nil, err
			}
			return body, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			// rate-limit signal: park the whole host, then try again
			st.coolDown(retryAfter(resp))
			drain(resp)
			lastErr = &domain.FetchError{Kind: domain.FetchHTTPError, URL: rawURL, Status: resp.StatusCode}

		case resp.StatusCode >= 500:
			wait := retryAfter(resp)
			drain(resp)
			if wait == 0 {
				wait = c.backoff(i)
			}
			lastErr = &domain.FetchError{Kind: domain.FetchHTTPError, URL: rawURL, Status: resp.StatusCode}
			if i < c.retries && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, lastErr

		default:
			// read a small error body for diagnostics
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, &domain.FetchError{
				Kind:   domain.FetchHTTPError,
				URL:    rawURL,
				Status: resp.StatusCode,
				Err:    errors.New(strings.TrimSpace(string(b))),
			}
		}
	}
	return nil, lastErr
}

func transportError(u string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &domain.FetchError{Kind: domain.FetchTimeout, URL: u, Err: err}
	}
	return &domain.FetchError{Kind: domain.FetchHTTPError, URL: u, Err: err}
}

// checkShape catches anti-bot interstitials that come back as 200 OK.
func checkShape(reqURL, finalURL, contentType string, body []byte, expect domain.Expect) error {
	if strings.Contains(strings.ToLower(finalURL), "captcha") {
		return &domain.FetchError{Kind: domain.FetchBlocked, URL: reqURL, Err: fmt.Errorf("redirected to %s", finalURL)}
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &domain.FetchError{Kind: domain.FetchMalformed, URL: reqURL, Err: errors.New("empty body")}
	}
	ct := strings.ToLower(contentType)
	switch expect {
	case domain.ExpectJSON:
		if strings.Contains(ct, "json") || trimmed[0] == '{' || trimmed[0] == '[' {
			return nil
		}
		return &domain.FetchError{Kind: domain.FetchBlocked, URL: reqURL, Err: fmt.Errorf("expected JSON, got %q", contentType)}
	case domain.ExpectHTML:
		if strings.Contains(ct, "html") {
			return nil
		}
		head := strings.ToLower(string(trimmed[:min(len(trimmed), 512)]))
		if strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") {
			return nil
		}
		return &domain.FetchError{Kind: domain.FetchBlocked, URL: reqURL, Err: fmt.Errorf("expected HTML, got %q", contentType)}
	}
	return nil
}

func acceptFor(e domain.Expect) string {
	switch e {
	case domain.ExpectJSON:
		return "application/json"
	case domain.ExpectHTML:
		return "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	}
	return "*/*"
}

func expectLabel(e domain.Expect) string {
	switch e {
	case domain.ExpectJSON:
		return "json"
	case domain.ExpectHTML:
		return "html"
	}
	return "any"
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff doubles baseDelay per attempt and adds up to 50% jitter.
func (c *Client) backoff(i int) time.Duration {
	base := time.Duration(1<<i) * c.baseDelay
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
