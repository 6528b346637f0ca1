package app

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"reviewhub/internal/domain"
)

// SourceRules is the per-source part of normalization that comes from config.
type SourceRules struct {
	RatingScale float64  // native maximum, e.g. 5 or 10
	Layouts     []string // Go time layouts tried before the built-in ones
}

var defaultLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2.1.2006",
	"2.1.2006 15:04",
}

const anonymous = "Аноним"

// Normalizer turns provider records into canonical reviews.
type Normalizer struct {
	rules map[domain.SourceID]SourceRules
	loc   *time.Location
	now   func() time.Time
}

type NormalizerOption func(*Normalizer)

// WithClock fixes "now" for relative dates such as "вчера".
func WithClock(now func() time.Time) NormalizerOption {
	return func(n *Normalizer) { n.now = now }
}

// WithLocation sets the zone that dates without an offset are read in.
func WithLocation(loc *time.Location) NormalizerOption {
	return func(n *Normalizer) {
		if loc != nil {
			n.loc = loc
		}
	}
}

func NewNormalizer(rules map[domain.SourceID]SourceRules, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{rules: rules, loc: time.UTC, now: time.Now}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize maps one raw record; it returns *domain.NormalizationError when a
// required field cannot be interpreted.
func (n *Normalizer) Normalize(businessID string, src domain.SourceID, raw domain.RawReview) (domain.CanonicalReview, error) {
	rules := n.rules[src]

	rating, err := mapRating(raw.Rating, rules.RatingScale)
	if err != nil {
		return domain.CanonicalReview{}, err
	}
	ts, approx, err := n.parseTime(raw.Timestamp, rules.Layouts)
	if err != nil {
		return domain.CanonicalReview{}, err
	}

	cr := domain.CanonicalReview{
		Source:      src,
		BusinessID:  businessID,
		NativeID:    strings.TrimSpace(raw.NativeID),
		Author:      cleanAuthor(raw.Author),
		Rating:      rating,
		PublishedAt: ts.UTC(),
		Body:        collapse(raw.Body),
		Reply:       ptrStr(collapse(raw.Reply)),
		IngestedAt:  n.now().UTC(),
		DateApprox:  approx,
	}
	cr.Key = IdentityKey(cr)
	return cr, nil
}

// IdentityKey is source:business:id:<native id>, or a content hash when the
// provider gives no stable ID. The hash leaves out approximate dates.
func IdentityKey(r domain.CanonicalReview) string {
	if r.NativeID != "" {
		return fmt.Sprintf("%s:%s:id:%s", r.Source, r.BusinessID, r.NativeID)
	}
	body := []rune(r.Body)
	if len(body) > 64 {
		body = body[:64]
	}
	parts := []string{r.Author, r.PublishedAt.UTC().Format("2006-01-02"), string(body)}
	if r.DateApprox {
		parts = []string{r.Author, string(body)}
	}
	sig := strings.Join(parts, "|")
	sum := sha1.Sum([]byte(sig))
	return fmt.Sprintf("%s:%s:h:%s", r.Source, r.BusinessID, hex.EncodeToString(sum[:]))
}

/********** rating **********/

// mapRating scales r in (0, scale] onto 1..5, rounding up.
func mapRating(s string, scale float64) (int, error) {
	if scale <= 0 {
		scale = 5
	}
	v := strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if v == "" {
		return 0, &domain.NormalizationError{Field: "rating", Value: s, Err: errors.New("missing")}
	}
	r, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &domain.NormalizationError{Field: "rating", Value: s, Err: err}
	}
	if math.IsNaN(r) || r <= 0 || r > scale {
		return 0, &domain.NormalizationError{Field: "rating", Value: s, Err: fmt.Errorf("outside (0, %g]", scale)}
	}
	// epsilon keeps 8/10 at 4 despite float error
	out := int(math.Ceil(r*5/scale - 1e-9))
	return min(max(out, 1), 5), nil
}

/********** timestamps **********/

var (
	epochRe    = regexp.MustCompile(`^\d{10}(\d{3})?$`)
	dayMonthRe = regexp.MustCompile(`(\d{1,2})\s+([\p{L}]+)(?:\s+(\d{4}))?`)
	agoRe      = regexp.MustCompile(`(?:(\d+)\s+)?([\p{L}]+)\s+назад`)
)

var monthPrefixes = []struct {
	prefix string
	month  time.Month
}{
	{"янв", time.January}, {"фев", time.February}, {"мар", time.March},
	{"апр", time.April}, {"мая", time.May}, {"май", time.May},
	{"июн", time.June}, {"июл", time.July}, {"авг", time.August},
	{"сен", time.September}, {"окт", time.October}, {"ноя", time.November},
	{"дек", time.December},
	{"jan", time.January}, {"feb", time.February}, {"mar", time.March},
	{"apr", time.April}, {"may", time.May}, {"jun", time.June},
	{"jul", time.July}, {"aug", time.August}, {"sep", time.September},
	{"oct", time.October}, {"nov", time.November}, {"dec", time.December},
}

func monthOf(word string) (time.Month, bool) {
	w := strings.ToLower(word)
	for _, m := range monthPrefixes {
		if strings.HasPrefix(w, m.prefix) {
			return m.month, true
		}
	}
	return 0, false
}

// parseTime reports approx for dates read relative to the clock.
func (n *Normalizer) parseTime(s string, layouts []string) (t time.Time, approx bool, err error) {
	v := collapse(s)
	if v == "" {
		return time.Time{}, false, &domain.NormalizationError{Field: "timestamp", Value: s, Err: errors.New("missing")}
	}
	if epochRe.MatchString(v) {
		x, _ := strconv.ParseInt(v, 10, 64)
		if len(v) == 13 {
			return time.UnixMilli(x), false, nil
		}
		return time.Unix(x, 0), false, nil
	}
	for _, l := range append(append([]string(nil), layouts...), defaultLayouts...) {
		if t, err := time.ParseInLocation(l, v, n.loc); err == nil {
			return t, false, nil
		}
	}
	if t, approx, ok := n.parseHuman(strings.ToLower(v)); ok {
		return t, approx, nil
	}
	return time.Time{}, false, &domain.NormalizationError{Field: "timestamp", Value: s, Err: errors.New("unrecognized format")}
}

// parseHuman reads the dates review sites render for people: "2 мая 2024",
// "2 мая", "вчера", "3 недели назад". Results are midnight in n.loc; only a
// full day-month-year date is exact.
func (n *Normalizer) parseHuman(v string) (t time.Time, approx, ok bool) {
	now := n.now().In(n.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, n.loc)

	switch {
	case strings.Contains(v, "позавчера"):
		return today.AddDate(0, 0, -2), true, true
	case strings.Contains(v, "вчера"):
		return today.AddDate(0, 0, -1), true, true
	case strings.Contains(v, "сегодня"):
		return today, true, true
	}

	if m := agoRe.FindStringSubmatch(v); m != nil {
		k := 1
		if m[1] != "" {
			k, _ = strconv.Atoi(m[1])
		}
		unit := m[2]
		switch {
		case strings.HasPrefix(unit, "дн"), strings.HasPrefix(unit, "ден"):
			return today.AddDate(0, 0, -k), true, true
		case strings.HasPrefix(unit, "недел"):
			return today.AddDate(0, 0, -7*k), true, true
		case strings.HasPrefix(unit, "месяц"):
			return today.AddDate(0, -k, 0), true, true
		case strings.HasPrefix(unit, "год"), unit == "лет":
			return today.AddDate(-k, 0, 0), true, true
		case strings.HasPrefix(unit, "час"), strings.HasPrefix(unit, "минут"):
			return today, true, true
		}
	}

	if m := dayMonthRe.FindStringSubmatch(v); m != nil {
		month, ok := monthOf(m[2])
		if !ok {
			return time.Time{}, false, false
		}
		day, _ := strconv.Atoi(m[1])
		year := now.Year()
		if m[3] != "" {
			year, _ = strconv.Atoi(m[3])
		}
		t := time.Date(year, month, day, 0, 0, 0, 0, n.loc)
		if t.Day() != day {
			return time.Time{}, false, false // 31 февраля
		}
		// a date without a year lies in the past
		if m[3] == "" && t.After(today) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, m[3] == "", true
	}
	return time.Time{}, false, false
}

/********** authors **********/

var authorNoise = regexp.MustCompile(`(?i)полезно\s*\d*|читать целиком|ответить|пожаловаться`)

func cleanAuthor(s string) string {
	a := collapse(authorNoise.ReplaceAllString(s, " "))
	if len([]rune(a)) < 2 || len([]rune(a)) >= 50 {
		return anonymous
	}
	return a
}

/********** tiny helpers **********/

var spaceRe = regexp.MustCompile(`\s+`)

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func ptrStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
