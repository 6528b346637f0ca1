// Package export writes canonical reviews as CSV for spreadsheets.
package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"reviewhub/internal/domain"
)

// Columns is the header row of every export.
var Columns = []string{
	"key", "source", "business_id", "author", "rating", "published_at",
	"body", "reply", "ingested_at", "sentiment", "sentiment_score",
}

type options struct {
	bom   bool
	score func(string) domain.Sentiment
}

type Option func(*options)

// WithBOM prefixes the output with a UTF-8 byte order mark so Excel reads
// Cyrillic correctly.
func WithBOM() Option { return func(o *options) { o.bom = true } }

// WithSentiment fills the sentiment columns; without it they stay empty.
func WithSentiment(score func(text string) domain.Sentiment) Option {
	return func(o *options) { o.score = score }
}

func WriteCSV(w io.Writer, reviews []domain.CanonicalReview, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.bom {
		if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
			return err
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return err
	}
	for _, r := range reviews {
		if err := cw.Write(row(r, o.score)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func row(r domain.CanonicalReview, score func(string) domain.Sentiment) []string {
	var reply, label, sc string
	if r.Reply != nil {
		reply = *r.Reply
	}
	if score != nil {
		s := score(r.Body)
		label, sc = string(s.Label), strconv.FormatFloat(s.Score, 'f', 3, 64)
	}
	return []string{
		r.Key,
		string(r.Source),
		r.BusinessID,
		r.Author,
		strconv.Itoa(r.Rating),
		stamp(r.PublishedAt),
		r.Body,
		reply,
		stamp(r.IngestedAt),
		label,
		sc,
	}
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
