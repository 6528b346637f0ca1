package domain

import "time"

type SourceID string

const (
	SourceYandex SourceID = "yandex"
	SourceTwoGIS SourceID = "twogis"
)

// Sources lists every provider the service knows.
var Sources = []SourceID{SourceYandex, SourceTwoGIS}

// BusinessRef identifies one business across providers.
type BusinessRef struct {
	ID       string              `json:"id"`
	Name     string              `json:"name,omitempty"`
	Location string              `json:"location,omitempty"`
	External map[SourceID]string `json:"external"` // listing ID or URL per source
}

// RawReview is whatever an adapter could pull out of one page block.
// Values stay in the provider's own format until normalization.
type RawReview struct {
	NativeID  string
	Author    string
	Rating    string // source-native scale, e.g. "4", "8,5"
	Timestamp string
	Body      string
	Reply     string
}

type CanonicalReview struct {
	Key         string    `json:"key"`
	Source      SourceID  `json:"source"`
	BusinessID  string    `json:"business_id"`
	NativeID    string    `json:"native_id,omitempty"`
	Author      string    `json:"author"`
	Rating      int       `json:"rating"`
	PublishedAt time.Time `json:"published_at"`
	Body        string    `json:"body"`
	Reply       *string   `json:"reply,omitempty"`
	IngestedAt  time.Time `json:"ingested_at"`

	// DateApprox marks a PublishedAt derived from a relative or yearless date
	// ("вчера", "3 недели назад", "2 мая"). Such dates move with the clock
	// between runs, so they take no part in identity or change detection.
	DateApprox bool `json:"-"`
}

// SameContent reports whether every normalized field matches; IngestedAt is not compared.
func (r CanonicalReview) SameContent(o CanonicalReview) bool {
	if r.Key != o.Key || r.Source != o.Source || r.BusinessID != o.BusinessID || r.NativeID != o.NativeID {
		return false
	}
	if r.Author != o.Author || r.Rating != o.Rating || r.Body != o.Body {
		return false
	}
	if !r.PublishedAt.Equal(o.PublishedAt) {
		return false
	}
	switch {
	case r.Reply == nil && o.Reply == nil:
		return true
	case r.Reply == nil || o.Reply == nil:
		return false
	default:
		return *r.Reply == *o.Reply
	}
}

// StoredReview is the dedup store entry for one identity key.
type StoredReview struct {
	Review      CanonicalReview `json:"review"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
}

type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeUpdated   Outcome = "updated"
)

type Cursor string

// Page is one fetched and parsed page of a review feed. Empty Next means end of list.
type Page struct {
	Cursor  Cursor
	Reviews []RawReview
	Next    Cursor
	Digest  string // sha1 of the raw body
	Dropped int    // items on the page that could not be read at all
}
