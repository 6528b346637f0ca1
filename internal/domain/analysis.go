package domain

type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// Sentiment is the lexicon verdict on one review body.
type Sentiment struct {
	Label        SentimentLabel `json:"label"`
	Score        float64        `json:"score"`      // [-1, 1]
	Confidence   float64        `json:"confidence"` // [0, 1], grows with matched words
	Positive     int            `json:"positive"`
	Negative     int            `json:"negative"`
	Intensifiers int            `json:"intensifiers"`
}

// ReviewSummary aggregates the newest reviews of a business.
type ReviewSummary struct {
	BusinessID    string                 `json:"business_id"`
	Source        SourceID               `json:"source,omitempty"`
	Total         int                    `json:"total"`
	BySource      map[SourceID]int       `json:"by_source"`
	Ratings       map[int]int            `json:"rating_distribution"`
	AverageRating float64                `json:"average_rating"`
	Sentiment     map[SentimentLabel]int `json:"sentiment_distribution"`
	AverageScore  float64                `json:"average_sentiment_score"`
	// reviews rated 4-5 that read negative, or rated 1-2 that read positive
	Mismatched int `json:"rating_sentiment_mismatch"`
	WithReply  int `json:"with_owner_reply"`
}
