package app

import (
	"math"
	"strings"
	"unicode"

	"reviewhub/internal/domain"
)

// Word stems are matched as prefixes so one entry covers the Russian endings
// ("отличн" matches отличный, отличная, отлично). Short or ambiguous words are
// listed whole.
var (
	positiveStems = []string{
		"отличн", "прекрасн", "замечательн", "великолепн", "восхитительн", "потрясающ",
		"хорош", "нрав", "понрав", "рекоменд", "совету", "вкусн", "быстр", "вежлив",
		"чист", "удобн", "комфортн", "уютн", "приятн", "дружелюбн", "обожа", "лучш",
		"шикарн", "классн", "восторг",
	}
	positiveWords = setOf("супер", "люблю", "круто", "крутой", "топ", "спасибо", "пятерка", "пятёрка")

	negativeStems = []string{
		"плох", "ужас", "отврат", "медленн", "груб", "грязн", "неудобн", "некомфортн",
		"ненавиж", "худш", "кошмар", "разочаров", "проблем", "жалоб", "недовол", "невкусн",
		"обману", "слома", "хамств", "хамил", "мерзк",
	}
	negativeWords = setOf("жаль", "жалко", "долго", "долгий", "долгая", "дорого", "хам", "хамка")

	intensifiers = setOf("очень", "крайне", "чрезвычайно", "невероятно", "абсолютно", "совершенно",
		"полностью", "вполне", "совсем", "вовсе", "вообще", "особенно", "исключительно", "необычайно")
)

const negation = "не"

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// SentimentAnalyzer scores review text against a fixed Russian lexicon.
// "не" flips the polarity of the next lexicon word; intensifiers scale the
// score by 20% each.
type SentimentAnalyzer struct{}

func NewSentimentAnalyzer() *SentimentAnalyzer { return &SentimentAnalyzer{} }

func (a *SentimentAnalyzer) Analyze(text string) domain.Sentiment {
	s := domain.Sentiment{Label: domain.SentimentNeutral}
	negate := false
	for _, tok := range tokenize(text) {
		if tok == negation {
			negate = true
			continue
		}
		if intensifiers[tok] {
			// "не очень хорошо" keeps the pending negation
			s.Intensifiers++
			continue
		}
		p := polarity(tok)
		if negate {
			p = -p
		}
		negate = false
		switch {
		case p > 0:
			s.Positive++
		case p < 0:
			s.Negative++
		}
	}

	total := s.Positive + s.Negative
	if total == 0 {
		return s
	}
	switch {
	case s.Positive > s.Negative:
		s.Label = domain.SentimentPositive
	case s.Negative > s.Positive:
		s.Label = domain.SentimentNegative
	}
	score := float64(s.Positive-s.Negative) / float64(total)
	if s.Intensifiers > 0 {
		score *= 1 + 0.2*float64(s.Intensifiers)
		score = math.Max(-1, math.Min(1, score))
	}
	s.Score = round3(score)
	s.Confidence = round3(math.Min(1, float64(total)/10))
	return s
}

func polarity(tok string) int {
	if positiveWords[tok] {
		return 1
	}
	if negativeWords[tok] {
		return -1
	}
	for _, st := range negativeStems {
		if strings.HasPrefix(tok, st) {
			return -1
		}
	}
	for _, st := range positiveStems {
		if strings.HasPrefix(tok, st) {
			return 1
		}
	}
	return 0
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func round3(f float64) float64 { return math.Round(f*1000) / 1000 }

// Summarize aggregates ratings and sentiment over reviews.
func (a *SentimentAnalyzer) Summarize(businessID string, src domain.SourceID, reviews []domain.CanonicalReview) domain.ReviewSummary {
	sum := domain.ReviewSummary{
		BusinessID: businessID,
		Source:     src,
		Total:      len(reviews),
		BySource:   map[domain.SourceID]int{},
		Ratings:    map[int]int{},
		Sentiment: map[domain.SentimentLabel]int{
			domain.SentimentPositive: 0, domain.SentimentNegative: 0, domain.SentimentNeutral: 0,
		},
	}
	if len(reviews) == 0 {
		return sum
	}
	var ratings, scores float64
	for _, r := range reviews {
		s := a.Analyze(r.Body)
		sum.BySource[r.Source]++
		sum.Ratings[r.Rating]++
		sum.Sentiment[s.Label]++
		ratings += float64(r.Rating)
		scores += s.Score
		if mismatched(r.Rating, s.Label) {
			sum.Mismatched++
		}
		if r.Reply != nil {
			sum.WithReply++
		}
	}
	n := float64(len(reviews))
	sum.AverageRating = round3(ratings / n)
	sum.AverageScore = round3(scores / n)
	return sum
}

func mismatched(rating int, l domain.SentimentLabel) bool {
	return (rating >= 4 && l == domain.SentimentNegative) || (rating <= 2 && l == domain.SentimentPositive)
}
