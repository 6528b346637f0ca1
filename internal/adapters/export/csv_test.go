package export_test

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewhub/internal/adapters/export"
	"reviewhub/internal/domain"
)

func review(body string, reply *string) domain.CanonicalReview {
	return domain.CanonicalReview{
		Key: "twogis:b1:id:g1", Source: domain.SourceTwoGIS, BusinessID: "b1",
		Author: "Мария", Rating: 4, Body: body, Reply: reply,
		PublishedAt: time.Date(2024, 5, 2, 0, 0, 0, 0, time.FixedZone("MSK", 3*3600)),
		IngestedAt:  time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestWriteCSV_RowsAndQuoting(t *testing.T) {
	reply := "Спасибо, ждём снова"
	var buf bytes.Buffer
	err := export.WriteCSV(&buf, []domain.CanonicalReview{
		review("Кофе \"как дома\", десерты\nвкусные", &reply),
		review("Без ответа", nil),
	})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, export.Columns, rows[0])
	assert.Equal(t, []string{
		"twogis:b1:id:g1", "twogis", "b1", "Мария", "4", "2024-05-01T21:00:00Z",
		"Кофе \"как дома\", десерты\nвкусные", reply, "2024-06-01T09:30:00Z", "", "",
	}, rows[1])
	assert.Equal(t, "", rows[2][7])
}

func TestWriteCSV_BOMAndSentiment(t *testing.T) {
	var buf bytes.Buffer
	score := func(string) domain.Sentiment {
		return domain.Sentiment{Label: domain.SentimentPositive, Score: 0.6}
	}
	require.NoError(t, export.WriteCSV(&buf, []domain.CanonicalReview{review("Отлично", nil)},
		export.WithBOM(), export.WithSentiment(score)))

	b := buf.Bytes()
	require.True(t, bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}))
	rows, err := csv.NewReader(bytes.NewReader(b[3:])).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "positive", rows[1][9])
	assert.Equal(t, "0.600", rows[1][10])
}
