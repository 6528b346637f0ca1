package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewhub/internal/domain"
	"reviewhub/internal/shared"
)

func TestParseSince(t *testing.T) {
	got, err := parseSince("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseSince("2024-05-01T12:00:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), got)

	_, err = parseSince("01.05.2024")
	assert.Error(t, err)
}

func TestBusinessFor(t *testing.T) {
	e := &env{sf: shared.SourcesFile{Businesses: []shared.Business{
		{ID: "cafe", Name: "Cafe", Yandex: "1010", TwoGIS: "7000"},
	}}}

	t.Run("configured", func(t *testing.T) {
		b, err := businessFor(e, "cafe", "", "", "")
		require.NoError(t, err)
		assert.Equal(t, "Cafe", b.Name)
		assert.Equal(t, "1010", b.External[domain.SourceYandex])
		assert.Equal(t, "7000", b.External[domain.SourceTwoGIS])
	})

	t.Run("flags override", func(t *testing.T) {
		b, err := businessFor(e, "cafe", "Renamed", "2020", "")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", b.Name)
		assert.Equal(t, "2020", b.External[domain.SourceYandex])
		assert.Equal(t, "7000", b.External[domain.SourceTwoGIS])
	})

	t.Run("ad hoc", func(t *testing.T) {
		b, err := businessFor(e, "other", "", "", "https://2gis.ru/moscow/firm/42")
		require.NoError(t, err)
		assert.Len(t, b.External, 1)
	})

	t.Run("nothing to scrape", func(t *testing.T) {
		_, err := businessFor(e, "other", "", "", "")
		assert.Error(t, err)
	})
}

func TestWriteCSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "reviews.csv")
	recs := []domain.CanonicalReview{{
		Key: "yandex:cafe:id:r1", Source: domain.SourceYandex, BusinessID: "cafe",
		Author: "Анна", Rating: 5, Body: "Отличный кофе",
		PublishedAt: time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
	}}
	require.NoError(t, writeCSVFile(path, recs))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(b, []byte{0xEF, 0xBB, 0xBF}))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Анна", rows[1][3])
	assert.Equal(t, "positive", rows[1][9])
}
