package dedupe

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartevn/coinflow/internal/importer/model"
)

func day(d int) time.Time {
	return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
}

func TestKeyNormalization(t *testing.T) {
	a := &model.CanonicalRow{Date: day(1), Description: "UBER *TRIP  LISBOA", AmountCents: -450, AccountHint: "PT50 MAIN"}
	b := &model.CanonicalRow{Date: day(1), Description: "uber trip, lisboa", AmountCents: -450, AccountHint: "pt50 main"}
	c := &model.CanonicalRow{Date: day(2), Description: "UBER *TRIP  LISBOA", AmountCents: -450, AccountHint: "PT50 MAIN"}

	assert.Equal(t, Key(a), Key(b))
	assert.NotEqual(t, Key(a), Key(c))
}

func TestDetectorExactMatch(t *testing.T) {
	existing := uuid.New()
	d, err := NewDetector([]HistoryEntry{{
		ID: existing, Date: day(1), Description: "NETFLIX.COM", AmountCents: -1599,
	}})
	require.NoError(t, err)
	defer d.Close()

	m, err := d.Check(&model.CanonicalRow{Date: day(1), Description: "netflix com", AmountCents: -1599})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, MatchExact, m.Kind)
	assert.Equal(t, existing, m.ID)
	assert.Equal(t, 1.0, m.Score)
}

func TestDetectorFuzzyMatch(t *testing.T) {
	existing := uuid.New()
	d, err := NewDetector([]HistoryEntry{{
		ID: existing, Date: day(10), Description: "CONTINENTE LISBOA LOJA 042", AmountCents: -8732,
	}})
	require.NoError(t, err)
	defer d.Close()

	t.Run("near description within date window", func(t *testing.T) {
		m, err := d.Check(&model.CanonicalRow{
			Date: day(11), Description: "CONTINENTE LISBOA LOJA 043", AmountCents: -8732,
		})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, MatchFuzzy, m.Kind)
		assert.Equal(t, existing, m.ID)
		assert.GreaterOrEqual(t, m.Score, FuzzyThreshold)
	})

	t.Run("different amount is not a duplicate", func(t *testing.T) {
		m, err := d.Check(&model.CanonicalRow{
			Date: day(10), Description: "CONTINENTE LISBOA LOJA 042", AmountCents: -8731,
		})
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("date outside window is not a duplicate", func(t *testing.T) {
		m, err := d.Check(&model.CanonicalRow{
			Date: day(13), Description: "CONTINENTE LISBOA LOJA 043", AmountCents: -8732,
		})
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("dissimilar description is not a duplicate", func(t *testing.T) {
		m, err := d.Check(&model.CanonicalRow{
			Date: day(10), Description: "CONTINENTE TELECOMUNICACOES FATURA", AmountCents: -8732,
		})
		require.NoError(t, err)
		assert.Nil(t, m)
	})
}

func TestDetectorBatchLocal(t *testing.T) {
	d, err := NewDetector(nil)
	require.NoError(t, err)
	defer d.Close()

	first := uuid.New()
	row := &model.CanonicalRow{Date: day(5), Description: "GALP ENERGIA", AmountCents: -4000}

	m, err := d.Check(row)
	require.NoError(t, err)
	assert.Nil(t, m, "first occurrence is new")
	require.NoError(t, d.Observe(first, row))

	m, err = d.Check(row)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, MatchExact, m.Kind)
	assert.Equal(t, first, m.ID, "repeat points at the kept row")
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, similarity("abc", "abc"))
	assert.InDelta(t, 0.96, similarity("continente lisboa loja 042", "continente lisboa loja 043"), 0.01)
	assert.Less(t, similarity("galp energia", "pingo doce"), FuzzyThreshold)
}
