package classify

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartevn/coinflow/internal/importer/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func trainingSet() []model.TrainingExample {
	examples := []struct{ desc, cat string }{
		{"continente lisboa compras", "groceries"},
		{"pingo doce amadora compras", "groceries"},
		{"lidl supermercado compras", "groceries"},
		{"mercadona supermercado", "groceries"},
		{"uber trip lisboa", "transport"},
		{"bolt ride porto", "transport"},
		{"taxi aeroporto lisboa", "transport"},
		{"uber trip porto", "transport"},
	}
	out := make([]model.TrainingExample, len(examples))
	for i, e := range examples {
		out[i] = model.TrainingExample{Description: e.desc, Category: e.cat}
	}
	return out
}

func TestTrainAndClassify(t *testing.T) {
	mv, err := Train(trainingSet())
	require.NoError(t, err)
	assert.Equal(t, 8, mv.TrainingRows)
	assert.Equal(t, []string{"groceries", "transport"}, mv.Features)
	assert.Greater(t, mv.Accuracy, 0.9)
	assert.NotEmpty(t, mv.Blob)

	bm, err := Load(mv)
	require.NoError(t, err)

	cat, conf := bm.Classify("CONTINENTE LISBOA LOJA 9")
	assert.Equal(t, "groceries", cat)
	assert.Greater(t, conf, AutoThreshold)

	cat, conf = bm.Classify("UBER *TRIP HELP.UBER.COM")
	assert.Equal(t, "transport", cat)
	assert.Greater(t, conf, 0.5)

	_, conf = bm.Classify("***")
	assert.Zero(t, conf)
}

func TestTrainRejectsThinData(t *testing.T) {
	_, err := Train([]model.TrainingExample{
		{Description: "continente", Category: "groceries"},
		{Description: "uber", Category: "transport"},
	})
	assert.ErrorIs(t, err, ErrNotEnoughTrainingData)
}

func TestTrainDropsSparseClasses(t *testing.T) {
	set := trainingSet()
	set = append(set, model.TrainingExample{Description: "netflix mensalidade", Category: "subscriptions"})
	mv, err := Train(set)
	require.NoError(t, err)
	assert.Equal(t, []string{"groceries", "transport"}, mv.Features, "single-example class dropped")
}

func TestLoadRejectsEmptyBlob(t *testing.T) {
	_, err := Load(nil)
	assert.ErrorIs(t, err, model.ErrNoActiveModel)
	_, err = Load(&model.ModelVersion{})
	assert.ErrorIs(t, err, model.ErrNoActiveModel)
}

func TestRuleEngine(t *testing.T) {
	e := NewRuleEngine(DefaultRules())

	t.Run("keyword hit", func(t *testing.T) {
		r := e.Match("NETFLIX.COM 123-456")
		require.NotNil(t, r)
		assert.Equal(t, "subscriptions", r.Category)
	})

	t.Run("longer pattern wins", func(t *testing.T) {
		r := e.Match("UBER EATS LISBOA")
		require.NotNil(t, r)
		assert.Equal(t, "restaurants", r.Category)
	})

	t.Run("no match", func(t *testing.T) {
		assert.Nil(t, e.Match("XYZZY 42"))
	})

	t.Run("empty engine", func(t *testing.T) {
		assert.Nil(t, NewRuleEngine(nil).Match("NETFLIX"))
	})
}

func TestClassifierGating(t *testing.T) {
	mv, err := Train(trainingSet())
	require.NoError(t, err)

	c, err := New(mv, NewRuleEngine(DefaultRules()), discardLogger())
	require.NoError(t, err)
	require.NotNil(t, c.ModelVersionID())

	t.Run("confident prediction auto-categorizes", func(t *testing.T) {
		d := c.Classify("PINGO DOCE AMADORA COMPRAS")
		assert.Equal(t, "groceries", d.Category)
		assert.True(t, d.AutoCategorized)
		assert.GreaterOrEqual(t, d.Confidence, AutoThreshold)
		assert.Equal(t, c.ModelVersionID(), d.ModelVersionID)
	})

	t.Run("unknown text falls back to rules", func(t *testing.T) {
		d := c.Classify("***")
		assert.False(t, d.AutoCategorized)
		assert.Empty(t, d.Category)
	})
}

func TestClassifierWithoutModel(t *testing.T) {
	c, err := New(nil, NewRuleEngine(DefaultRules()), discardLogger())
	require.NoError(t, err)
	assert.Nil(t, c.ModelVersionID())

	d := c.Classify("FARMACIA CENTRAL LISBOA")
	assert.Equal(t, "health", d.Category)
	assert.Equal(t, FallbackConfidence, d.Confidence)
	assert.False(t, d.AutoCategorized)

	assert.Empty(t, c.Classify("UNKNOWN MERCHANT").Category)
}
