// Package classify assigns categories to imported transactions. A trained
// naive-Bayes model does the real work; an Aho-Corasick keyword engine covers
// the cold start and low-confidence cases. Model versions are immutable and a
// job pins one version for its whole run.
package classify

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/duartevn/coinflow/internal/importer/model"
)

// AutoThreshold is the minimum model confidence for auto-categorization.
// Below it the category is still suggested but the row requires review.
const AutoThreshold = 0.8

// Decision is the classification outcome for one row.
type Decision struct {
	Category        string
	Confidence      float64
	AutoCategorized bool
	ModelVersionID  *uuid.UUID
}

// Classifier pairs an optional pinned model with the rule fallback.
type Classifier struct {
	model     *BayesModel
	versionID *uuid.UUID
	rules     *RuleEngine
	logger    *slog.Logger
}

// New builds a classifier. mv may be nil when no model version has been
// trained yet; everything then rides on the rules.
func New(mv *model.ModelVersion, rules *RuleEngine, logger *slog.Logger) (*Classifier, error) {
	c := &Classifier{rules: rules, logger: logger}
	if mv != nil {
		bm, err := Load(mv)
		if err != nil {
			return nil, err
		}
		id := mv.ID
		c.model = bm
		c.versionID = &id
		logger.Info("classifier model pinned",
			slog.Int("version", mv.Version),
			slog.Int("classes", len(bm.classes)))
	} else {
		logger.Info("no trained model, rule fallback only")
	}
	return c, nil
}

// ModelVersionID reports the pinned version, nil when running rules-only.
func (c *Classifier) ModelVersionID() *uuid.UUID { return c.versionID }

// Classify decides a category for one description.
func (c *Classifier) Classify(description string) Decision {
	if c.model != nil {
		category, confidence := c.model.Classify(description)
		if category != "" && confidence >= AutoThreshold {
			return Decision{
				Category:        category,
				Confidence:      confidence,
				AutoCategorized: true,
				ModelVersionID:  c.versionID,
			}
		}
		// Below the threshold the prediction is still surfaced as a
		// suggestion for review.
		if category != "" {
			return Decision{Category: category, Confidence: confidence, ModelVersionID: c.versionID}
		}
	}

	if c.rules == nil {
		return Decision{}
	}

	if r := c.rules.Match(description); r != nil {
		return Decision{Category: r.Category, Confidence: FallbackConfidence}
	}
	return Decision{}
}

// ClassifyBatch runs Classify over a chunk of descriptions.
func (c *Classifier) ClassifyBatch(descriptions []string) []Decision {
	out := make([]Decision, len(descriptions))
	for i, d := range descriptions {
		out[i] = c.Classify(d)
	}
	return out
}
