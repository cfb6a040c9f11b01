package classify

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jbrukh/bayesian"

	"github.com/duartevn/coinflow/internal/importer/canonical"
	"github.com/duartevn/coinflow/internal/importer/model"
)

// MinExamplesPerClass keeps retraining from producing a model dominated by a
// category with one or two samples.
const MinExamplesPerClass = 3

var ErrNotEnoughTrainingData = errors.New("not enough training data")

// BayesModel wraps one immutable trained naive-Bayes classifier.
type BayesModel struct {
	cl      *bayesian.Classifier
	classes []bayesian.Class
}

// features tokenizes a description into classifier terms.
func features(description string) []string {
	return strings.Fields(canonical.NormalizeDescription(description))
}

// Load revives a classifier from a stored version blob.
func Load(mv *model.ModelVersion) (*BayesModel, error) {
	if mv == nil || len(mv.Blob) == 0 {
		return nil, model.ErrNoActiveModel
	}
	cl, err := bayesian.NewClassifierFromReader(bytes.NewReader(mv.Blob))
	if err != nil {
		return nil, fmt.Errorf("decode model version %d: %w", mv.Version, err)
	}
	return &BayesModel{cl: cl, classes: cl.Classes}, nil
}

// Classify scores one description. Confidence is the posterior probability of
// the winning class, so it lives in (0,1] and is comparable across rows.
func (m *BayesModel) Classify(description string) (category string, confidence float64) {
	terms := features(description)
	if len(terms) == 0 {
		return "", 0
	}
	scores, best, _ := m.cl.ProbScores(terms)
	if best < 0 || best >= len(m.classes) {
		return "", 0
	}
	return string(m.classes[best]), scores[best]
}

// Train builds a new model version from labeled examples. The returned
// version carries the serialized classifier; the caller assigns the version
// number and activates it. Classes below the example floor are dropped.
func Train(examples []model.TrainingExample) (*model.ModelVersion, error) {
	byClass := make(map[string][][]string)
	for _, ex := range examples {
		terms := features(ex.Description)
		if ex.Category == "" || len(terms) == 0 {
			continue
		}
		byClass[ex.Category] = append(byClass[ex.Category], terms)
	}
	for class, docs := range byClass {
		if len(docs) < MinExamplesPerClass {
			delete(byClass, class)
		}
	}
	if len(byClass) < 2 {
		return nil, fmt.Errorf("%w: need at least two categories with %d examples each", ErrNotEnoughTrainingData, MinExamplesPerClass)
	}

	classNames := make([]string, 0, len(byClass))
	for class := range byClass {
		classNames = append(classNames, class)
	}
	sort.Strings(classNames)

	classes := make([]bayesian.Class, len(classNames))
	for i, name := range classNames {
		classes[i] = bayesian.Class(name)
	}

	cl := bayesian.NewClassifier(classes...)
	total := 0
	for i, name := range classNames {
		for _, doc := range byClass[name] {
			cl.Learn(doc, classes[i])
			total++
		}
	}

	// Training-set accuracy. Optimistic, but comparable across versions and
	// cheap enough to compute on every retrain.
	correct := 0
	for _, name := range classNames {
		for _, doc := range byClass[name] {
			_, best, _ := cl.ProbScores(doc)
			if best >= 0 && string(classes[best]) == name {
				correct++
			}
		}
	}

	var buf bytes.Buffer
	if err := cl.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("serialize classifier: %w", err)
	}

	return &model.ModelVersion{
		ID:           uuid.New(),
		Accuracy:     float64(correct) / float64(total),
		TrainingRows: total,
		Features:     classNames,
		Blob:         buf.Bytes(),
		CreatedAt:    time.Now().UTC(),
	}, nil
}
