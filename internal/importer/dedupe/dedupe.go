// Package dedupe flags incoming canonical rows that duplicate transactions
// already on the ledger or earlier rows of the same batch. Exact matching
// hashes the identifying fields; fuzzy matching finds near-identical
// descriptions through a transient bleve index and confirms candidates with
// Levenshtein similarity.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/duartevn/coinflow/internal/importer/canonical"
	"github.com/duartevn/coinflow/internal/importer/model"
)

const (
	// FuzzyThreshold is the minimum Levenshtein similarity for a fuzzy hit.
	FuzzyThreshold = 0.85
	// fuzzyDateWindow allows posting-date drift between the bank's export
	// and the ledger entry.
	fuzzyDateWindow = 24 * time.Hour
	maxCandidates   = 10
)

// MatchKind distinguishes how a duplicate was found.
type MatchKind string

const (
	MatchExact MatchKind = "EXACT"
	MatchFuzzy MatchKind = "FUZZY"
)

// Match points at the transaction or batch row a canonical row duplicates.
type Match struct {
	ID    uuid.UUID
	Kind  MatchKind
	Score float64
}

// HistoryEntry is one prior transaction loaded into the detector.
type HistoryEntry struct {
	ID          uuid.UUID
	Date        time.Time
	Description string
	AmountCents int64
	AccountHint string
}

// Key builds the exact-duplicate hash. Two rows with the same account, date,
// amount and normalized description are the same transaction.
func Key(c *model.CanonicalRow) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%s",
		strings.ToLower(strings.TrimSpace(c.AccountHint)),
		c.Date.Format("2006-01-02"),
		c.AmountCents,
		canonical.NormalizeDescription(c.Description),
	))
	return hex.EncodeToString(h[:])
}

// Detector holds one job's dedupe state. It is not safe for concurrent use;
// the orchestrator runs chunks sequentially.
type Detector struct {
	exact   map[string]uuid.UUID
	index   bleve.Index
	entries map[string]HistoryEntry // bleve doc id -> entry
	nextDoc int
}

type descDoc struct {
	Desc string `json:"desc"`
}

// NewDetector builds the per-job state from ledger history inside the
// lookback window. The bleve index lives in memory and dies with the job.
func NewDetector(history []HistoryEntry) (*Detector, error) {
	mapping := bleve.NewIndexMapping()
	mapping.DefaultAnalyzer = "standard"
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("create dedupe index: %w", err)
	}

	d := &Detector{
		exact:   make(map[string]uuid.UUID, len(history)),
		index:   idx,
		entries: make(map[string]HistoryEntry, len(history)),
	}
	for _, e := range history {
		if err := d.add(e); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Close releases the in-memory index.
func (d *Detector) Close() error { return d.index.Close() }

// Check looks for a duplicate of c. A nil match means the row is new.
func (d *Detector) Check(c *model.CanonicalRow) (*Match, error) {
	if id, ok := d.exact[Key(c)]; ok {
		return &Match{ID: id, Kind: MatchExact, Score: 1}, nil
	}
	return d.fuzzy(c)
}

// Observe registers an accepted row so later rows of the same batch dedupe
// against it.
func (d *Detector) Observe(id uuid.UUID, c *model.CanonicalRow) error {
	return d.add(HistoryEntry{
		ID:          id,
		Date:        c.Date,
		Description: c.Description,
		AmountCents: c.AmountCents,
		AccountHint: c.AccountHint,
	})
}

func (d *Detector) add(e HistoryEntry) error {
	d.exact[Key(&model.CanonicalRow{
		Date:        e.Date,
		Description: e.Description,
		AmountCents: e.AmountCents,
		AccountHint: e.AccountHint,
	})] = e.ID

	norm := canonical.NormalizeDescription(e.Description)
	if norm == "" {
		return nil
	}
	docID := fmt.Sprintf("d%d", d.nextDoc)
	d.nextDoc++
	if err := d.index.Index(docID, descDoc{Desc: norm}); err != nil {
		return fmt.Errorf("index dedupe entry: %w", err)
	}
	d.entries[docID] = e
	return nil
}

// fuzzy finds candidates by description match, then confirms with the strict
// rules: identical amount, posting date within a day, and high string
// similarity. Amount equality keeps the false-positive rate workable for
// recurring merchants.
func (d *Detector) fuzzy(c *model.CanonicalRow) (*Match, error) {
	norm := canonical.NormalizeDescription(c.Description)
	if norm == "" {
		return nil, nil
	}

	q := bleve.NewMatchQuery(norm)
	q.SetField("desc")
	q.SetOperator(query.MatchQueryOperatorOr)
	req := bleve.NewSearchRequest(q)
	req.Size = maxCandidates

	res, err := d.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("dedupe search: %w", err)
	}

	var best *Match
	for _, hit := range res.Hits {
		e, ok := d.entries[hit.ID]
		if !ok {
			continue
		}
		if e.AmountCents != c.AmountCents {
			continue
		}
		if delta := c.Date.Sub(e.Date); delta > fuzzyDateWindow || delta < -fuzzyDateWindow {
			continue
		}
		score := similarity(norm, canonical.NormalizeDescription(e.Description))
		if score < FuzzyThreshold {
			continue
		}
		if best == nil || score > best.Score {
			best = &Match{ID: e.ID, Kind: MatchFuzzy, Score: score}
		}
	}
	return best, nil
}

// similarity maps Levenshtein distance onto [0,1].
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 1
	}
	dist := fuzzy.LevenshteinDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
