package classify

import (
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"
)

// FallbackConfidence is assigned to rule matches. Keyword hits are treated as
// a weak signal that never passes the auto-categorization threshold, so rule
// categorized rows always land in review.
const FallbackConfidence = 0.3

// Rule maps a substring pattern to a category.
type Rule struct {
	Pattern  string
	Category string
	Priority int
}

// RuleEngine is the keyword fallback used when no trained model is available
// or the model is not confident. Aho-Corasick matches all patterns in one
// pass over the description.
type RuleEngine struct {
	mu       sync.RWMutex
	matcher  *ahocorasick.Matcher
	patterns []string
	rules    [][]Rule // per pattern, rules sharing it
}

// NewRuleEngine builds the matcher. Call Rebuild when rules change.
func NewRuleEngine(rules []Rule) *RuleEngine {
	e := &RuleEngine{}
	e.Rebuild(rules)
	return e
}

// Rebuild replaces the pattern set. Duplicate patterns keep all their rules
// and the highest priority one wins at match time.
func (e *RuleEngine) Rebuild(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	index := make(map[string]int)
	e.patterns = e.patterns[:0]
	e.rules = e.rules[:0]
	for _, r := range rules {
		pattern := strings.ToUpper(strings.TrimSpace(r.Pattern))
		if pattern == "" || r.Category == "" {
			continue
		}
		if i, ok := index[pattern]; ok {
			e.rules[i] = append(e.rules[i], r)
			continue
		}
		index[pattern] = len(e.patterns)
		e.patterns = append(e.patterns, pattern)
		e.rules = append(e.rules, []Rule{r})
	}

	if len(e.patterns) == 0 {
		e.matcher = nil
		return
	}
	bytePatterns := make([][]byte, len(e.patterns))
	for i, p := range e.patterns {
		bytePatterns[i] = []byte(p)
	}
	e.matcher = ahocorasick.NewMatcher(bytePatterns)
}

// Match returns the best rule for the description, nil when nothing matches.
func (e *RuleEngine) Match(description string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.matcher == nil {
		return nil
	}
	hits := e.matcher.Match([]byte(strings.ToUpper(description)))
	var best *Rule
	for _, idx := range hits {
		if idx < 0 || idx >= len(e.rules) {
			continue
		}
		for i := range e.rules[idx] {
			r := &e.rules[idx][i]
			// Longer patterns beat shorter ones at equal priority, so
			// "uber eats" wins over "uber".
			if best == nil || r.Priority > best.Priority ||
				(r.Priority == best.Priority && len(r.Pattern) > len(best.Pattern)) {
				best = r
			}
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

// DefaultRules covers common merchants so a fresh install categorizes
// something before the first model is trained.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "uber eats", Category: "restaurants", Priority: 10},
		{Pattern: "uber", Category: "transport"},
		{Pattern: "bolt", Category: "transport"},
		{Pattern: "lyft", Category: "transport"},
		{Pattern: "taxi", Category: "transport"},
		{Pattern: "shell", Category: "fuel"},
		{Pattern: "galp", Category: "fuel"},
		{Pattern: "bp ", Category: "fuel"},
		{Pattern: "netflix", Category: "subscriptions"},
		{Pattern: "spotify", Category: "subscriptions"},
		{Pattern: "disney", Category: "subscriptions"},
		{Pattern: "amazon prime", Category: "subscriptions", Priority: 10},
		{Pattern: "amazon", Category: "shopping"},
		{Pattern: "aliexpress", Category: "shopping"},
		{Pattern: "ikea", Category: "home"},
		{Pattern: "continente", Category: "groceries"},
		{Pattern: "pingo doce", Category: "groceries"},
		{Pattern: "lidl", Category: "groceries"},
		{Pattern: "aldi", Category: "groceries"},
		{Pattern: "mercadona", Category: "groceries"},
		{Pattern: "walmart", Category: "groceries"},
		{Pattern: "whole foods", Category: "groceries"},
		{Pattern: "mcdonald", Category: "restaurants"},
		{Pattern: "burger", Category: "restaurants"},
		{Pattern: "starbucks", Category: "restaurants"},
		{Pattern: "restaurante", Category: "restaurants"},
		{Pattern: "farmacia", Category: "health"},
		{Pattern: "pharmacy", Category: "health"},
		{Pattern: "cvs", Category: "health"},
		{Pattern: "edp", Category: "utilities"},
		{Pattern: "vodafone", Category: "utilities"},
		{Pattern: "meo", Category: "utilities"},
		{Pattern: "nos", Category: "utilities"},
		{Pattern: "verizon", Category: "utilities"},
		{Pattern: "rent", Category: "housing"},
		{Pattern: "renda", Category: "housing"},
		{Pattern: "mortgage", Category: "housing"},
		{Pattern: "salario", Category: "salary"},
		{Pattern: "salary", Category: "salary"},
		{Pattern: "payroll", Category: "salary"},
		{Pattern: "vencimento", Category: "salary"},
		{Pattern: "transf", Category: "transfers"},
		{Pattern: "mbway", Category: "transfers"},
		{Pattern: "atm", Category: "cash"},
		{Pattern: "levantamento", Category: "cash"},
		{Pattern: "tap air", Category: "travel"},
		{Pattern: "ryanair", Category: "travel"},
		{Pattern: "booking.com", Category: "travel"},
		{Pattern: "airbnb", Category: "travel"},
	}
}
