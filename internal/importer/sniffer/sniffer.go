// Package sniffer detects the shape of delimited statement files: delimiter,
// header row position, header fingerprint for template matching, and the
// regional dialect of amounts and dates.
package sniffer

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"unicode"
)

var (
	ErrEmptyFile   = errors.New("file is empty")
	ErrNoHeaderRow = errors.New("could not locate a header row")
)

// Header keywords seen in real bank exports, multiple languages.
var headerKeywords = []string{
	"date", "data mov", "data valor", "fecha", "datum",
	"description", "descrição", "descricao", "descripción", "merchant", "payee", "memo",
	"amount", "valor", "importe", "montant",
	"debit", "débito", "debito", "cargo",
	"credit", "crédito", "credito", "abono",
	"balance", "saldo", "category", "categoria", "account", "conta",
}

// Shape is the detected configuration of a delimited file.
type Shape struct {
	Delimiter   rune
	HeaderLine  int // 0-based line index of the header row
	Headers     []string
	Fingerprint string // sha256 of normalized headers
	SampleRows  []map[string]string
}

// Dialect captures regional formatting inferred from sample data.
type Dialect struct {
	DecimalComma bool   // true when ',' is the decimal separator
	DayFirst     bool   // true when dates are DD/MM
	CurrencyHint string // ISO code when a symbol or code was spotted
	Confidence   float64
}

// Detect analyzes the beginning of a delimited file. data should be decoded
// text (see parser.DecodeText); only the first ~20 lines are searched for a
// header row.
func Detect(data []byte) (*Shape, error) {
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	lines := strings.Split(string(data), "\n")

	delim, headerLine, err := findHeaderRow(lines)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(cleanLine(lines[headerLine], headerLine == 0)))
	r.Comma = delim
	r.LazyQuotes = true
	headers, err := r.Read()
	if err != nil {
		return nil, err
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	return &Shape{
		Delimiter:   delim,
		HeaderLine:  headerLine,
		Headers:     headers,
		Fingerprint: Fingerprint(headers),
		SampleRows:  sampleRows(data, delim, headers, headerLine+1, 5),
	}, nil
}

// Fingerprint hashes normalized header names so repeat exports from the same
// institution map to the same saved template.
func Fingerprint(headers []string) string {
	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])
}

// SuggestMapping guesses a column mapping from header names. Unmatched fields
// stay empty; the canonicalizer rejects missing required fields later.
func SuggestMapping(headers []string) map[string]string {
	suggest := map[string]string{}
	match := func(field string, keywords ...string) {
		if suggest[field] != "" {
			return
		}
		for _, h := range headers {
			lower := strings.ToLower(strings.TrimSpace(h))
			for _, kw := range keywords {
				if strings.Contains(lower, kw) {
					suggest[field] = h
					return
				}
			}
		}
	}
	match("date", "data mov", "date", "fecha", "datum", "data")
	match("description", "descri", "merchant", "payee", "memo", "details", "name")
	match("debit", "débito", "debito", "debit", "cargo")
	match("credit", "crédito", "credito", "credit", "abono")
	match("amount", "amount", "valor", "importe", "montant", "value")
	match("account", "account", "conta", "iban")
	match("currency", "currency", "moeda", "divisa", "ccy")
	match("category", "categ", "tipo", "type")
	// Separate debit/credit columns win over a generic amount column.
	if suggest["debit"] != "" && suggest["credit"] != "" {
		delete(suggest, "amount")
	}
	return suggest
}

// ProbeDialect inspects sample rows for decimal-separator and date-order hints.
func ProbeDialect(samples []map[string]string, amountField, dateField string) Dialect {
	d := Dialect{Confidence: 0.5}
	euHints, usHints := 0, 0
	dayFirst := false

	for _, row := range samples {
		if v := row[amountField]; v != "" {
			switch amountHint(v) {
			case 1:
				euHints++
			case -1:
				usHints++
			}
		}
		if v := row[dateField]; v != "" && firstDatePartOver12(v) {
			dayFirst = true
		}
		for _, cell := range row {
			switch {
			case strings.Contains(cell, "€") || strings.Contains(cell, "EUR"):
				d.CurrencyHint = "EUR"
				euHints++
			case strings.Contains(cell, "£") || strings.Contains(cell, "GBP"):
				d.CurrencyHint = "GBP"
			case strings.Contains(cell, "$"):
				if d.CurrencyHint == "" {
					d.CurrencyHint = "USD"
				}
				usHints++
			}
		}
	}

	d.DecimalComma = euHints > usHints
	d.DayFirst = dayFirst || d.DecimalComma
	if total := euHints + usHints; total > 0 {
		d.Confidence = float64(max(euHints, usHints)) / float64(total)
	}
	return d
}

// amountHint returns 1 for European formatting, -1 for US, 0 when ambiguous.
func amountHint(val string) int {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == ',' || r == '.' || r == '-' {
			return r
		}
		return -1
	}, val)
	cleaned = strings.TrimPrefix(cleaned, "-")
	if cleaned == "" {
		return 0
	}
	comma, dot := strings.LastIndex(cleaned, ","), strings.LastIndex(cleaned, ".")
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			return 1
		}
		return -1
	case comma >= 0:
		if decimals := len(cleaned) - comma - 1; decimals >= 1 && decimals <= 2 {
			return 1
		}
	case dot >= 0:
		if decimals := len(cleaned) - dot - 1; decimals >= 1 && decimals <= 2 {
			return -1
		}
	}
	return 0
}

func firstDatePartOver12(v string) bool {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == '/' || r == '-' || r == '.' })
	if len(parts) < 2 {
		return false
	}
	n := 0
	for _, c := range strings.TrimSpace(parts[0]) {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n > 12 && n <= 31
}

func findHeaderRow(lines []string) (rune, int, error) {
	type candidate struct {
		delim rune
		line  int
		score int
	}
	var best, fallback candidate
	best.line, fallback.line = -1, -1

	for i, line := range lines {
		if i > 20 {
			break
		}
		line = cleanLine(line, i == 0)
		if line == "" {
			continue
		}
		delim, cols := detectDelimiter(line)
		if cols < 1 {
			continue
		}
		keywords := 0
		lower := strings.ToLower(line)
		for _, kw := range headerKeywords {
			if strings.Contains(lower, kw) {
				keywords++
			}
		}
		if keywords >= 2 {
			if score := cols*10 + keywords; best.line == -1 || score > best.score {
				best = candidate{delim, i, score}
			}
		} else if cols > fallback.score {
			fallback = candidate{delim, i, cols}
		}
	}

	if best.line >= 0 {
		return best.delim, best.line, nil
	}
	if fallback.line >= 0 && fallback.score >= 2 {
		return fallback.delim, fallback.line, nil
	}
	return 0, 0, ErrNoHeaderRow
}

func detectDelimiter(line string) (rune, int) {
	bestDelim, bestCount := rune(0), 0
	for _, d := range []rune{';', '\t', ',', '|'} {
		if n := strings.Count(line, string(d)); n > bestCount {
			bestCount, bestDelim = n, d
		}
	}
	return bestDelim, bestCount
}

func cleanLine(line string, first bool) string {
	line = strings.TrimRight(line, "\r")
	if first {
		line = strings.TrimPrefix(line, "\uFEFF")
	}
	return strings.TrimSpace(line)
}

// sampleRows reads data rows below the header. Slicing at the physical line
// keeps alignment even when the preamble contains blank lines, which a csv
// reader would silently skip.
func sampleRows(data []byte, delim rune, headers []string, startLine, maxRows int) []map[string]string {
	lines := strings.Split(string(data), "\n")
	if startLine >= len(lines) {
		return nil
	}
	r := csv.NewReader(strings.NewReader(strings.Join(lines[startLine:], "\n")))
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, row)
		if len(rows) >= maxRows {
			break
		}
	}
	return rows
}
