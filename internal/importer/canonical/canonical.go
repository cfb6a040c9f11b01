// Package canonical maps raw parsed rows onto the normalized transaction
// shape using a column mapping plus the detected file dialect. Failures here
// are row-scoped: a bad row is reported and the batch keeps going.
package canonical

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/sniffer"
	"github.com/duartevn/coinflow/pkg/money"
)

// Mapper converts raw rows to canonical rows under one job's mapping.
type Mapper struct {
	mapping  model.ColumnMapping
	settings model.JobSettings
	dialect  sniffer.Dialect
}

// NewMapper validates that the mapping covers the required canonical fields.
func NewMapper(mapping model.ColumnMapping, settings model.JobSettings, dialect sniffer.Dialect) (*Mapper, error) {
	if mapping.Date == "" {
		return nil, errors.New("mapping is missing the date column")
	}
	if mapping.Description == "" {
		return nil, errors.New("mapping is missing the description column")
	}
	if mapping.Amount == "" && mapping.Debit == "" && mapping.Credit == "" {
		return nil, errors.New("mapping needs an amount column or debit/credit columns")
	}
	settings.Normalize()
	return &Mapper{mapping: mapping, settings: settings, dialect: dialect}, nil
}

// Map converts one raw row. A non-nil RowError means the row is rejected;
// the error carries field and suggestion detail for the review surface.
func (m *Mapper) Map(row model.RawRow) (*model.CanonicalRow, *model.RowError) {
	date, rerr := m.parseDate(row)
	if rerr != nil {
		return nil, rerr
	}

	desc := collapseSpace(row.Fields[m.mapping.Description])
	if desc == "" {
		return nil, &model.RowError{
			RowNumber: row.Number,
			Field:     "description",
			Message:   "description is empty",
		}
	}

	currency := m.currency(row)

	cents, direction, rerr := m.parseAmount(row, currency)
	if rerr != nil {
		return nil, rerr
	}

	out := &model.CanonicalRow{
		Date:        date,
		Description: desc,
		AmountCents: cents,
		Currency:    currency,
		Direction:   direction,
	}
	if m.mapping.Account != "" {
		out.AccountHint = collapseSpace(row.Fields[m.mapping.Account])
	}
	if m.mapping.Category != "" {
		out.RawCategory = collapseSpace(row.Fields[m.mapping.Category])
	}
	return out, nil
}

// UnmappedColumns lists source headers the mapping never references, reported
// as INFO findings during analysis.
func (m *Mapper) UnmappedColumns(headers []string) []string {
	used := map[string]bool{
		m.mapping.Date: true, m.mapping.Description: true,
		m.mapping.Amount: true, m.mapping.Debit: true, m.mapping.Credit: true,
		m.mapping.Account: true, m.mapping.Type: true,
		m.mapping.Currency: true, m.mapping.Category: true,
	}
	var out []string
	for _, h := range headers {
		if h != "" && !used[h] {
			out = append(out, h)
		}
	}
	return out
}

func (m *Mapper) currency(row model.RawRow) string {
	if m.mapping.Currency != "" {
		if v := strings.TrimSpace(row.Fields[m.mapping.Currency]); v != "" {
			return money.NormalizeCurrency(v)
		}
	}
	if m.dialect.CurrencyHint != "" {
		return money.NormalizeCurrency(m.dialect.CurrencyHint)
	}
	return money.DefaultCurrency
}

func (m *Mapper) parseAmount(row model.RawRow, currency string) (int64, model.Direction, *model.RowError) {
	decimalComma := m.settings.DecimalComma || m.dialect.DecimalComma

	if m.mapping.DoubleEntry() {
		debitRaw := strings.TrimSpace(row.Fields[m.mapping.Debit])
		creditRaw := strings.TrimSpace(row.Fields[m.mapping.Credit])
		if debitRaw == "" && creditRaw == "" {
			return 0, "", &model.RowError{
				RowNumber: row.Number,
				Field:     "amount",
				Message:   "both debit and credit are empty",
			}
		}
		if creditRaw != "" {
			cents, err := money.ParseCents(creditRaw, currency, decimalComma)
			if err != nil {
				return 0, "", amountError(row.Number, m.mapping.Credit, creditRaw, err)
			}
			if cents != 0 || debitRaw == "" {
				return abs(cents), model.DirectionCredit, nil
			}
		}
		cents, err := money.ParseCents(debitRaw, currency, decimalComma)
		if err != nil {
			return 0, "", amountError(row.Number, m.mapping.Debit, debitRaw, err)
		}
		return -abs(cents), model.DirectionDebit, nil
	}

	raw := strings.TrimSpace(row.Fields[m.mapping.Amount])
	if raw == "" {
		return 0, "", &model.RowError{
			RowNumber: row.Number,
			Field:     "amount",
			Message:   "amount is empty",
		}
	}
	cents, err := money.ParseCents(raw, currency, decimalComma)
	if err != nil {
		return 0, "", amountError(row.Number, m.mapping.Amount, raw, err)
	}

	direction := model.DirectionCredit
	if cents < 0 {
		direction = model.DirectionDebit
	}
	// An explicit type column overrides the sign convention. Some banks
	// export unsigned amounts with a separate D/C marker.
	if m.mapping.Type != "" {
		switch typ := strings.ToLower(strings.TrimSpace(row.Fields[m.mapping.Type])); {
		case strings.HasPrefix(typ, "d") || typ == "cargo" || typ == "withdrawal":
			direction = model.DirectionDebit
			cents = -abs(cents)
		case strings.HasPrefix(typ, "c") || typ == "abono" || typ == "deposit":
			direction = model.DirectionCredit
			cents = abs(cents)
		}
	}
	return cents, direction, nil
}

func amountError(rowNum int, field, raw string, err error) *model.RowError {
	return &model.RowError{
		RowNumber:  rowNum,
		Field:      field,
		Message:    fmt.Sprintf("unparseable amount %q", raw),
		Suggestion: "check the decimal separator setting",
		Err:        err,
	}
}

// Date layouts tried in order. Day-first and month-first variants are split
// so the dialect decides which family goes first.
var (
	isoLayouts = []string{"2006-01-02", "2006/01/02", "20060102", time.RFC3339}
	dayFirst   = []string{"02/01/2006", "02-01-2006", "02.01.2006", "2/1/2006", "02/01/06", "2 Jan 2006", "2 January 2006"}
	monthFirst = []string{"01/02/2006", "01-02-2006", "1/2/2006", "01/02/06", "Jan 2, 2006", "January 2, 2006"}
)

func (m *Mapper) parseDate(row model.RawRow) (time.Time, *model.RowError) {
	raw := strings.TrimSpace(row.Fields[m.mapping.Date])
	if raw == "" {
		return time.Time{}, &model.RowError{
			RowNumber: row.Number,
			Field:     "date",
			Message:   "date is empty",
		}
	}

	if t, ok := m.tryLayouts(raw); ok {
		return m.checkDate(t, row.Number, raw)
	}
	if t, ok := excelSerialDate(raw); ok {
		return m.checkDate(t, row.Number, raw)
	}
	return time.Time{}, &model.RowError{
		RowNumber:  row.Number,
		Field:      "date",
		Message:    fmt.Sprintf("unparseable date %q", raw),
		Suggestion: "set an explicit date format on the job",
	}
}

func (m *Mapper) tryLayouts(raw string) (time.Time, bool) {
	if m.settings.DateFormat != "" {
		if t, err := time.Parse(m.settings.DateFormat, raw); err == nil {
			return t, true
		}
		return time.Time{}, false
	}

	layouts := append(append([]string{}, isoLayouts...), orderedFamilies(m.dialect.DayFirst)...)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func orderedFamilies(dayFirstDialect bool) []string {
	if dayFirstDialect {
		return append(append([]string{}, dayFirst...), monthFirst...)
	}
	return append(append([]string{}, monthFirst...), dayFirst...)
}

// excelSerialDate interprets a bare number as days since the 1900 epoch,
// which is how Excel stores dates when cells lose their formatting.
func excelSerialDate(raw string) (time.Time, bool) {
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, false
	}
	// Serial 25569 is 1970-01-01; plausible statement dates sit well inside
	// this range. Anything outside is a number, not a date.
	if serial < 10000 || serial > 80000 {
		return time.Time{}, false
	}
	epoch := time.Date(1899, time.December, 30, 0, 0, 0, 0, time.UTC)
	return epoch.AddDate(0, 0, int(serial)), true
}

func (m *Mapper) checkDate(t time.Time, rowNum int, raw string) (time.Time, *model.RowError) {
	if t.Year() < 1970 || t.After(time.Now().AddDate(1, 0, 0)) {
		return time.Time{}, &model.RowError{
			RowNumber:  rowNum,
			Field:      "date",
			Message:    fmt.Sprintf("implausible date %q", raw),
			Suggestion: "check the date format and column mapping",
		}
	}
	return t.UTC().Truncate(24 * time.Hour), nil
}

// NormalizeDescription folds a description for matching: lower case, letters
// and digits only, single spaces. Dedupe keys and classifier features both
// build on this form.
func NormalizeDescription(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
