// Package money provides currency-safe amounts using integer cents plus the
// parsing layer that turns bank-statement amount strings into cents. It wraps
// go-money for ISO-4217 metadata and shopspring/decimal for exact scaling.
package money

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Default currency when a statement carries no currency column or hint.
const DefaultCurrency = "EUR"

var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is a monetary value in minor units with its ISO-4217 currency.
type Money struct {
	m *money.Money
}

// New creates Money from minor units (cents). For zero-decimal currencies
// such as JPY the amount is the face value.
func New(amountCents int64, currencyCode string) *Money {
	return &Money{m: money.New(amountCents, currencyCode)}
}

// NewFromDecimal scales a decimal amount to the currency's minor units.
func NewFromDecimal(amount decimal.Decimal, currencyCode string) *Money {
	currency := money.GetCurrency(currencyCode)
	if currency == nil {
		currency = money.GetCurrency(DefaultCurrency)
	}
	cents := amount.Mul(decimal.New(1, int32(currency.Fraction))).Round(0).IntPart()
	return New(cents, currency.Code)
}

func Zero(currencyCode string) *Money { return New(0, currencyCode) }

func (m *Money) Amount() int64 {
	if m == nil || m.m == nil {
		return 0
	}
	return m.m.Amount()
}

func (m *Money) Currency() string {
	if m == nil || m.m == nil {
		return ""
	}
	return m.m.Currency().Code
}

func (m *Money) IsZero() bool {
	return m == nil || m.m == nil || m.m.IsZero()
}

func (m *Money) IsNegative() bool {
	return m != nil && m.m != nil && m.m.IsNegative()
}

// Abs returns the absolute value.
func (m *Money) Abs() *Money {
	if m == nil || m.m == nil {
		return Zero(DefaultCurrency)
	}
	return &Money{m: m.m.Absolute()}
}

// Negate returns the negated value.
func (m *Money) Negate() *Money {
	if m == nil || m.m == nil {
		return Zero(DefaultCurrency)
	}
	return &Money{m: m.m.Negative()}
}

// Add adds two values of the same currency.
func (m *Money) Add(other *Money) (*Money, error) {
	if m == nil || m.m == nil {
		return other, nil
	}
	if other == nil || other.m == nil {
		return m, nil
	}
	result, err := m.m.Add(other.m)
	if err != nil {
		return nil, ErrCurrencyMismatch
	}
	return &Money{m: result}, nil
}

func (m *Money) Equals(other *Money) bool {
	if m == nil || m.m == nil {
		return other.IsZero()
	}
	if other == nil || other.m == nil {
		return m.IsZero()
	}
	eq, _ := m.m.Equals(other.m)
	return eq
}

// Display renders with currency symbol and grouping, e.g. "€1,234.56".
func (m *Money) Display() string {
	if m == nil || m.m == nil {
		return money.New(0, DefaultCurrency).Display()
	}
	return m.m.Display()
}

// String returns the plain decimal form, e.g. "1234.56".
func (m *Money) String() string {
	return m.ToDecimal().StringFixed(fraction(m.Currency()))
}

// ToDecimal converts minor units back to a decimal major-unit amount.
func (m *Money) ToDecimal() decimal.Decimal {
	if m == nil || m.m == nil {
		return decimal.Zero
	}
	return decimal.NewFromInt(m.m.Amount()).Div(decimal.New(1, int32(m.m.Currency().Fraction)))
}

func fraction(code string) int32 {
	if c := money.GetCurrency(code); c != nil {
		return int32(c.Fraction)
	}
	return 2
}

// NormalizeCurrency upper-cases and validates an ISO-4217 code, falling back
// to the default when the code is unknown or empty.
func NormalizeCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if money.GetCurrency(code) != nil {
		return code
	}
	return DefaultCurrency
}

// symbols stripped before numeric parsing, longest first so "R$" wins over "$".
var currencySymbols = []string{"R$", "US$", "$", "€", "£", "¥", "₹", "₩", "CHF", "EUR", "USD", "GBP", "BRL"}

// ParseCents parses a statement amount string into minor units. It tolerates
// currency symbols and codes, grouping separators, accounting negatives in
// parentheses, and trailing minus signs. decimalComma selects the European
// convention where "1.234,56" means 1234.56.
func ParseCents(raw string, currencyCode string, decimalComma bool) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, errors.New("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}

	upper := strings.ToUpper(s)
	for _, sym := range currencySymbols {
		upper = strings.ReplaceAll(upper, strings.ToUpper(sym), "")
	}
	s = strings.TrimSpace(upper)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")

	if decimalComma {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if negative {
		d = d.Neg()
	}
	return NewFromDecimal(d, currencyCode).Amount(), nil
}

// MarshalJSON emits the wire form used by the API: integer cents, currency
// code, and a display string.
func (m *Money) MarshalJSON() ([]byte, error) {
	if m == nil || m.m == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(map[string]any{
		"amount_cents": m.Amount(),
		"currency":     m.Currency(),
		"display":      m.Display(),
	})
}

func (m *Money) UnmarshalJSON(data []byte) error {
	var v struct {
		AmountCents int64  `json:"amount_cents"`
		Currency    string `json:"currency"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.m = money.New(v.AmountCents, NormalizeCurrency(v.Currency))
	return nil
}

// Scan reads integer cents from the database. Currency is stored in its own
// column, so scanned values default and the caller rebinds the currency.
func (m *Money) Scan(value any) error {
	if value == nil {
		m.m = nil
		return nil
	}
	switch v := value.(type) {
	case int64:
		m.m = money.New(v, DefaultCurrency)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Money", value)
	}
}

func (m *Money) Value() (driver.Value, error) {
	if m == nil || m.m == nil {
		return nil, nil
	}
	return m.Amount(), nil
}
