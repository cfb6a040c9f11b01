package money

import (
	"bytes"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

// StatementGenerator produces synthetic bank-statement rows for import tests.
// Amounts come out as the strings banks actually print, so parser and
// canonicalization tests exercise the same formats end users upload.
type StatementGenerator struct {
	faker *gofakeit.Faker
}

// NewStatementGenerator creates a generator with a fixed seed so test data is
// reproducible across runs.
func NewStatementGenerator(seed int64) *StatementGenerator {
	return &StatementGenerator{faker: gofakeit.New(seed)}
}

// StatementRow is one generated transaction line.
type StatementRow struct {
	Date        time.Time
	Description string
	Amount      *Money
}

var statementMerchants = []string{
	"CONTINENTE LISBOA", "PINGO DOCE AMADORA", "UBER *TRIP", "NETFLIX.COM",
	"GALP ENERGIA", "AMAZON EU SARL", "FARMACIA CENTRAL", "EDP COMERCIAL",
	"SPOTIFY AB", "IKEA ALFRAGIDE", "TAP AIR PORTUGAL", "MBWAY TRANSF",
	"STARBUCKS", "SHELL", "WHOLE FOODS", "CVS PHARMACY",
}

// Row generates one transaction within the given day window before now.
func (g *StatementGenerator) Row(currency string, windowDays int) StatementRow {
	cents := int64(g.faker.IntRange(1, 5000000))
	if g.faker.Bool() {
		cents = -cents
	}
	merchant := statementMerchants[g.faker.IntRange(0, len(statementMerchants)-1)]
	desc := merchant
	if g.faker.Bool() {
		desc = fmt.Sprintf("%s REF %06d", merchant, g.faker.IntRange(1, 999999))
	}
	return StatementRow{
		Date:        g.faker.DateRange(time.Now().AddDate(0, 0, -windowDays), time.Now()),
		Description: desc,
		Amount:      New(cents, currency),
	}
}

// Rows generates count transactions.
func (g *StatementGenerator) Rows(currency string, windowDays, count int) []StatementRow {
	rows := make([]StatementRow, count)
	for i := range rows {
		rows[i] = g.Row(currency, windowDays)
	}
	return rows
}

// CSV renders rows as a bank-style CSV export with a header line. decimalComma
// selects European amount formatting, matching what ParseCents accepts.
func (g *StatementGenerator) CSV(rows []StatementRow, decimalComma bool) []byte {
	var buf bytes.Buffer
	sep := ","
	if decimalComma {
		sep = ";"
	}
	fmt.Fprintf(&buf, "Date%sDescription%sAmount\n", sep, sep)
	for _, r := range rows {
		amount := r.Amount.String()
		if decimalComma {
			amount = commaFormat(amount)
		}
		fmt.Fprintf(&buf, "%s%s%s%s%s\n", r.Date.Format("2006-01-02"), sep, r.Description, sep, amount)
	}
	return buf.Bytes()
}

func commaFormat(amount string) string {
	out := []byte(amount)
	for i, c := range out {
		if c == '.' {
			out[i] = ','
		}
	}
	return string(out)
}
