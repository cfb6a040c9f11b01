package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/sniffer"
)

func newTestMapper(t *testing.T, mapping model.ColumnMapping, settings model.JobSettings, dialect sniffer.Dialect) *Mapper {
	t.Helper()
	m, err := NewMapper(mapping, settings, dialect)
	require.NoError(t, err)
	return m
}

func TestNewMapperRequiredFields(t *testing.T) {
	_, err := NewMapper(model.ColumnMapping{Description: "Desc", Amount: "Amount"}, model.JobSettings{}, sniffer.Dialect{})
	assert.ErrorContains(t, err, "date")

	_, err = NewMapper(model.ColumnMapping{Date: "Date", Amount: "Amount"}, model.JobSettings{}, sniffer.Dialect{})
	assert.ErrorContains(t, err, "description")

	_, err = NewMapper(model.ColumnMapping{Date: "Date", Description: "Desc"}, model.JobSettings{}, sniffer.Dialect{})
	assert.ErrorContains(t, err, "amount")
}

func TestMapSignedAmount(t *testing.T) {
	m := newTestMapper(t,
		model.ColumnMapping{Date: "Date", Description: "Desc", Amount: "Amount"},
		model.JobSettings{},
		sniffer.Dialect{CurrencyHint: "USD"},
	)

	row := model.RawRow{Number: 3, Fields: map[string]string{
		"Date":   "2025-06-15",
		"Desc":   "  COFFEE   SHOP  ",
		"Amount": "-4.50",
	}}

	got, rerr := m.Map(row)
	require.Nil(t, rerr)
	assert.Equal(t, time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC), got.Date)
	assert.Equal(t, "COFFEE SHOP", got.Description)
	assert.Equal(t, int64(-450), got.AmountCents)
	assert.Equal(t, "USD", got.Currency)
	assert.Equal(t, model.DirectionDebit, got.Direction)
}

func TestMapDoubleEntry(t *testing.T) {
	m := newTestMapper(t,
		model.ColumnMapping{Date: "Data", Description: "Descrição", Debit: "Débito", Credit: "Crédito"},
		model.JobSettings{DecimalComma: true},
		sniffer.Dialect{DecimalComma: true, DayFirst: true, CurrencyHint: "EUR"},
	)

	t.Run("debit column", func(t *testing.T) {
		got, rerr := m.Map(model.RawRow{Number: 2, Fields: map[string]string{
			"Data": "15/06/2025", "Descrição": "CONTINENTE", "Débito": "1.234,56", "Crédito": "",
		}})
		require.Nil(t, rerr)
		assert.Equal(t, int64(-123456), got.AmountCents)
		assert.Equal(t, model.DirectionDebit, got.Direction)
	})

	t.Run("credit column", func(t *testing.T) {
		got, rerr := m.Map(model.RawRow{Number: 3, Fields: map[string]string{
			"Data": "16/06/2025", "Descrição": "TRANSF RECEBIDA", "Débito": "", "Crédito": "500,00",
		}})
		require.Nil(t, rerr)
		assert.Equal(t, int64(50000), got.AmountCents)
		assert.Equal(t, model.DirectionCredit, got.Direction)
	})

	t.Run("both empty", func(t *testing.T) {
		_, rerr := m.Map(model.RawRow{Number: 4, Fields: map[string]string{
			"Data": "16/06/2025", "Descrição": "X", "Débito": "", "Crédito": "",
		}})
		require.NotNil(t, rerr)
		assert.Equal(t, "amount", rerr.Field)
	})
}

func TestMapTypeColumnOverridesSign(t *testing.T) {
	m := newTestMapper(t,
		model.ColumnMapping{Date: "Date", Description: "Desc", Amount: "Amount", Type: "DC"},
		model.JobSettings{},
		sniffer.Dialect{},
	)

	got, rerr := m.Map(model.RawRow{Number: 1, Fields: map[string]string{
		"Date": "2025-01-10", "Desc": "ATM WITHDRAWAL", "Amount": "60.00", "DC": "D",
	}})
	require.Nil(t, rerr)
	assert.Equal(t, int64(-6000), got.AmountCents)
	assert.Equal(t, model.DirectionDebit, got.Direction)
}

func TestMapCurrencyColumn(t *testing.T) {
	m := newTestMapper(t,
		model.ColumnMapping{Date: "Date", Description: "Desc", Amount: "Amount", Currency: "Ccy"},
		model.JobSettings{},
		sniffer.Dialect{CurrencyHint: "EUR"},
	)

	got, rerr := m.Map(model.RawRow{Number: 1, Fields: map[string]string{
		"Date": "2025-01-10", "Desc": "HOTEL", "Amount": "-99.00", "Ccy": "gbp",
	}})
	require.Nil(t, rerr)
	assert.Equal(t, "GBP", got.Currency)
}

func TestParseDateFormats(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		dayFirst bool
		format   string
		want     time.Time
		wantErr  bool
	}{
		{name: "iso", raw: "2025-03-02", want: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
		{name: "compact", raw: "20250302", want: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
		{name: "day first", raw: "02/03/2025", dayFirst: true, want: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
		{name: "month first", raw: "02/03/2025", want: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)},
		{name: "dotted", raw: "02.03.2025", dayFirst: true, want: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
		{name: "explicit format wins", raw: "2025|03|02", format: "2006|01|02", want: time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
		{name: "excel serial", raw: "45723", want: time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)},
		{name: "implausible year", raw: "1899-01-01", wantErr: true},
		{name: "far future", raw: "2099-01-01", wantErr: true},
		{name: "garbage", raw: "soon", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMapper(t,
				model.ColumnMapping{Date: "Date", Description: "Desc", Amount: "Amount"},
				model.JobSettings{DateFormat: tt.format},
				sniffer.Dialect{DayFirst: tt.dayFirst},
			)
			got, rerr := m.Map(model.RawRow{Number: 1, Fields: map[string]string{
				"Date": tt.raw, "Desc": "X", "Amount": "1.00",
			}})
			if tt.wantErr {
				require.NotNil(t, rerr)
				assert.Equal(t, "date", rerr.Field)
				return
			}
			require.Nil(t, rerr)
			assert.Equal(t, tt.want, got.Date)
		})
	}
}

func TestUnmappedColumns(t *testing.T) {
	m := newTestMapper(t,
		model.ColumnMapping{Date: "Date", Description: "Desc", Amount: "Amount"},
		model.JobSettings{}, sniffer.Dialect{},
	)
	got := m.UnmappedColumns([]string{"Date", "Desc", "Amount", "Balance", "Card"})
	assert.Equal(t, []string{"Balance", "Card"}, got)
}

func TestNormalizeDescription(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"UBER *TRIP-1234  LISBOA", "uber trip 1234 lisboa"},
		{"  Coffee,   Shop!  ", "coffee shop"},
		{"PAGAMENTO SERVIÇOS", "pagamento serviços"},
		{"***", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeDescription(tt.in), tt.in)
	}
}
