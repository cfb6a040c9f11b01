package parser

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/duartevn/coinflow/internal/importer/model"
)

const fiveRowCSV = "Date,Description,Amount\n" +
	"2025-01-02,COFFEE SHOP,-4.50\n" +
	"2025-01-03,GROCERIES,-23.45\n" +
	"2025-01-04,BOOKSTORE,-12.00\n" +
	"2025-01-05,SALARY,1850.00\n" +
	"2025-01-06,PHARMACY,-8.10\n"

func TestOpenUnsupportedType(t *testing.T) {
	_, err := Open(model.FileType("zip"), []byte("x"), nil)
	var fe *model.FormatError
	require.ErrorAs(t, err, &fe)
}

func TestCSVChunkedIteration(t *testing.T) {
	src, err := Open(model.FileTypeCSV, []byte(fiveRowCSV), &Options{ChunkSize: 2})
	require.NoError(t, err)
	defer src.Close()

	assert.Equal(t, []string{"Date", "Description", "Amount"}, src.Headers())

	ctx := context.Background()
	var sizes []int
	var lastRow model.RawRow
	for i := 0; ; i++ {
		chunk, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, i, chunk.Index)
		assert.Empty(t, chunk.Bad)
		sizes = append(sizes, len(chunk.Rows))
		lastRow = chunk.Rows[len(chunk.Rows)-1]
	}

	assert.Equal(t, []int{2, 2, 1}, sizes)
	assert.Equal(t, 6, lastRow.Number, "row numbers are 1-indexed source lines")
	assert.Equal(t, "PHARMACY", lastRow.Fields["Description"])

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF, "an exhausted source stays exhausted")
}

func TestCSVSkipsPreambleWithBlankLines(t *testing.T) {
	data := "Extrato de conta\n" +
		"\n" +
		"Data mov.;Descrição;Valor\n" +
		"02-01-2025;COMPRA CONTINENTE;-23,45\n" +
		"03-01-2025;TRANSF ORDENADO;1.850,00\n"

	src, err := Open(model.FileTypeCSV, []byte(data), nil)
	require.NoError(t, err)
	defer src.Close()

	chunk, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, chunk.Rows, 2)
	assert.Equal(t, "COMPRA CONTINENTE", chunk.Rows[0].Fields["Descrição"])
	assert.Equal(t, 4, chunk.Rows[0].Number)
}

func TestCSVLatin1Fallback(t *testing.T) {
	data := append([]byte("Date,Description,Amount\n2025-01-02,CAF"), 0xE9)
	data = append(data, []byte(" LISBOA,-4.50\n")...)

	src, err := Open(model.FileTypeCSV, data, nil)
	require.NoError(t, err)
	defer src.Close()

	chunk, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, chunk.Rows, 1)
	assert.Equal(t, "CAFé LISBOA", chunk.Rows[0].Fields["Description"])
}

func TestCSVCancellation(t *testing.T) {
	src, err := Open(model.FileTypeCSV, []byte(fiveRowCSV), nil)
	require.NoError(t, err)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCSVNoDataRows(t *testing.T) {
	_, err := Open(model.FileTypeCSV, []byte("Date,Description,Amount"), nil)
	var fe *model.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Reason, "no data rows")
}

func TestDecodeTextStripsBOM(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("Date,Amount")...)
	assert.Equal(t, []byte("Date,Amount"), DecodeText(data))
}

func TestPreview(t *testing.T) {
	rows, err := Preview([]byte(fiveRowCSV), 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "COFFEE SHOP", rows[0]["Description"])
	assert.Equal(t, "-4.50", rows[0]["Amount"])
}

func TestPreviewSemicolonDialect(t *testing.T) {
	data := []byte("Data mov.;Descrição;Valor\n02-01-2025;COMPRA CONTINENTE;-23,45\n")
	rows, err := Preview(data, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "COMPRA CONTINENTE", rows[0]["Descrição"])
	assert.Equal(t, "-23,45", rows[0]["Valor"])
}

func TestPreviewConcurrentDialects(t *testing.T) {
	eu := []byte("Data mov.;Descrição;Valor\n02-01-2025;COMPRA CONTINENTE;-23,45\n")
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			rows, err := Preview([]byte(fiveRowCSV), 0)
			assert.NoError(t, err)
			assert.Len(t, rows, 5)
			assert.Equal(t, "COFFEE SHOP", rows[0]["Description"])
		}()
		go func() {
			defer wg.Done()
			rows, err := Preview(eu, 0)
			assert.NoError(t, err)
			assert.Len(t, rows, 1)
			assert.Equal(t, "COMPRA CONTINENTE", rows[0]["Descrição"])
		}()
	}
	wg.Wait()
}

func buildWorkbook(t *testing.T, sheet string, rows [][]interface{}) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if sheet != "Sheet1" {
		require.NoError(t, f.SetSheetName("Sheet1", sheet))
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &row))
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	return buf.Bytes()
}

func TestExcelSource(t *testing.T) {
	data := buildWorkbook(t, "Movimentos", [][]interface{}{
		{"Date", "Description", "Amount"},
		{"2025-01-02", "COFFEE SHOP", "-4.50"},
		{"", "", ""},
		{"2025-01-03", "SALARY", "1850.00"},
	})

	src, err := Open(model.FileTypeXLSX, data, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"Date", "Description", "Amount"}, src.Headers())

	chunk, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, chunk.Rows, 2, "blank spreadsheet rows are skipped")
	assert.Equal(t, "COFFEE SHOP", chunk.Rows[0].Fields["Description"])
	assert.Equal(t, 2, chunk.Rows[0].Number)
	assert.Equal(t, "SALARY", chunk.Rows[1].Fields["Description"])

	_, err = src.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, src.Close())
}

func TestExcelRejectsCorruptWorkbook(t *testing.T) {
	_, err := Open(model.FileTypeXLSX, []byte("PK not actually a zip"), nil)
	var fe *model.FormatError
	require.ErrorAs(t, err, &fe)
}

func TestListSheets(t *testing.T) {
	data := buildWorkbook(t, "Extrato", [][]interface{}{{"Date", "Amount"}})
	sheets, err := ListSheets(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"Extrato"}, sheets)
}

func TestPDFRejectsUnreadableDocument(t *testing.T) {
	_, err := Open(model.FileTypePDF, []byte("%PDF-1.4 truncated garbage"), nil)
	var fe *model.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, model.FileTypePDF, fe.FileType)
}
