package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/duartevn/coinflow/internal/importer/model"
)

// excelSource iterates one sheet of a workbook through excelize's streaming
// row iterator, so large exports never load fully into memory.
type excelSource struct {
	file      *excelize.File
	rows      *excelize.Rows
	headers   []string
	chunkSize int
	chunkIdx  int
	rowNum    int
	done      bool
}

// Sheet name candidates commonly used for transaction exports.
var preferredSheets = []string{"transactions", "movimentos", "extrato", "statement", "data"}

func newExcelSource(data []byte, opts *Options) (*excelSource, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, model.NewFormatError(model.FileTypeXLSX, "could not open workbook", err)
	}

	sheet := opts.sheetName()
	if sheet == "" {
		sheet = pickSheet(f)
	}
	if sheet == "" {
		_ = f.Close()
		return nil, model.NewFormatError(model.FileTypeXLSX, "workbook has no non-empty sheet", nil)
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		_ = f.Close()
		return nil, model.NewFormatError(model.FileTypeXLSX, fmt.Sprintf("could not read sheet %q", sheet), err)
	}

	s := &excelSource{file: f, rows: rows, chunkSize: opts.chunkSize()}

	// First non-empty row is treated as the header row.
	for rows.Next() {
		s.rowNum++
		cols, err := rows.Columns()
		if err != nil {
			continue
		}
		if !rowEmpty(cols) {
			s.headers = trimAll(cols)
			break
		}
	}
	if len(s.headers) == 0 {
		_ = rows.Close()
		_ = f.Close()
		return nil, model.NewFormatError(model.FileTypeXLSX, "sheet has no header row", nil)
	}
	return s, nil
}

func (o *Options) sheetName() string {
	if o == nil {
		return ""
	}
	return o.SheetName
}

// pickSheet returns a preferred transaction sheet name, else the first sheet
// that actually contains rows.
func pickSheet(f *excelize.File) string {
	sheets := f.GetSheetList()
	for _, want := range preferredSheets {
		for _, sheet := range sheets {
			if strings.EqualFold(sheet, want) {
				return sheet
			}
		}
	}
	for _, sheet := range sheets {
		rows, err := f.Rows(sheet)
		if err != nil {
			continue
		}
		nonEmpty := false
		for rows.Next() {
			cols, err := rows.Columns()
			if err == nil && !rowEmpty(cols) {
				nonEmpty = true
				break
			}
		}
		_ = rows.Close()
		if nonEmpty {
			return sheet
		}
	}
	return ""
}

func (s *excelSource) Headers() []string { return s.headers }

func (s *excelSource) Next(ctx context.Context) (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	chunk := &Chunk{Index: s.chunkIdx}
	for len(chunk.Rows) < s.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.rows.Next() {
			s.done = true
			break
		}
		s.rowNum++

		cols, err := s.rows.Columns()
		if err != nil {
			chunk.Bad = append(chunk.Bad, &model.RowError{
				RowNumber: s.rowNum,
				Message:   fmt.Sprintf("could not read row: %v", err),
			})
			continue
		}
		if rowEmpty(cols) {
			continue
		}

		fields := make(map[string]string, len(s.headers))
		for i, h := range s.headers {
			if i < len(cols) {
				fields[h] = strings.TrimSpace(cols[i])
			}
		}
		chunk.Rows = append(chunk.Rows, model.RawRow{
			Number: s.rowNum,
			Fields: fields,
			Values: cols,
		})
	}

	if len(chunk.Rows) == 0 && len(chunk.Bad) == 0 {
		return nil, io.EOF
	}
	s.chunkIdx++
	return chunk, nil
}

func (s *excelSource) Close() error {
	if err := s.rows.Close(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// ListSheets reports workbook sheet names for the analyze endpoint.
func ListSheets(data []byte) ([]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, model.NewFormatError(model.FileTypeXLSX, "could not open workbook", err)
	}
	defer f.Close()
	return f.GetSheetList(), nil
}

func rowEmpty(cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = strings.TrimSpace(c)
	}
	return out
}
