package parser

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/duartevn/coinflow/internal/importer/model"
	"github.com/duartevn/coinflow/internal/importer/sniffer"
)

// csvSource streams a delimited file chunk by chunk. Delimiter, header row
// and encoding are auto-detected; a row that fails to decode surfaces as a
// row-level error inside the chunk instead of aborting the parse.
type csvSource struct {
	reader    *csv.Reader
	headers   []string
	chunkSize int
	chunkIdx  int
	rowNum    int // 1-indexed source line of the next data row
	done      bool
}

func newCSVSource(data []byte, opts *Options) (*csvSource, error) {
	decoded := DecodeText(data)

	shape, err := sniffer.Detect(decoded)
	if err != nil {
		return nil, model.NewFormatError(model.FileTypeCSV, "could not detect file layout", err)
	}

	// Cut preamble and header at the physical line. Blank preamble lines
	// would otherwise desync a csv reader, which skips them silently.
	lines := strings.Split(string(decoded), "\n")
	if shape.HeaderLine+1 >= len(lines) {
		return nil, model.NewFormatError(model.FileTypeCSV, "file has no data rows", nil)
	}
	r := csv.NewReader(strings.NewReader(strings.Join(lines[shape.HeaderLine+1:], "\n")))
	r.Comma = shape.Delimiter
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	return &csvSource{
		reader:    r,
		headers:   shape.Headers,
		chunkSize: opts.chunkSize(),
		rowNum:    shape.HeaderLine + 2,
	}, nil
}

func (s *csvSource) Headers() []string { return s.headers }

func (s *csvSource) Next(ctx context.Context) (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	chunk := &Chunk{Index: s.chunkIdx}
	for len(chunk.Rows) < s.chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := s.reader.Read()
		if err == io.EOF {
			s.done = true
			break
		}
		if err != nil {
			chunk.Bad = append(chunk.Bad, &model.RowError{
				RowNumber: s.rowNum,
				Message:   fmt.Sprintf("could not decode row: %v", err),
			})
			s.rowNum++
			continue
		}

		fields := make(map[string]string, len(s.headers))
		for i, h := range s.headers {
			if i < len(record) {
				fields[h] = strings.TrimSpace(record[i])
			}
		}
		chunk.Rows = append(chunk.Rows, model.RawRow{
			Number: s.rowNum,
			Fields: fields,
			Values: record,
		})
		s.rowNum++
	}

	if len(chunk.Rows) == 0 && len(chunk.Bad) == 0 {
		return nil, io.EOF
	}
	s.chunkIdx++
	return chunk, nil
}

func (s *csvSource) Close() error { return nil }

// Preview returns up to limit raw rows as header->value maps for the analyze
// endpoint. The reader is scoped to the detected dialect, so concurrent
// previews of differently shaped files never interfere.
func Preview(data []byte, limit int) ([]map[string]string, error) {
	decoded := DecodeText(data)
	shape, err := sniffer.Detect(decoded)
	if err != nil {
		return nil, err
	}

	// Cut metadata lines above the header at the physical line.
	lines := strings.Split(string(decoded), "\n")
	if shape.HeaderLine+1 >= len(lines) {
		return nil, nil
	}
	r := csv.NewReader(strings.NewReader(strings.Join(lines[shape.HeaderLine+1:], "\n")))
	r.Comma = shape.Delimiter
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("preview parse: %w", err)
		}
		row := make(map[string]string, len(shape.Headers))
		for i, h := range shape.Headers {
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			}
		}
		rows = append(rows, row)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}
