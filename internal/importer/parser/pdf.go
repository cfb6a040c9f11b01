package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/duartevn/coinflow/internal/importer/model"
)

// PDF statements have no column structure, so each supported bank layout
// carries a line grammar. Extracted lines are matched against the grammar and
// projected onto a fixed header set that the column mapper understands.
var pdfHeaders = []string{"date", "description", "amount"}

// pdfLayout is one recognizable statement format.
type pdfLayout struct {
	Name string
	// Marker must match somewhere in the extracted text for the layout to
	// claim the document.
	Marker *regexp.Regexp
	// Line must expose exactly three capture groups: date, description,
	// amount. Amount keeps its sign and thousands separators as printed.
	Line *regexp.Regexp
	// Continuation matches indented description wrap lines, one group.
	Continuation *regexp.Regexp
	// Period pulls the statement year out of the header when transaction
	// dates omit it, for example "Statement Period: Nov 01, 2024".
	Period *regexp.Regexp
}

var pdfLayouts = []pdfLayout{
	{
		Name:         "us-statement",
		Marker:       regexp.MustCompile(`(?i)statement\s+period`),
		Line:         regexp.MustCompile(`^(\d{2}/\d{2})\s+(.+?)\s+(-?[\d,]+\.\d{2})\s*$`),
		Continuation: regexp.MustCompile(`^\s{6,}(\S.*)$`),
		Period:       regexp.MustCompile(`(?i)statement\s+period[:\s]+\w+\s+\d+,?\s+(\d{4})`),
	},
	{
		Name:   "eu-statement",
		Marker: regexp.MustCompile(`(?i)extrato|data\s+mov|data\s+valor|saldo`),
		Line:   regexp.MustCompile(`^(\d{2}[-/.]\d{2}[-/.]\d{4})\s+(.+?)\s+(-?[\d.]+,\d{2})(?:\s+-?[\d.]+,\d{2})?\s*$`),
	},
	{
		Name: "iso-statement",
		// Last resort: ISO dates with plain decimal amounts.
		Marker: regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
		Line:   regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\s+(.+?)\s+(-?[\d,]+\.\d{2})\s*$`),
	},
}

// pdfSource extracts the whole document up front, then serves chunks. PDF
// statements are small so eager extraction is fine; the Source contract is
// kept for uniformity with CSV and Excel.
type pdfSource struct {
	rows      []model.RawRow
	chunkSize int
	chunkIdx  int
	offset    int
}

func newPDFSource(data []byte, opts *Options) (*pdfSource, error) {
	lines, err := extractLines(data)
	if err != nil {
		return nil, model.NewFormatError(model.FileTypePDF, "could not extract text", err)
	}
	if len(lines) == 0 {
		return nil, model.NewFormatError(model.FileTypePDF, "document contains no extractable text, scanned statements are not supported", nil)
	}

	text := strings.Join(lines, "\n")
	layout := matchLayout(text)
	if layout == nil {
		return nil, model.NewFormatError(model.FileTypePDF, "statement layout not recognized", nil)
	}

	rows := layout.parse(lines)
	if len(rows) == 0 {
		return nil, model.NewFormatError(model.FileTypePDF,
			fmt.Sprintf("layout %q matched but no transaction lines found", layout.Name), nil)
	}
	return &pdfSource{rows: rows, chunkSize: opts.chunkSize()}, nil
}

func matchLayout(text string) *pdfLayout {
	for i := range pdfLayouts {
		if pdfLayouts[i].Marker.MatchString(text) && pdfLayouts[i].Line.MatchString(firstGrammarLine(text, &pdfLayouts[i])) {
			return &pdfLayouts[i]
		}
	}
	return nil
}

// firstGrammarLine returns the first line the layout's grammar would accept,
// or "" so the caller's MatchString fails and the next layout is tried.
func firstGrammarLine(text string, l *pdfLayout) string {
	for _, line := range strings.Split(text, "\n") {
		if l.Line.MatchString(line) {
			return line
		}
	}
	return ""
}

// parse walks the extracted lines and builds raw rows. Row numbers carry the
// source line number so validation findings point back into the document.
func (l *pdfLayout) parse(lines []string) []model.RawRow {
	year := ""
	if l.Period != nil {
		if m := l.Period.FindStringSubmatch(strings.Join(lines, "\n")); len(m) > 1 {
			year = m[1]
		}
	}

	var rows []model.RawRow
	var current *model.RawRow
	for i, line := range lines {
		if m := l.Line.FindStringSubmatch(line); len(m) == 4 {
			if current != nil {
				rows = append(rows, *current)
			}
			date := m[1]
			if year != "" && len(date) == 5 {
				// MM/DD dates borrow the statement year.
				date = date + "/" + year
			}
			current = &model.RawRow{
				Number: i + 1,
				Fields: map[string]string{
					"date":        date,
					"description": strings.TrimSpace(m[2]),
					"amount":      m[3],
				},
				Values: []string{date, strings.TrimSpace(m[2]), m[3]},
			}
			continue
		}
		if current != nil && l.Continuation != nil {
			if m := l.Continuation.FindStringSubmatch(line); len(m) > 1 {
				current.Fields["description"] += " " + strings.TrimSpace(m[1])
				current.Values[1] = current.Fields["description"]
			}
		}
	}
	if current != nil {
		rows = append(rows, *current)
	}
	return rows
}

func (s *pdfSource) Headers() []string { return pdfHeaders }

func (s *pdfSource) Next(ctx context.Context) (*Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.offset >= len(s.rows) {
		return nil, io.EOF
	}
	end := s.offset + s.chunkSize
	if end > len(s.rows) {
		end = len(s.rows)
	}
	chunk := &Chunk{Index: s.chunkIdx, Rows: s.rows[s.offset:end]}
	s.offset = end
	s.chunkIdx++
	return chunk, nil
}

func (s *pdfSource) Close() error { return nil }

// extractLines reconstructs text lines from the PDF content stream, grouping
// positioned text fragments by row and ordering them left to right.
func extractLines(data []byte) ([]string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	var lines []string
	for pageNum := 1; pageNum <= r.NumPage(); pageNum++ {
		page := r.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pageNum, err)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Position > rows[j].Position })
		for _, row := range rows {
			var sb strings.Builder
			for i, word := range row.Content {
				if i > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(word.S)
			}
			line := strings.TrimRight(sb.String(), " ")
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	return lines, nil
}
