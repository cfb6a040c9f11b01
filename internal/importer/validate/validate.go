// Package validate runs the structural and security checks on an uploaded
// artifact before any parsing starts, so expensive parse work never touches a
// file that is already known-bad.
package validate

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/duartevn/coinflow/internal/importer/model"
)

// Result is the outcome of the validation stage.
type Result struct {
	OK          bool
	FileType    model.FileType
	Validations []model.ImportValidation
}

var extensionTypes = map[string]model.FileType{
	".csv":  model.FileTypeCSV,
	".tsv":  model.FileTypeCSV,
	".txt":  model.FileTypeCSV,
	".xlsx": model.FileTypeXLSX,
	".xls":  model.FileTypeXLS,
	".pdf":  model.FileTypePDF,
}

var declaredTypes = map[string]model.FileType{
	"text/csv":                 model.FileTypeCSV,
	"application/csv":          model.FileTypeCSV,
	"text/plain":               model.FileTypeCSV,
	"text/tab-separated-values": model.FileTypeCSV,
	"application/vnd.ms-excel": model.FileTypeXLS,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": model.FileTypeXLSX,
	"application/pdf": model.FileTypePDF,
}

// Executable and container signatures that must never reach a parser.
var executableMagic = [][]byte{
	{'M', 'Z'},                   // PE
	{0x7F, 'E', 'L', 'F'},        // ELF
	{0xCF, 0xFA, 0xED, 0xFE},     // Mach-O 64
	{0xCE, 0xFA, 0xED, 0xFE},     // Mach-O 32
	[]byte("#!"),                 // script shebang
	{0xCA, 0xFE, 0xBA, 0xBE},     // Java class / fat Mach-O
}

var formulaPrefix = regexp.MustCompile(`^[=+@]`)

// File checks size, extension/MIME/content agreement and content safety.
// A failed result carries job-level ERROR validations explaining why.
func File(filename, declaredMIME string, data []byte) Result {
	res := Result{OK: true}
	fail := func(field, msg, suggestion string) {
		res.OK = false
		res.Validations = append(res.Validations, model.ImportValidation{
			Severity:   model.SeverityError,
			Field:      field,
			Message:    msg,
			Suggestion: suggestion,
		})
	}
	warn := func(field, msg string) {
		res.Validations = append(res.Validations, model.ImportValidation{
			Severity: model.SeverityWarning,
			Field:    field,
			Message:  msg,
		})
	}

	if len(data) == 0 {
		fail("file", "file is empty", "upload a non-empty statement export")
		return res
	}
	if int64(len(data)) > model.MaxFileSizeBytes {
		fail("file", fmt.Sprintf("file size %d bytes exceeds the %d MB limit",
			len(data), model.MaxFileSizeBytes>>20), "split the export into smaller date ranges")
		return res
	}

	ext := strings.ToLower(filepath.Ext(filename))
	extType, ok := extensionTypes[ext]
	if !ok {
		fail("file", fmt.Sprintf("unsupported file extension %q", ext),
			"supported types: csv, xlsx, xls, pdf")
		return res
	}
	res.FileType = extType

	if declaredMIME != "" {
		base := strings.ToLower(strings.TrimSpace(strings.Split(declaredMIME, ";")[0]))
		if declType, known := declaredTypes[base]; known && declType != extType && !looseTypeMatch(declType, extType) {
			warn("content_type", fmt.Sprintf("declared content type %q does not match extension %q", base, ext))
		} else if !known && base != "application/octet-stream" {
			warn("content_type", fmt.Sprintf("unrecognized declared content type %q", base))
		}
	}

	if sig := executableSignature(data); sig != "" {
		fail("file", fmt.Sprintf("file content looks like an executable (%s), not a data file", sig), "")
		return res
	}

	switch extType {
	case model.FileTypeXLSX:
		if !bytes.HasPrefix(data, []byte{'P', 'K'}) {
			fail("file", "xlsx file is not a valid zip container", "re-export the spreadsheet")
		}
	case model.FileTypeXLS:
		// Legacy OLE compound file header.
		if !bytes.HasPrefix(data, []byte{0xD0, 0xCF, 0x11, 0xE0}) && !bytes.HasPrefix(data, []byte{'P', 'K'}) {
			fail("file", "xls file has an unrecognized container signature", "re-export as xlsx or csv")
		}
	case model.FileTypePDF:
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			fail("file", "pdf file is missing the PDF header", "")
		}
	case model.FileTypeCSV:
		head := data
		if len(head) > 4096 {
			head = head[:4096]
		}
		if bytes.IndexByte(head, 0) != -1 {
			fail("file", "csv file contains binary content", "export the statement as plain text CSV")
			return res
		}
		if !utf8.Valid(head) && !plausibleLatin1(head) {
			warn("encoding", "file is not valid UTF-8; falling back to Latin-1 decoding")
		}
		if sniffed := http.DetectContentType(head); strings.HasPrefix(sniffed, "application/") &&
			sniffed != "application/octet-stream" {
			fail("file", fmt.Sprintf("csv content sniffed as %q", sniffed), "")
			return res
		}
		if cell := firstFormulaCell(head); cell != "" {
			warn("content", fmt.Sprintf("cell starting with %q looks like a spreadsheet formula and will be imported as text", cell))
		}
	}

	return res
}

func looseTypeMatch(a, b model.FileType) bool {
	// Old Excel exports routinely declare ms-excel for CSV files.
	return (a == model.FileTypeXLS && b == model.FileTypeCSV) ||
		(a == model.FileTypeCSV && b == model.FileTypeXLS)
}

func executableSignature(data []byte) string {
	names := []string{"PE", "ELF", "Mach-O", "Mach-O", "script", "class"}
	for i, magic := range executableMagic {
		if bytes.HasPrefix(data, magic) {
			return names[i]
		}
	}
	return ""
}

// plausibleLatin1 accepts bytes that decode to mostly printable Latin-1 text.
func plausibleLatin1(data []byte) bool {
	control := 0
	for _, b := range data {
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return control*100 < len(data) // under 1% control bytes
}

func firstFormulaCell(head []byte) string {
	lines := strings.Split(string(head), "\n")
	for i, line := range lines {
		if i == 0 || i > 20 {
			continue // header line is exempt; only scan a prefix
		}
		for _, cell := range strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ';' || r == '\t'
		}) {
			cell = strings.Trim(strings.TrimSpace(cell), `"`)
			if cell != "" && formulaPrefix.MatchString(cell) {
				if len(cell) > 12 {
					cell = cell[:12]
				}
				return cell
			}
		}
	}
	return ""
}
