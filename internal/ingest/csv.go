package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sniffLines is how many non-blank lines feed delimiter detection.
const sniffLines = 5

// delimiterCandidates is also the tie-break order.
var delimiterCandidates = []rune{',', ';', '\t', '|'}

// Row is one data line keyed by normalized header. Every header of the file
// is present; missing trailing cells are stored as "".
type Row map[string]string

// Values returns the row's cells in header order.
func (r Row) Values(headers []string) []string {
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = r[h]
	}
	return out
}

// ReadCSVRows parses an uploaded CSV into normalized headers and rows.
//
// Behavior:
//   - Input is decoded as UTF-8 (invalid bytes dropped) and the BOM stripped.
//   - Blank lines are discarded before parsing.
//   - The delimiter is sniffed among ',', ';', '\t' and '|' from the first
//     lines (see sniffDelimiter).
//   - The first record is the header row (normalized by NormalizeHeaders).
//   - Cells are trimmed; short rows are padded with "" and extra cells ignored.
//
// Errors:
//   - ErrEmptyCSV if no non-blank line remains.
//   - ErrNoValidLines if the parser yields no record at all.
//   - A wrapped encoding/csv error for structurally broken input.
func ReadCSVRows(raw []byte) ([]string, []Row, error) {
	lines := nonBlankLines(decodeUTF8(raw))
	if len(lines) == 0 {
		return nil, nil, ErrEmptyCSV
	}

	delim := sniffDelimiter(lines[:min(sniffLines, len(lines))])

	records, err := readRecords(strings.Join(lines, "\n"), delim)
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, ErrNoValidLines
	}

	rawHeaders := make([]string, len(records[0]))
	for i, h := range records[0] {
		rawHeaders[i] = strings.TrimSpace(h)
	}
	headers := NormalizeHeaders(rawHeaders)

	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, buildRow(headers, rec))
	}
	return headers, rows, nil
}

func buildRow(headers []string, cells []string) Row {
	row := make(Row, len(headers))
	for i, h := range headers {
		if i < len(cells) {
			row[h] = strings.TrimSpace(cells[i])
		} else {
			row[h] = ""
		}
	}
	return row
}

func readRecords(text string, delim rune) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var out [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// decodeUTF8 drops invalid UTF-8 sequences and a leading BOM.
func decodeUTF8(raw []byte) string {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	return strings.ToValidUTF8(string(raw), "")
}

// nonBlankLines splits on any line ending and keeps lines with content.
func nonBlankLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// sniffDelimiter picks the delimiter that splits every sampled line into the
// same number of fields.
//
// A candidate is consistent when it occurs (outside double quotes) the same
// non-zero number of times on every line. The consistent candidate with the
// most occurrences wins, ties going to the earlier entry of
// delimiterCandidates. With a single sampled line any present candidate is
// consistent.
//
// When no candidate is consistent, ';' is used if the sample holds more
// semicolons than commas, otherwise ','.
func sniffDelimiter(lines []string) rune {
	best := rune(0)
	bestCount := 0
	for _, d := range delimiterCandidates {
		n := -1
		for _, line := range lines {
			c := countOutsideQuotes(line, d)
			if n == -1 {
				n = c
			}
			if c == 0 || c != n {
				n = 0
				break
			}
		}
		if n > bestCount {
			best, bestCount = d, n
		}
	}
	if best != 0 {
		return best
	}

	sample := strings.Join(lines, "\n")
	if strings.Count(sample, ";") > strings.Count(sample, ",") {
		return ';'
	}
	return ','
}

func countOutsideQuotes(line string, d rune) int {
	inQuotes := false
	n := 0
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == d && !inQuotes:
			n++
		}
	}
	return n
}
