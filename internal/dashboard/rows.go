package dashboard

import (
	"bytes"
	"fmt"
	"strings"

	"paineis/internal/ingest"
	"paineis/internal/model"
)

// LoadRowsFromCSV reads a treated CSV back into rows for dashboard use.
//
// The delimiter is ';' when the first lines hold at least as many semicolons
// as commas, ',' otherwise. Header names are trimmed and blank header cells
// are dropped; cells are trimmed. Empty input yields no headers and no rows
// rather than an error.
func LoadRowsFromCSV(raw []byte) ([]string, []ingest.Row, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	text := strings.ToValidUTF8(string(raw), "")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, nil, nil
	}

	sample := strings.Join(lines[:min(5, len(lines))], "\n")
	delim := ','
	if strings.Count(sample, ";") >= strings.Count(sample, ",") {
		delim = ';'
	}

	records, err := newCSVReader(strings.Join(lines, "\n"), delim).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read treated csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	type col struct {
		name string
		idx  int
	}
	var cols []col
	var headers []string
	for i, h := range records[0] {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		cols = append(cols, col{name: h, idx: i})
		headers = append(headers, h)
	}

	rows := make([]ingest.Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(ingest.Row, len(cols))
		for _, c := range cols {
			v := ""
			if c.idx < len(rec) {
				v = strings.TrimSpace(rec[c.idx])
			}
			row[c.name] = v
		}
		rows = append(rows, row)
	}
	return headers, rows, nil
}

// FallbackSchema types every header as TEXTO, for versions whose stored
// schema is missing.
func FallbackSchema(headers []string) ingest.Schema {
	out := make(ingest.Schema, len(headers))
	for i, h := range headers {
		out[i] = ingest.ColumnInfo{Name: h, Type: model.TypeText, Role: model.RoleDimension}
	}
	return out
}
