package ingest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ReadXLSXRows reads the first worksheet of an XLSX workbook.
//
// Cells are read as stored values rather than display strings, so numbers
// keep their full precision ("1200.5", not "1,200.50"). Cells whose number
// format is a date are converted to ISO text ("2026-01-31", or
// "2026-01-31 08:30:00" when a time part exists) so that type inference
// recognizes them.
//
// Leading rows that are entirely empty are skipped; the first row with any
// content is the header. Later empty rows are dropped.
//
// Errors:
//   - A wrapped excelize error when the bytes are not a readable workbook.
//   - ErrMissingHeader when the sheet has no non-empty row.
func ReadXLSXRows(raw []byte) ([]string, []Row, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, ErrMissingHeader
	}
	sheet := sheets[0]

	grid, err := f.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}

	dates := newDateStyleCache(f)

	var headers []string
	var rows []Row
	for r, cells := range grid {
		for c := range cells {
			cells[c] = strings.TrimSpace(cells[c])
			if cells[c] != "" && dates.isDateCell(sheet, c+1, r+1) {
				cells[c] = serialToISO(cells[c])
			}
		}
		if allEmpty(cells) {
			continue
		}
		if headers == nil {
			headers = NormalizeHeaders(cells)
			continue
		}
		rows = append(rows, buildRow(headers, cells))
	}

	if headers == nil {
		return nil, nil, ErrMissingHeader
	}
	return headers, rows, nil
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

// dateStyleCache remembers, per style index, whether the style's number
// format renders a date.
type dateStyleCache struct {
	f    *excelize.File
	byID map[int]bool
}

func newDateStyleCache(f *excelize.File) *dateStyleCache {
	return &dateStyleCache{f: f, byID: map[int]bool{}}
}

func (d *dateStyleCache) isDateCell(sheet string, col, row int) bool {
	ref, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return false
	}
	id, err := d.f.GetCellStyle(sheet, ref)
	if err != nil || id == 0 {
		return false
	}
	if v, ok := d.byID[id]; ok {
		return v
	}

	isDate := false
	if st, err := d.f.GetStyle(id); err == nil && st != nil {
		isDate = isDateNumFmt(st.NumFmt)
		if st.CustomNumFmt != nil {
			isDate = isDateFormatCode(*st.CustomNumFmt)
		}
	}
	d.byID[id] = isDate
	return isDate
}

// isDateNumFmt reports whether a built-in number format id is a date/time format.
func isDateNumFmt(id int) bool {
	switch {
	case id >= 14 && id <= 22:
		return true
	case id >= 27 && id <= 36:
		return true
	case id >= 45 && id <= 47:
		return true
	case id >= 50 && id <= 58:
		return true
	}
	return false
}

// isDateFormatCode inspects a custom format code ("dd/mm/yyyy", "[$-416]mmm-yy")
// for day or year tokens outside quoted literals and bracketed sections.
func isDateFormatCode(code string) bool {
	code = strings.ToLower(code)
	inQuote, inBracket := false, false
	for _, r := range code {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == '[' && !inQuote:
			inBracket = true
		case r == ']' && !inQuote:
			inBracket = false
		case inQuote || inBracket:
		case r == 'd' || r == 'y':
			return true
		}
	}
	return false
}

// serialToISO converts an Excel serial date ("46023" or "46023.354") to
// ISO text. Values that are not serial numbers are returned unchanged.
func serialToISO(v string) string {
	serial, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	t, err := excelize.ExcelDateToTime(serial, false)
	if err != nil {
		return v
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.DateTime)
}
