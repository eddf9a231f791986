// Package ingest turns an uploaded spreadsheet into a normalized, typed and
// profiled table.
//
// The package is responsible for:
//   - Reading CSV, XLSX and Google Sheets (CSV export) sources into rows
//     keyed by normalized headers
//   - Parsing Brazilian/ISO dates, locale-formatted numbers and boolean tokens
//   - Inferring a type, BI role and sensitivity flag per column
//   - Building the quality profile (nulls, duplicates, numeric stats)
//   - Rendering the treated CSV, the data dictionary and the profile JSON
//
// Design constraints:
//   - Per-value parse failures never raise; they only fail to count as a hit.
//   - Only whole-file problems return errors, and those errors carry the
//     message shown to the person who uploaded the file.
//   - Everything except FetchGoogleSheet is pure and side-effect free.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"paineis/internal/model"
)

// PreviewRows is how many leading rows are kept as the version preview.
const PreviewRows = 40

// Sentinel errors. Their messages end up verbatim in the version log shown
// to end users, so they are written in Portuguese.
var (
	ErrEmptyCSV          = errors.New("Arquivo CSV está vazio.")
	ErrNoValidLines      = errors.New("Arquivo CSV sem linhas válidas.")
	ErrMissingHeader     = errors.New("Planilha XLSX sem cabeçalho na primeira linha.")
	ErrMissingSheetURL   = errors.New("URL de Google Sheets não informada.")
	ErrSheetUnreadable   = errors.New("Não foi possível ler a planilha do Google Sheets")
	ErrUnsupportedSource = errors.New("Extração de PDF/DOCX ainda é condicional no MVP. Exporte para CSV/XLSX para ingestão segura.")
	ErrUnknownSource     = errors.New("Fonte de dados não suportada para ingestão.")
	ErrNoColumns         = errors.New("Não foi possível identificar colunas no arquivo enviado.")
)

var utf8BOM = []byte("\xef\xbb\xbf")

// Input is one ingestion request.
type Input struct {
	// Raw holds the uploaded bytes. Ignored for GOOGLE_SHEETS.
	Raw []byte
	// Source is the declared source kind; matched case-insensitively.
	Source string
	// Filename is informational and echoed in Result.
	Filename string
	// GoogleSheetURL is required for GOOGLE_SHEETS sources.
	GoogleSheetURL string
	// HTTPClient overrides the client used for Google Sheets downloads.
	HTTPClient *http.Client
}

// Result is everything produced by a successful ingestion.
type Result struct {
	Source       model.Source
	Filename     string
	Headers      []string
	Rows         []Row
	PreviewRows  []Row
	Schema       Schema
	Profile      Profile
	ProcessedCSV []byte
	Warnings     []string
}

// Ingest reads, normalizes and profiles one uploaded dataset.
//
// Flow:
//   - GOOGLE_SHEETS: rewrite the link to its CSV export, download, read as CSV
//   - CSV: read as CSV
//   - XLSX: read the first worksheet
//   - PDF/DOCX: rejected with ErrUnsupportedSource
//   - anything else: rejected with ErrUnknownSource
//
// Errors:
//   - Reader errors (ErrEmptyCSV, ErrMissingHeader, ErrSheetUnreadable, ...).
//   - ErrNoColumns when the source yields no header.
func Ingest(ctx context.Context, in Input) (*Result, error) {
	source := model.ParseSource(in.Source)

	var (
		headers []string
		rows    []Row
		err     error
	)
	switch source {
	case model.SourceGoogleSheets:
		raw, ferr := FetchGoogleSheet(ctx, in.HTTPClient, in.GoogleSheetURL)
		if ferr != nil {
			return nil, ferr
		}
		headers, rows, err = ReadCSVRows(raw)
	case model.SourceCSV:
		headers, rows, err = ReadCSVRows(in.Raw)
	case model.SourceXLSX:
		headers, rows, err = ReadXLSXRows(in.Raw)
	case model.SourcePDF, model.SourceDOCX:
		return nil, ErrUnsupportedSource
	default:
		return nil, ErrUnknownSource
	}
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, ErrNoColumns
	}

	schema, prof := BuildSchemaAndProfile(headers, rows)
	processed, err := ProcessedCSV(headers, rows)
	if err != nil {
		return nil, err
	}

	return &Result{
		Source:       source,
		Filename:     in.Filename,
		Headers:      headers,
		Rows:         rows,
		PreviewRows:  rows[:min(len(rows), PreviewRows)],
		Schema:       schema,
		Profile:      prof,
		ProcessedCSV: processed,
		Warnings:     prof.Warnings,
	}, nil
}

// ProcessedCSV renders the treated CSV: UTF-8 BOM, ';' delimiter, normalized
// header row, then every row in header order.
func ProcessedCSV(headers []string, rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)

	w := newSemicolonWriter(&buf)
	if err := w.Write(headers); err != nil {
		return nil, fmt.Errorf("write treated csv header: %w", err)
	}
	for _, r := range rows {
		vals := r.Values(headers)
		if len(vals) == 1 && vals[0] == "" {
			// A lone empty field would be a blank line, which readers skip.
			w.Flush()
			buf.WriteString(emptyRecordLine)
			continue
		}
		if err := w.Write(vals); err != nil {
			return nil, fmt.Errorf("write treated csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush treated csv: %w", err)
	}
	return buf.Bytes(), nil
}

const emptyRecordLine = "\"\"\r\n"

// DataDictionaryCSV renders the data dictionary shipped in export packages:
// one line per column with name, type, role, sensitivity ("sim"/"não") and
// sample value.
func DataDictionaryCSV(schema Schema) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(utf8BOM)

	w := newSemicolonWriter(&buf)
	_ = w.Write([]string{"coluna", "tipo", "papel", "sensivel", "amostra"})
	for _, c := range schema {
		sens := "não"
		if c.Sensitive {
			sens = "sim"
		}
		_ = w.Write([]string{c.Name, string(c.Type), string(c.Role), sens, c.Sample})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write data dictionary: %w", err)
	}
	return buf.Bytes(), nil
}

// ProfileJSON renders the profile as indented JSON without HTML escaping.
func ProfileJSON(p Profile) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}
	return buf.Bytes(), nil
}

func newSemicolonWriter(buf *bytes.Buffer) *csv.Writer {
	w := csv.NewWriter(buf)
	w.Comma = ';'
	w.UseCRLF = true
	return w
}
