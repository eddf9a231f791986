package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"paineis/internal/model"
)

const sampleCSV = "data;secretaria;valor\n2026-01-01;Saude;1200\n2026-01-02;Educacao;900\n"

// TestIngest_CSVScenario is the reference end-to-end scenario for CSV uploads.
func TestIngest_CSVScenario(t *testing.T) {
	t.Parallel()

	res, err := Ingest(context.Background(), Input{Raw: []byte(sampleCSV), Source: "csv", Filename: "base.csv"})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}

	if res.Source != model.SourceCSV {
		t.Fatalf("source = %s, want CSV", res.Source)
	}
	if res.Profile.RowCount != 2 || res.Profile.ColumnCount != 3 {
		t.Fatalf("profile counts = %d/%d, want 2/3", res.Profile.RowCount, res.Profile.ColumnCount)
	}

	valor, ok := res.Schema.Column("valor")
	if !ok || valor.Type != model.TypeNumber || valor.Role != model.RoleMeasure {
		t.Fatalf("valor = %+v, want NUMERO/MEDIDA", valor)
	}
	data, ok := res.Schema.Column("data")
	if !ok || data.Type != model.TypeDate {
		t.Fatalf("data = %+v, want DATA", data)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("warnings = %q, want none", res.Warnings)
	}
	if len(res.PreviewRows) != 2 {
		t.Fatalf("preview rows = %d, want 2", len(res.PreviewRows))
	}
}

// TestIngest_ProcessedCSVRoundTrip feeds the treated CSV back into the reader.
func TestIngest_ProcessedCSVRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{
			name: "quoted_delimiters",
			in: "Nome Completo,Valor Pago,Observação\n" +
				"\"Silva, Ana\",\"1.234,56\",\"tem ; ponto e vírgula\"\n" +
				"Bruno,10,\n",
		},
		{
			name: "single_column_empty_cell",
			in:   "nome\n\"\"\nJoao\n",
		},
		{
			name: "single_column_empty_last",
			in:   "nome\nJoao\n\"\"\n",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := Ingest(context.Background(), Input{Raw: []byte(tt.in), Source: "CSV"})
			if err != nil {
				t.Fatalf("Ingest() error: %v", err)
			}
			if !bytes.HasPrefix(res.ProcessedCSV, utf8BOM) {
				t.Fatalf("treated csv has no BOM")
			}

			headers, rows, err := ReadCSVRows(res.ProcessedCSV)
			if err != nil {
				t.Fatalf("ReadCSVRows(treated) error: %v", err)
			}
			if !reflect.DeepEqual(headers, res.Headers) {
				t.Fatalf("headers = %q, want %q", headers, res.Headers)
			}
			if len(rows) != res.Profile.RowCount {
				t.Fatalf("round trip rows = %d, want %d; treated=%q", len(rows), res.Profile.RowCount, res.ProcessedCSV)
			}
			if !reflect.DeepEqual(rows, res.Rows) {
				t.Fatalf("rows = %v, want %v", rows, res.Rows)
			}
		})
	}
}

// TestIngest_Errors verifies whole-file failures and their user-facing messages.
func TestIngest_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"pdf", Input{Raw: []byte("%PDF-1.4"), Source: "PDF"}, ErrUnsupportedSource},
		{"docx", Input{Raw: []byte("PK"), Source: " docx "}, ErrUnsupportedSource},
		{"unknown", Input{Raw: []byte("a"), Source: "XML"}, ErrUnknownSource},
		{"empty csv", Input{Raw: []byte("\n\n"), Source: "CSV"}, ErrEmptyCSV},
		{"sheets without url", Input{Source: "GOOGLE_SHEETS"}, ErrMissingSheetURL},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Ingest(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Ingest() err=%v, want %v", err, tt.want)
			}
		})
	}

	if !strings.Contains(ErrUnsupportedSource.Error(), "Exporte para CSV/XLSX") {
		t.Fatalf("unsupported-source message must tell the user how to convert: %q", ErrUnsupportedSource)
	}
}

func TestIngest_GoogleSheets(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleCSV))
	}))
	t.Cleanup(srv.Close)

	res, err := Ingest(context.Background(), Input{
		Source:         "GOOGLE_SHEETS",
		GoogleSheetURL: srv.URL + "/planilha.csv",
		HTTPClient:     srv.Client(),
	})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if res.Profile.RowCount != 2 {
		t.Fatalf("row count = %d, want 2", res.Profile.RowCount)
	}
}

func TestIngest_PreviewCapped(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString("id\n")
	for i := 0; i < 100; i++ {
		b.WriteString("x\n")
	}
	res, err := Ingest(context.Background(), Input{Raw: []byte(b.String()), Source: "CSV"})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if len(res.PreviewRows) != PreviewRows || len(res.Rows) != 100 {
		t.Fatalf("preview=%d rows=%d, want %d/100", len(res.PreviewRows), len(res.Rows), PreviewRows)
	}
	if res.Profile.DuplicateRowsSample != 99 {
		t.Fatalf("duplicates = %d, want 99", res.Profile.DuplicateRowsSample)
	}
}

func TestDataDictionaryCSV(t *testing.T) {
	t.Parallel()

	schema := Schema{
		{Name: "cpf", Type: model.TypeText, Role: model.RoleDimension, Sensitive: true, Sample: "123"},
		{Name: "valor", Type: model.TypeNumber, Role: model.RoleMeasure, Sample: "10;5"},
	}
	got, err := DataDictionaryCSV(schema)
	if err != nil {
		t.Fatalf("DataDictionaryCSV() error: %v", err)
	}
	want := "\ufeffcoluna;tipo;papel;sensivel;amostra\r\n" +
		"cpf;TEXTO;DIMENSAO;sim;123\r\n" +
		"valor;NUMERO;MEDIDA;não;\"10;5\"\r\n"
	if string(got) != want {
		t.Fatalf("DataDictionaryCSV() =\n%q\nwant\n%q", got, want)
	}
}

func TestProfileJSON(t *testing.T) {
	t.Parallel()

	_, prof := BuildSchemaAndProfile([]string{"a"}, []Row{{"a": "<x>"}})
	raw, err := ProfileJSON(prof)
	if err != nil {
		t.Fatalf("ProfileJSON() error: %v", err)
	}
	if !bytes.Contains(raw, []byte("\n  \"row_count\": 1,")) {
		t.Fatalf("profile json is not indented: %s", raw)
	}

	var back map[string]any
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("profile json does not parse: %v", err)
	}
	for _, key := range []string{"row_count", "column_count", "nulls_by_column", "duplicate_rows_sample", "types_summary", "numeric_stats", "warnings"} {
		if _, ok := back[key]; !ok {
			t.Fatalf("profile json missing %q", key)
		}
	}
}
