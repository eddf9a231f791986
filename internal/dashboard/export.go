package dashboard

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"path"
	"strings"

	"paineis/internal/ingest"
)

// FilteredCSV renders the filtered rows of p as a ';' CSV with a UTF-8 BOM,
// headers first. It backs the "export=csv" dashboard view.
func FilteredCSV(p Payload) ([]byte, error) {
	return ingest.ProcessedCSV(p.Headers, p.Rows)
}

// PackageInput is everything that goes into a dataset export package.
type PackageInput struct {
	DatasetName   string
	VersionNumber int
	OriginalName  string
	Original      []byte
	Treated       []byte
	Schema        ingest.Schema
	Profile       ingest.Profile
}

// TreatedFileName is the name of the treated CSV of a version, e.g.
// "receitas-2026_v3.csv". An empty dataset name falls back to "dataset".
func TreatedFileName(datasetName string, version int) string {
	base := ingest.Slugify(datasetName)
	if base == "" {
		base = "dataset"
	}
	return fmt.Sprintf("%s_v%d.csv", base, version)
}

// BuildPackage writes the dataset ZIP.
//
// Layout:
//
//	01_original/<original filename>        when an original file is present
//	02_tratado/<dataset>_v<n>.csv          when a treated file is present
//	03_dicionario/dicionario_dados.csv
//	03_dicionario/perfil.json
//
// Entries are deflate-compressed.
func BuildPackage(in PackageInput) ([]byte, error) {
	dict, err := ingest.DataDictionaryCSV(in.Schema)
	if err != nil {
		return nil, err
	}
	prof, err := ingest.ProfileJSON(in.Profile)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	type entry struct {
		name string
		data []byte
	}
	var entries []entry
	if len(in.Original) > 0 {
		name := path.Base(strings.ReplaceAll(in.OriginalName, "\\", "/"))
		if name == "" || name == "." || name == "/" {
			name = "arquivo_original"
		}
		entries = append(entries, entry{"01_original/" + name, in.Original})
	}
	if len(in.Treated) > 0 {
		entries = append(entries, entry{"02_tratado/" + TreatedFileName(in.DatasetName, in.VersionNumber), in.Treated})
	}
	entries = append(entries,
		entry{"03_dicionario/dicionario_dados.csv", dict},
		entry{"03_dicionario/perfil.json", prof},
	)

	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.name, Method: zip.Deflate})
		if err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", e.name, err)
		}
		if _, err := w.Write(e.data); err != nil {
			return nil, fmt.Errorf("zip entry %s: %w", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// newCSVReader is shared by the dashboard readers.
func newCSVReader(text string, delim rune) *csv.Reader {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return r
}
