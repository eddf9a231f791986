package ingest

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"paineis/internal/model"
)

const (
	// sampleMaxRunes truncates the per-column sample value.
	sampleMaxRunes = 120
	// DuplicateScanRows bounds the exact-duplicate row check.
	DuplicateScanRows = 20000
)

// ColumnInfo describes one inferred column. The JSON shape is persisted as
// the version schema and read back by dashboards and exports.
type ColumnInfo struct {
	Name      string           `json:"name"`
	Type      model.ColumnType `json:"type"`
	Role      model.ColumnRole `json:"role"`
	Sensitive bool             `json:"sensitive"`
	Sample    string           `json:"sample"`
}

// Schema is the ordered list of column descriptors of a dataset version.
type Schema []ColumnInfo

// Column returns the descriptor for name, if present.
func (s Schema) Column(name string) (ColumnInfo, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}

// HasSensitive reports whether any column is flagged as personal data.
func (s Schema) HasSensitive() bool {
	for _, c := range s {
		if c.Sensitive {
			return true
		}
	}
	return false
}

// FirstOfType returns the name of the first column of type t, or "".
func (s Schema) FirstOfType(t model.ColumnType) string {
	for _, c := range s {
		if c.Type == t {
			return c.Name
		}
	}
	return ""
}

// NumericStats holds exact aggregates of a NUMERO column, as decimal strings.
type NumericStats struct {
	Min string `json:"min"`
	Max string `json:"max"`
	Sum string `json:"sum"`
}

// Profile is the aggregate quality report of a dataset version.
type Profile struct {
	RowCount            int                     `json:"row_count"`
	ColumnCount         int                     `json:"column_count"`
	NullsByColumn       map[string]int          `json:"nulls_by_column"`
	DuplicateRowsSample int                     `json:"duplicate_rows_sample"`
	TypesSummary        map[string]int          `json:"types_summary"`
	NumericStats        map[string]NumericStats `json:"numeric_stats"`
	Warnings            []string                `json:"warnings"`
}

// BuildSchemaAndProfile infers the schema and computes the quality profile.
//
// Per column, in header order:
//   - type from the first InferSampleSize values, role from the type
//   - sensitivity from the header name
//   - first non-empty value as sample (at most 120 runes)
//   - null count over the whole column ("" is null)
//   - min/max/sum over every parsable value of NUMERO columns
//
// Exact duplicate rows are counted among the first DuplicateScanRows rows and
// only reported as a warning.
//
// The function is pure: the same headers and rows always yield equal results.
func BuildSchemaAndProfile(headers []string, rows []Row) (Schema, Profile) {
	schema := make(Schema, 0, len(headers))
	prof := Profile{
		RowCount:      len(rows),
		ColumnCount:   len(headers),
		NullsByColumn: make(map[string]int, len(headers)),
		TypesSummary:  map[string]int{},
		NumericStats:  map[string]NumericStats{},
		Warnings:      []string{},
	}

	values := make([]string, len(rows))
	for _, h := range headers {
		sample := ""
		nulls := 0
		for i, r := range rows {
			v := r[h]
			values[i] = v
			if v == "" {
				nulls++
			} else if sample == "" {
				sample = v
			}
		}

		typ := InferColumnType(values[:min(len(values), InferSampleSize)])
		schema = append(schema, ColumnInfo{
			Name:      h,
			Type:      typ,
			Role:      RoleFor(typ),
			Sensitive: IsSensitive(h),
			Sample:    truncateRunes(sample, sampleMaxRunes),
		})
		prof.NullsByColumn[h] = nulls
		prof.TypesSummary[string(typ)]++

		if typ == model.TypeNumber {
			if st, ok := numericStats(values); ok {
				prof.NumericStats[h] = st
			}
		}
	}

	prof.DuplicateRowsSample = countDuplicates(headers, rows[:min(len(rows), DuplicateScanRows)])
	if prof.DuplicateRowsSample > 0 {
		prof.Warnings = append(prof.Warnings,
			fmt.Sprintf("Foram detectadas %d linhas duplicadas na amostra.", prof.DuplicateRowsSample))
	}
	return schema, prof
}

func numericStats(values []string) (NumericStats, bool) {
	var lo, hi, sum decimal.Decimal
	seen := false
	for _, v := range values {
		d, ok := ParseNumber(v)
		if !ok {
			continue
		}
		if !seen {
			lo, hi, sum = d, d, d
			seen = true
			continue
		}
		if d.LessThan(lo) {
			lo = d
		}
		if d.GreaterThan(hi) {
			hi = d
		}
		sum = sum.Add(d)
	}
	if !seen {
		return NumericStats{}, false
	}
	return NumericStats{Min: lo.String(), Max: hi.String(), Sum: sum.String()}, true
}

// countDuplicates counts rows whose full cell tuple was already seen.
func countDuplicates(headers []string, rows []Row) int {
	seen := make(map[[sha256.Size]byte]struct{}, len(rows))
	dups := 0
	for _, r := range rows {
		k := hashRow(r, headers)
		if _, ok := seen[k]; ok {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	return dups
}

// hashRow is a deterministic SHA-256 of the ordered cell tuple.
//
// Cells are joined with the ASCII unit separator; a missing key is encoded as
// a single NUL byte so it differs from an empty cell.
func hashRow(r Row, headers []string) [sha256.Size]byte {
	var b strings.Builder
	b.Grow(len(headers) * 16)
	for i, h := range headers {
		if i > 0 {
			b.WriteByte('\x1f')
		}
		v, ok := r[h]
		if !ok {
			b.WriteByte('\x00')
			continue
		}
		b.WriteString(v)
	}
	return sha256.Sum256([]byte(b.String()))
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
