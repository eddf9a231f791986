package ingest

import (
	"strings"

	"paineis/internal/model"
)

// InferSampleSize bounds how many values of a column feed type inference.
const InferSampleSize = 2000

// sensitiveHints are matched as substrings of the lower-cased header with
// underscores turned into spaces.
var sensitiveHints = []string{
	"cpf",
	"cnpj",
	"rg",
	"telefone",
	"celular",
	"email",
	"e-mail",
	"endereco",
	"endereço",
	"logradouro",
	"nascimento",
}

// InferColumnType decides the semantic type of a column from its raw values.
//
// Decision order:
//   - no non-empty value: TEXTO
//   - every non-empty value is a boolean token: BOOLEANO
//   - date hits reach the threshold: DATA
//   - number hits reach the threshold: NUMERO
//   - otherwise: TEXTO
//
// The threshold is every value for up to 5 samples and 80% (at least one)
// above that. Values are not trimmed here; readers trim cells on load.
func InferColumnType(values []string) model.ColumnType {
	var total, boolHits, dateHits, numHits int
	for _, v := range values {
		if v == "" {
			continue
		}
		total++
		if _, ok := ParseBool(v); ok {
			boolHits++
		}
		if _, ok := ParseDate(v); ok {
			dateHits++
		}
		if _, ok := ParseNumber(v); ok {
			numHits++
		}
	}
	if total == 0 {
		return model.TypeText
	}

	required := total
	if total > 5 {
		required = max(1, int(float64(total)*0.8))
	}

	switch {
	case boolHits == total:
		return model.TypeBoolean
	case dateHits >= required:
		return model.TypeDate
	case numHits >= required:
		return model.TypeNumber
	default:
		return model.TypeText
	}
}

// RoleFor maps a column type to its BI role: numbers are measures,
// everything else is a dimension.
func RoleFor(t model.ColumnType) model.ColumnRole {
	if t == model.TypeNumber {
		return model.RoleMeasure
	}
	return model.RoleDimension
}

// IsSensitive flags headers that look like personal data (CPF, phone,
// address, birth date...). The check is name-based only.
func IsSensitive(header string) bool {
	check := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(header)), "_", " ")
	for _, hint := range sensitiveHints {
		if strings.Contains(check, hint) {
			return true
		}
	}
	return false
}
