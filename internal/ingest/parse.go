package ingest

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// trueTokens and falseTokens are compared after trimming and lower-casing.
var (
	trueTokens  = map[string]struct{}{"1": {}, "true": {}, "t": {}, "sim": {}, "s": {}, "yes": {}}
	falseTokens = map[string]struct{}{"0": {}, "false": {}, "f": {}, "nao": {}, "não": {}, "n": {}, "no": {}}
)

// dateLayouts are tried in order; the first successful parse wins.
//
// Day and month accept one or two digits, years are either four digits or,
// for the last layout, two digits (69-99 map to the 1900s).
var dateLayouts = []string{
	"2006-1-2",
	"2/1/2006",
	"2-1-2006",
	"2006/1/2",
	"2/1/06",
}

// ParseBool parses the Portuguese/English boolean tokens accepted in uploads.
//
// Edge cases:
//   - Comparison is case-insensitive and ignores surrounding whitespace.
//   - Anything outside the token sets (including "") returns ok=false.
func ParseBool(s string) (value bool, ok bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if _, hit := trueTokens[s]; hit {
		return true, true
	}
	if _, hit := falseTokens[s]; hit {
		return false, true
	}
	return false, false
}

// ParseDate parses a calendar date using the fixed layout list.
//
// Only the date part is returned (UTC midnight). Empty input, and input
// matching none of the layouts, returns ok=false.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, lay := range dateLayouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseNumber parses monetary and locale-formatted numbers into an exact decimal.
//
// Canonicalization rules:
//   - "R$" and every space are removed.
//   - When both '.' and ',' are present, the right-most one is the decimal
//     separator and the other one is a thousands separator.
//   - When only ',' is present it is the decimal separator.
//
// So "1.234,56" and "1,234.56" both parse to 1234.56, and "R$ 1.200,00" to 1200.
// ParseNumber never panics; malformed input returns ok=false.
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}

	clean := strings.ReplaceAll(s, "R$", "")
	clean = strings.ReplaceAll(clean, " ", "")

	comma := strings.LastIndexByte(clean, ',')
	dot := strings.LastIndexByte(clean, '.')
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.ReplaceAll(clean, ",", ".")
		} else {
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case comma >= 0:
		clean = strings.ReplaceAll(clean, ",", ".")
	}

	if clean == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
