// Package pii handles CPF numbers (Brazilian taxpayer ids) found in uploaded
// datasets: normalization, display masking, keyed hashing for joins and
// reversible AES-256-GCM encryption.
package pii

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMissingKey is returned when a keyed operation is called without a key.
var ErrMissingKey = errors.New("pii: key not configured")

const cpfDigits = 11

// NormalizeCPF keeps only the ASCII digits of s ("123.456.789-01" becomes
// "12345678901"). It does not validate check digits.
func NormalizeCPF(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// MaskCPF renders "***.***.***-NN" keeping the two check digits. Values that
// do not normalize to exactly 11 digits yield "".
func MaskCPF(s string) string {
	d := NormalizeCPF(s)
	if len(d) != cpfDigits {
		return ""
	}
	return "***.***.***-" + d[9:]
}

// LooksLikeCPF reports whether s normalizes to 11 digits.
func LooksLikeCPF(s string) bool {
	return len(NormalizeCPF(s)) == cpfDigits
}

// HashCPF returns hex(HMAC-SHA256(key, normalized cpf)). The same CPF always
// hashes to the same value under one key, whatever its punctuation.
func HashCPF(value, key string) (string, error) {
	if key == "" {
		return "", ErrMissingKey
	}
	m := hmac.New(sha256.New, []byte(key))
	m.Write([]byte(NormalizeCPF(value)))
	return hex.EncodeToString(m.Sum(nil)), nil
}

// IsFormattedCPF reports whether s is written "ddd.ddd.ddd-dd".
func IsFormattedCPF(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 14 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch i {
		case 3, 7:
			if c != '.' {
				return false
			}
		case 11:
			if c != '-' {
				return false
			}
		default:
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// MaskSensitive hides the value of a sensitive column for display. Values of
// a column whose name mentions "cpf", or values written with CPF punctuation,
// keep their check digits; everything else becomes "***". Phone numbers with
// area code also have 11 digits, so digit count alone is not enough.
func MaskSensitive(column, value string) string {
	if value == "" {
		return ""
	}
	cpfColumn := strings.Contains(strings.ToLower(column), "cpf")
	if (cpfColumn && LooksLikeCPF(value)) || IsFormattedCPF(value) {
		return MaskCPF(value)
	}
	return "***"
}
