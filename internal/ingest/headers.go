package ingest

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeHeaders turns raw header cells into unique, ASCII-safe keys.
//
// Rules, applied per position i (1-based):
//   - blank header becomes "coluna_i"
//   - newlines become spaces, then the header is slugified
//   - a slug that ends up empty (e.g. "###") becomes "coluna_i"
//   - repeated keys get "_2", "_3", ... in order of appearance
//
// The output is the canonical header set used by every downstream step
// (schema, treated CSV, dashboard filters), so it must stay stable.
func NormalizeHeaders(raw []string) []string {
	out := make([]string, 0, len(raw))
	seen := make(map[string]int, len(raw))

	for i, h := range raw {
		pos := i + 1
		base := strings.TrimSpace(h)
		if base == "" {
			base = fmt.Sprintf("coluna_%d", pos)
		}
		base = strings.TrimSpace(strings.ReplaceAll(base, "\n", " "))

		key := strings.ReplaceAll(Slugify(base), "-", "_")
		if key == "" {
			key = fmt.Sprintf("coluna_%d", pos)
		}

		if n, dup := seen[key]; dup {
			cand := key
			for {
				n++
				cand = fmt.Sprintf("%s_%d", key, n)
				if _, taken := seen[cand]; !taken {
					break
				}
			}
			seen[key] = n
			seen[cand] = 1
			key = cand
		} else {
			seen[key] = 1
		}
		out = append(out, key)
	}
	return out
}

// asciiFold decomposes accented letters and drops every non-ASCII rune,
// so "Código Município" folds to "Codigo Municipio".
func asciiFold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.Predicate(func(r rune) bool {
		return r > unicode.MaxASCII
	})))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Slugify converts free text into a lowercase, hyphen-separated slug.
//
// Only [a-z0-9_] survive; whitespace and hyphen runs collapse into a single
// '-', and leading/trailing '-' or '_' are trimmed. Accents are folded first.
// The result is also used to name treated files ("<slug>_v3.csv").
func Slugify(s string) string {
	s = strings.ToLower(asciiFold(s))

	var b strings.Builder
	b.Grow(len(s))

	pendingSep := false
	for _, r := range s {
		switch {
		case r == '-' || unicode.IsSpace(r):
			pendingSep = true
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_':
			if pendingSep {
				b.WriteByte('-')
				pendingSep = false
			}
			b.WriteRune(r)
		default:
			// Dropped; does not break a separator run.
		}
	}
	return strings.Trim(b.String(), "-_")
}
