package capability

import (
	"sort"
	"strings"
	"unicode"
)

// Slugify lowercases s and joins its runs of letters and digits with '-'.
// Everything else is a separator.
func Slugify(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// Words returns the sorted, de-duplicated slug fragments of values. Empty
// values are ignored.
func Words(values ...string) []string {
	seen := map[string]struct{}{}
	for _, v := range values {
		for _, w := range strings.Split(Slugify(v), "-") {
			if w == "" {
				continue
			}
			seen[w] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
