package sharing

import (
	"pdserver/records"
	"sort"
	"strings"
	"unicode"
)

// SearchWords collects the lowercase words of the given fields, sorted and without duplicates
func SearchWords(r records.Record, fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	seen := map[string]bool{}
	for _, f := range fields {
		var texts []string
		switch v := r[f].(type) {
		case string:
			texts = []string{v}
		case []string, []any:
			texts = r.Strings(f)
		}
		for _, text := range texts {
			for _, w := range strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
				return !unicode.IsLetter(c) && !unicode.IsDigit(c)
			}) {
				seen[w] = true
			}
		}
	}
	result := make([]string, 0, len(seen))
	for w := range seen {
		result = append(result, w)
	}
	sort.Strings(result)
	return result
}
