package bookdesk

import (
	"regexp"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

var reg = regexp.MustCompile("[^a-z]+")

var uselessWords = []string{
	"le", "la", "et",
	"de", "het", "en",
	"the", "and", "a", "an",
}

// GetMetaphoneKeys returns the sorted, unique double metaphone keys of the
// words in s, skipping filler words.
func GetMetaphoneKeys(s string) []string {
	parts := metaphonify(s)

	parts = unique(parts)

	sort.Strings(parts)

	return parts
}

func metaphonify(s string) []string {
	var nameParts []string
	names := strings.Fields(strings.ToLower(s))
	for _, name := range names {
		cleaned := reg.ReplaceAllString(name, "")
		if cleaned == "" || isUseless(cleaned) {
			continue
		}
		a, _ := matchr.DoubleMetaphone(cleaned)
		if len(a) >= 1 {
			nameParts = append(nameParts, a)
		}
	}
	return nameParts
}

func isUseless(w string) bool {
	for _, u := range uselessWords {
		if u == w {
			return true
		}
	}
	return false
}

func unique(input []string) []string {
	u := make([]string, 0, len(input))
	m := make(map[string]bool)

	for _, val := range input {
		if _, ok := m[val]; !ok {
			m[val] = true
			u = append(u, val)
		}
	}

	return u
}
