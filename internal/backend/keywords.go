package backend

import (
	"sort"
	"strings"
	"unicode"
)

const maxTextKeywords = 10

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "had": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true, "his": true,
	"how": true, "its": true, "who": true, "with": true, "this": true, "that": true,
	"from": true, "they": true, "have": true, "were": true, "will": true, "your": true,
}

// TextKeywords extracts up to ten keywords from free text, most frequent
// first. Ties keep the order of first appearance.
func TextKeywords(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	counts := make(map[string]int)
	var order []string
	for _, w := range words {
		if len([]rune(w)) < 3 || stopwords[w] {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > maxTextKeywords {
		order = order[:maxTextKeywords]
	}
	if order == nil {
		return []string{}
	}
	return order
}

// textConfidence grows with the amount of recognised vocabulary
func textConfidence(keywords []string) float64 {
	c := 0.3 + 0.06*float64(len(keywords))
	if c > 0.9 {
		return 0.9
	}
	return c
}
