package search

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// EditDistanceScore is the similarity given to every edit-distance match.
const EditDistanceScore = 0.9

// maxEditDistance scales the allowed distance with the length of the term.
func maxEditDistance(term string) int {
	if utf8.RuneCountInString(term) <= 3 {
		return 2
	}
	return 3
}

// editMatch reports whether the query occurs literally in one of the
// fields, or every query word is within edit distance of some field word.
func editMatch(query string, fields []string) bool {
	qwords := words(query)
	if len(qwords) == 0 {
		return false
	}
	var fieldWords []string
	for _, f := range fields {
		if strings.Contains(f, query) {
			return true
		}
		fieldWords = append(fieldWords, words(f)...)
	}

	for _, q := range qwords {
		limit := maxEditDistance(q)
		qlen := utf8.RuneCountInString(q)
		found := false
		for _, w := range fieldWords {
			wlen := utf8.RuneCountInString(w)
			if wlen-qlen > limit || qlen-wlen > limit {
				continue
			}
			if levenshtein.ComputeDistance(q, w) <= limit {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// trigrams returns the trigram set of s the way pg_trgm builds it: each word
// is padded with two spaces in front and one behind.
func trigrams(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range words(s) {
		r := []rune("  " + w + " ")
		for i := 0; i+3 <= len(r); i++ {
			set[string(r[i:i+3])] = struct{}{}
		}
	}
	return set
}

// trigramSimilarity is the Jaccard index of the trigram sets.
func trigramSimilarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for t := range a {
		if _, ok := b[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

// cosine returns the cosine similarity of two vectors, or 0 when their
// dimensions differ or either is zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
