package contextbuilder

import (
	"math"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Scoring weights.
const (
	weightRecency    = 0.3
	weightSimilarity = 0.5
	weightImportance = 0.2
)

// EstimateTokens approximates tokens as one per four characters, rounded up.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Recency decays with a 24h time constant. Future timestamps count as now.
func Recency(now, ts time.Time) float64 {
	age := now.Sub(ts).Hours()
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / 24)
}

func terms(text string) map[string]float64 {
	tf := map[string]float64{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tf[w]++
	}
	return tf
}

// Similarity is the cosine of the term-frequency vectors of a and b.
func Similarity(a, b string) float64 {
	ta, tb := terms(a), terms(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	var dot, na, nb float64
	for w, x := range ta {
		na += x * x
		if y, ok := tb[w]; ok {
			dot += x * y
		}
	}
	for _, y := range tb {
		nb += y * y
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func score(query string, now time.Time, c candidate) float64 {
	return weightRecency*Recency(now, c.timestamp) +
		weightSimilarity*Similarity(query, c.text) +
		weightImportance*c.importance
}
