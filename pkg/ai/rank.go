package ai

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {}, "can": {},
	"do": {}, "does": {}, "did": {}, "for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "paper": {}, "that": {}, "the": {}, "this": {}, "to": {}, "was": {},
	"were": {}, "what": {}, "when": {}, "which": {}, "who": {}, "why": {}, "with": {},
}

func terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// TopChunks returns at most k chunks most relevant to query, in document
// order. Scoring is tf-idf over query terms; without any overlap the leading
// chunks are returned. It is the fallback when no embeddings are available.
func TopChunks(chunks []string, query string, k int) []string {
	if k <= 0 || len(chunks) == 0 {
		return nil
	}
	if len(chunks) <= k {
		return append([]string(nil), chunks...)
	}
	queryTerms := make(map[string]struct{})
	for _, t := range terms(query) {
		queryTerms[t] = struct{}{}
	}

	freqs := make([]map[string]int, len(chunks))
	docFreq := make(map[string]int)
	for i, chunk := range chunks {
		tf := make(map[string]int)
		for _, t := range terms(chunk) {
			if _, ok := queryTerms[t]; ok {
				tf[t]++
			}
		}
		for t := range tf {
			docFreq[t]++
		}
		freqs[i] = tf
	}

	scores := make([]float64, len(chunks))
	n := float64(len(chunks))
	for i, tf := range freqs {
		for t, count := range tf {
			idf := math.Log(1 + n/float64(docFreq[t]))
			scores[i] += (1 + math.Log(float64(count))) * idf
		}
	}
	return pick(chunks, scores, k)
}

// TopChunksByVector returns at most k chunks whose vectors are most similar
// to query by cosine similarity, in document order. vectors[i] belongs to
// chunks[i].
func TopChunksByVector(chunks []string, vectors [][]float32, query []float32, k int) []string {
	if k <= 0 || len(chunks) == 0 {
		return nil
	}
	if len(chunks) <= k {
		return append([]string(nil), chunks...)
	}
	scores := make([]float64, len(chunks))
	for i := range chunks {
		if i < len(vectors) {
			scores[i] = cosine(vectors[i], query)
		}
	}
	return pick(chunks, scores, k)
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// pick keeps the k highest scores, ties going to earlier chunks, and
// returns the chosen chunks in their original order.
func pick(chunks []string, scores []float64, k int) []string {
	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	picked := append([]int(nil), order[:k]...)
	sort.Ints(picked)
	out := make([]string, 0, k)
	for _, idx := range picked {
		out = append(out, chunks[idx])
	}
	return out
}
