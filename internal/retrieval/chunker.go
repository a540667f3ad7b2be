package retrieval

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Chunk is a contiguous span of the record used as retrieval context
type Chunk struct {
	Position int
	Text     string
	terms    map[string]int
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "was": {}, "were": {}, "has": {}, "have": {},
	"this": {}, "that": {}, "from": {}, "are": {}, "not": {}, "any": {}, "does": {}, "did": {},
	"patient": {}, "whether": {}, "been": {}, "there": {}, "which": {}, "what": {}, "their": {},
}

// tokenize lower-cases text and returns its content terms
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		terms = append(terms, f)
	}
	return terms
}

// SplitChunks splits text into paragraph-aligned chunks of at most maxChars
// characters. A paragraph longer than maxChars is split on word boundaries.
func SplitChunks(text string, maxChars int) []Chunk {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	paragraphs := strings.Split(text, "\n\n")

	var chunks []Chunk
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, newChunk(len(chunks), s))
		}
		current.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) > maxChars {
			flush()
			for _, piece := range splitWords(p, maxChars) {
				chunks = append(chunks, newChunk(len(chunks), piece))
			}
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()

	return chunks
}

func splitWords(p string, maxChars int) []string {
	var pieces []string
	var b strings.Builder
	for _, w := range strings.Fields(p) {
		if b.Len() > 0 && b.Len()+len(w)+1 > maxChars {
			pieces = append(pieces, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		pieces = append(pieces, b.String())
	}
	return pieces
}

func newChunk(pos int, text string) Chunk {
	terms := make(map[string]int)
	for _, t := range tokenize(text) {
		terms[t]++
	}
	return Chunk{Position: pos, Text: text, terms: terms}
}

// rank scores chunks against a question by idf-weighted term overlap and
// returns the best k in document order. With no overlap at all the leading
// chunks are returned.
func rank(chunks []Chunk, question string, k int) []Chunk {
	if k <= 0 || len(chunks) <= k {
		return chunks
	}

	df := make(map[string]int)
	for _, c := range chunks {
		for t := range c.terms {
			df[t]++
		}
	}

	type scored struct {
		chunk Chunk
		score float64
	}
	n := float64(len(chunks))
	qterms := tokenize(question)
	all := make([]scored, len(chunks))
	for i, c := range chunks {
		var s float64
		for _, t := range qterms {
			if tf := c.terms[t]; tf > 0 {
				s += (1 + math.Log(float64(tf))) * math.Log(1+n/float64(df[t]))
			}
		}
		all[i] = scored{chunk: c, score: s}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].score > all[j].score })
	top := make([]Chunk, 0, k)
	for _, s := range all[:k] {
		top = append(top, s.chunk)
	}
	sort.Slice(top, func(i, j int) bool { return top[i].Position < top[j].Position })
	return top
}
