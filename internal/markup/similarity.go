package markup

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

var similarityPattern = regexp.MustCompile(`(?i)similarity:\s*([+-]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][+-]?\d+)?)`)

// Similarity is the face-match confidence reported by a comparison response.
// Found is false when the response carried no "Similarity:" line, in which
// case Score is zero.
type Similarity struct {
	Score float64 `json:"score"`
	Found bool    `json:"found"`
}

// ParseSimilarity finds the first "Similarity: <number>" occurrence. The raw
// fragment is tried first, then its text content, so values split from the
// label by inline tags are still found.
func ParseSimilarity(fragment string) Similarity {
	if s, ok := matchSimilarity(fragment); ok {
		return s
	}
	if s, ok := matchSimilarity(stripTags(fragment)); ok {
		return s
	}
	return Similarity{}
}

// ParseSimilarityFragments applies ParseSimilarity to each fragment in turn
// and returns the first found value.
func ParseSimilarityFragments(fragments []string) Similarity {
	for _, fragment := range fragments {
		if s := ParseSimilarity(fragment); s.Found {
			return s
		}
	}
	return Similarity{}
}

func matchSimilarity(text string) (Similarity, bool) {
	m := similarityPattern.FindStringSubmatch(text)
	if m == nil {
		return Similarity{}, false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Similarity{}, false
	}
	return Similarity{Score: score, Found: true}, true
}

func stripTags(fragment string) string {
	doc, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return ""
	}
	return textContent(doc)
}
