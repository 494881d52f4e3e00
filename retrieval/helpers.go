package retrieval

import (
	"regexp"
	"sort"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// hanRunRe matches maximal runs of CJK ideographs.
var hanRunRe = regexp.MustCompile(`\p{Han}+`)

// Keyword length bounds, in runes.
const (
	minKeywordLen = 2
	maxKeywordLen = 4
	maxPairLen    = 4
	minTripleLen  = 3
	maxTripleLen  = 6
)

// extractKeywords splits a question into candidate medical terms without
// consulting the model.
//
// Each maximal Han run that is not a stop word and is 2 to 4 runes long is
// a keyword. Adjacent runs are also joined in pairs (2 to 4 runes) and
// triples (3 to 6 runes) when none of the parts is a stop word, so
// "头痛，发热" yields 头痛, 发热 and 头痛发热. The result is deduplicated in
// first-seen order and then stably sorted longest first.
func extractKeywords(question string) []string {
	runs := hanRunRe.FindAllString(width.Fold.String(question), -1)

	var keywords []string
	for _, w := range runs {
		if !isStopWord(w) && between(w, minKeywordLen, maxKeywordLen) {
			keywords = append(keywords, w)
		}
	}

	for i := 0; i+1 < len(runs); i++ {
		if isStopWord(runs[i]) || isStopWord(runs[i+1]) {
			continue
		}
		pair := runs[i] + runs[i+1]
		if between(pair, minKeywordLen, maxPairLen) {
			keywords = append(keywords, pair)
		}
		if i+2 < len(runs) && !isStopWord(runs[i+2]) {
			triple := pair + runs[i+2]
			if between(triple, minTripleLen, maxTripleLen) {
				keywords = append(keywords, triple)
			}
		}
	}

	seen := make(map[string]bool, len(keywords))
	unique := keywords[:0]
	for _, k := range keywords {
		if !seen[k] {
			seen[k] = true
			unique = append(unique, k)
		}
	}

	sort.SliceStable(unique, func(i, j int) bool {
		return utf8.RuneCountInString(unique[i]) > utf8.RuneCountInString(unique[j])
	})
	return unique
}

func between(s string, lo, hi int) bool {
	n := utf8.RuneCountInString(s)
	return n >= lo && n <= hi
}

// stopWords are question words and particles that never name an entity.
var stopWords = map[string]bool{
	"的": true, "了": true, "是": true, "我": true, "有": true,
	"什么": true, "怎么": true, "如何": true, "应该": true, "可能": true,
	"怎么办": true, "会": true, "能": true, "要": true, "吗": true, "呢": true,
}

func isStopWord(w string) bool {
	return stopWords[w]
}
