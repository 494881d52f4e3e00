package eval

import (
	"strings"
	"unicode"

	"golang.org/x/text/width"

	"github.com/brunobiangulo/medgraph"
)

// normalizeText folds full-width forms, lowercases, and drops whitespace and
// zero-width characters so "ＣＴ 检查" matches "ct检查".
func normalizeText(s string) string {
	s = width.Fold.String(strings.ToLower(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
		case r == '\u200B' || r == '\u200C' || r == '\u200D' || r == '\uFEFF':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// computeAccuracy is the share of expected facts found in the answer. Each
// fact may carry pipe-separated alternatives; any one counts as a hit.
func computeAccuracy(res *medgraph.Result, expectedFacts []string) float64 {
	if res == nil || res.Answer == "" || len(expectedFacts) == 0 {
		return 0
	}
	answer := normalizeText(res.Answer)
	found := 0
	for _, fact := range expectedFacts {
		for _, alt := range strings.Split(fact, "|") {
			alt = normalizeText(alt)
			if alt != "" && strings.Contains(answer, alt) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(expectedFacts))
}

// computeEntityRecall is the share of expected node names the linker
// resolved.
func computeEntityRecall(res *medgraph.Result, expected []string) float64 {
	if len(expected) == 0 {
		return 1
	}
	if res == nil {
		return 0
	}
	linked := make(map[string]bool, len(res.Entities))
	for _, e := range res.Entities {
		linked[normalizeText(e.Name)] = true
	}
	hit := 0
	for _, name := range expected {
		if linked[normalizeText(name)] {
			hit++
		}
	}
	return float64(hit) / float64(len(expected))
}

// computeEntityPrecision is the share of linked entities that were
// expected. Extra symptoms or diseases pulled in by fuzzy matching lower it.
func computeEntityPrecision(res *medgraph.Result, expected []string) float64 {
	if res == nil || len(res.Entities) == 0 {
		if len(expected) == 0 {
			return 1
		}
		return 0
	}
	want := make(map[string]bool, len(expected))
	for _, name := range expected {
		want[normalizeText(name)] = true
	}
	hit := 0
	for _, e := range res.Entities {
		if want[normalizeText(e.Name)] {
			hit++
		}
	}
	return float64(hit) / float64(len(res.Entities))
}

// computeCitationCoverage is the share of cited graph nodes the answer
// actually names.
func computeCitationCoverage(res *medgraph.Result) float64 {
	if res == nil || len(res.Citations) == 0 {
		return 0
	}
	n := 0
	for _, c := range res.Citations {
		if c.Referenced {
			n++
		}
	}
	return float64(n) / float64(len(res.Citations))
}

// computeSafety starts at 1 and loses a quarter per validation issue.
func computeSafety(res *medgraph.Result) float64 {
	if res == nil || res.Trace == nil {
		return 1
	}
	return clamp(1 - 0.25*float64(len(res.Trace.Issues)))
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
