package reasoning

import (
	"strings"
	"unicode/utf8"
)

// ConfidenceWeights controls the relative importance of confidence factors.
type ConfidenceWeights struct {
	Coverage    float64 // share of cited entities the answer names
	Safety      float64 // doctor reminder and medication disclaimer
	Consistency float64 // absence of hedging and outside knowledge
	Length      float64 // whether the answer is substantive
}

// DefaultConfidenceWeights returns balanced weights.
func DefaultConfidenceWeights() ConfidenceWeights {
	return ConfidenceWeights{
		Coverage:    0.4,
		Safety:      0.2,
		Consistency: 0.25,
		Length:      0.15,
	}
}

// ComputeConfidence scores how well an answer is grounded in its
// citations, in [0,1].
func ComputeConfidence(answer string, citations []Citation, w ConfidenceWeights) float64 {
	if strings.TrimSpace(answer) == "" {
		return 0
	}
	score := coverageScore(citations)*w.Coverage +
		safetyScore(answer)*w.Safety +
		consistencyScore(answer)*w.Consistency +
		lengthScore(answer)*w.Length
	return min(max(score, 0), 1)
}

// coverageScore is the share of the cited diseases and symptoms the answer
// names. An answer with nothing to cite scores neutral.
func coverageScore(citations []Citation) float64 {
	if len(citations) == 0 {
		return 0.5
	}
	referenced := 0
	for _, c := range citations {
		if c.Referenced {
			referenced++
		}
	}
	return float64(referenced) / float64(len(citations))
}

func safetyScore(answer string) float64 {
	score := 0.0
	if containsAny(answer, doctorReminders) {
		score += 0.5
	}
	if !mentionsMedication(answer) || strings.Contains(answer, drugDisclaimer) {
		score += 0.5
	}
	return score
}

var hedges = []string{"不确定", "无法判断", "可能不准确", "信息不足"}

func consistencyScore(answer string) float64 {
	score := 1.0
	for _, h := range hedges {
		if strings.Contains(answer, h) {
			score -= 0.15
		}
	}
	if containsAny(answer, outsideKnowledge) {
		score -= 0.3
	}
	return max(score, 0)
}

// lengthScore favours substantive answers. Chinese text has no word
// boundaries, so length is measured in runes.
func lengthScore(answer string) float64 {
	n := utf8.RuneCountInString(answer)
	switch {
	case n < 20:
		return 0.2
	case n < 60:
		return 0.5
	case n < 200:
		return 0.8
	case n < 1500:
		return 1.0
	default:
		return 0.9
	}
}
