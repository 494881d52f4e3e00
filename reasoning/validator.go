package reasoning

import "strings"

// Validation is the outcome of checking a generated answer against the
// citations it was grounded on.
type Validation struct {
	Confidence float64  `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
}

// Phrases that signal the answer left the knowledge graph behind.
var outsideKnowledge = []string{
	"据我所知",
	"根据我的经验",
	"根据我的知识",
	"众所周知",
}

// Phrases that count as advising the user to see a doctor.
var doctorReminders = []string{"咨询专业医生", "咨询医生", "就医", "医院就诊"}

const drugDisclaimer = "仅供参考"

// Validate checks an answer and scores it. citations must already carry
// their Referenced flags (see MarkReferenced).
func Validate(answer string, citations []Citation) *Validation {
	v := &Validation{}

	if len(citations) > 0 && !anyReferenced(citations) {
		v.Issues = append(v.Issues, "answer does not name any retrieved entity")
	}

	for _, p := range outsideKnowledge {
		if strings.Contains(answer, p) {
			v.Issues = append(v.Issues, "answer appears to use knowledge outside the graph: "+p)
			break
		}
	}

	if mentionsMedication(answer) && !strings.Contains(answer, drugDisclaimer) {
		v.Issues = append(v.Issues, "medication advice without the reference-only disclaimer")
	}

	if !containsAny(answer, doctorReminders) {
		v.Issues = append(v.Issues, "answer does not advise consulting a doctor")
	}

	v.Confidence = ComputeConfidence(answer, citations, DefaultConfidenceWeights())
	return v
}

func anyReferenced(citations []Citation) bool {
	for _, c := range citations {
		if c.Referenced {
			return true
		}
	}
	return false
}

func mentionsMedication(answer string) bool {
	return containsAny(answer, []string{"用药", "服用", "药物", "口服"})
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
