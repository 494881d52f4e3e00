package reasoning

import (
	"strings"

	"github.com/brunobiangulo/medgraph/graph"
)

// maxCitationsPerType caps cited diseases and cited symptoms separately.
const maxCitationsPerType = 5

// Citation is a graph node offered as a source for an answer.
type Citation struct {
	Type   graph.Label `json:"type"`
	Name   string      `json:"name"`
	Detail string      `json:"description,omitempty"` // disease description
	Weight *float64    `json:"weight,omitempty"`      // symptom weight
	// Referenced is set when the generated answer names this node.
	Referenced bool `json:"referenced"`
}

// ExtractCitations cites the first five diseases and then the first five
// symptoms of a subgraph, in collection order. Other categories are not
// cited.
func ExtractCitations(sg *graph.Subgraph) []Citation {
	if sg == nil {
		return nil
	}
	citations := make([]Citation, 0, min(len(sg.Diseases), maxCitationsPerType)+min(len(sg.Symptoms), maxCitationsPerType))
	for _, d := range head(sg.Diseases, maxCitationsPerType) {
		citations = append(citations, Citation{Type: graph.LabelDisease, Name: d.Name, Detail: d.Description})
	}
	for _, s := range head(sg.Symptoms, maxCitationsPerType) {
		citations = append(citations, Citation{Type: graph.LabelSymptom, Name: s.Name, Weight: s.Weight})
	}
	return citations
}

// MarkReferenced flags the citations whose name appears in answer and
// returns how many were flagged.
func MarkReferenced(answer string, citations []Citation) int {
	n := 0
	for i := range citations {
		if citations[i].Name != "" && strings.Contains(answer, citations[i].Name) {
			citations[i].Referenced = true
			n++
		}
	}
	return n
}
