package graph

import "strings"

// Label is a node label in the medical knowledge graph.
type Label string

// Node labels. Food only appears in disease context (dietary advice) and is
// never produced by mention extraction.
const (
	LabelDisease    Label = "Disease"
	LabelSymptom    Label = "Symptom"
	LabelDrug       Label = "Drug"
	LabelCheck      Label = "Check"
	LabelDepartment Label = "Department"
	LabelFood       Label = "Food"
	LabelUnknown    Label = "Unknown"
)

// LinkPriority is the order in which labels are tried when a mention
// carries no type guess.
var LinkPriority = []Label{LabelSymptom, LabelDisease, LabelDrug, LabelCheck, LabelDepartment}

// ParseLabel maps a free-form type string to one of the five extractable
// labels. Anything else, including Food, resolves to LabelUnknown.
func ParseLabel(s string) Label {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disease":
		return LabelDisease
	case "symptom":
		return LabelSymptom
	case "drug":
		return LabelDrug
	case "check":
		return LabelCheck
	case "department":
		return LabelDepartment
	default:
		return LabelUnknown
	}
}

// Known reports whether l is one of the extractable labels.
func (l Label) Known() bool {
	return ParseLabel(string(l)) != LabelUnknown
}

// Relation type constants. The spelling of RECOMMAND_DRUG follows the
// source dataset.
const (
	RelHasSymptom        = "HAS_SYMPTOM"
	RelRecommandDrug     = "RECOMMAND_DRUG"
	RelNeedCheck         = "NEED_CHECK"
	RelBelongsDepartment = "BELONGS_DEPARTMENT"
	RelShouldEat         = "SHOULD_EAT"
	RelShouldAvoid       = "SHOULD_AVOID"
	RelComplication      = "COMPLICATION"
)

// DefaultSymptomWeight is the HAS_SYMPTOM weight assigned on import when
// the source record carries none.
const DefaultSymptomWeight = 0.8

// Node is a single result of a name lookup.
type Node struct {
	Name        string `json:"name"`
	Label       Label  `json:"type"`
	Description string `json:"description,omitempty"`
}

// DiseaseMatch is a disease ranked against a set of query symptoms.
type DiseaseMatch struct {
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	MatchScore      float64 `json:"match_score"`
	MatchedSymptoms int     `json:"matched_symptoms"`
}

// Disease holds a disease node's own attributes.
type Disease struct {
	Name           string   `json:"name"`
	Desc           string   `json:"desc"`
	Category       []string `json:"category,omitempty"`
	Cause          string   `json:"cause,omitempty"`
	Prevent        string   `json:"prevent,omitempty"`
	YibaoStatus    string   `json:"yibao_status,omitempty"`
	GetProb        string   `json:"get_prob,omitempty"`
	EasyGet        string   `json:"easy_get,omitempty"`
	GetWay         string   `json:"get_way,omitempty"`
	CureDepartment []string `json:"cure_department,omitempty"`
	CureWay        []string `json:"cure_way,omitempty"`
	CureLasttime   string   `json:"cure_lasttime,omitempty"`
	CuredProb      string   `json:"cured_prob,omitempty"`
	CostMoney      string   `json:"cost_money,omitempty"`
}

// SymptomRef is a symptom reached from a disease over HAS_SYMPTOM.
type SymptomRef struct {
	Name   string   `json:"name"`
	Weight *float64 `json:"weight,omitempty"`
}

// DrugRef is a drug reached over RECOMMAND_DRUG.
type DrugRef struct {
	Name  string `json:"name"`
	Usage string `json:"usage,omitempty"`
}

// CheckRef is a check reached over NEED_CHECK.
type CheckRef struct {
	Name     string `json:"name"`
	Priority string `json:"priority,omitempty"`
}

// FoodRef is a food reached over SHOULD_EAT or SHOULD_AVOID.
type FoodRef struct {
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// ComplicationRef is a disease reached over COMPLICATION.
type ComplicationRef struct {
	Name        string `json:"name"`
	Probability string `json:"probability,omitempty"`
}

// DiseaseContext is the one-hop neighbourhood of a disease.
type DiseaseContext struct {
	Disease       Disease           `json:"disease"`
	Symptoms      []SymptomRef      `json:"symptoms"`
	Drugs         []DrugRef         `json:"drugs"`
	Checks        []CheckRef        `json:"checks"`
	Departments   []string          `json:"departments"`
	GoodFoods     []FoodRef         `json:"should_eat"`
	BadFoods      []FoodRef         `json:"should_avoid"`
	Complications []ComplicationRef `json:"complications"`
}

// Drug holds a drug node's attributes.
type Drug struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// DrugUse is a drug recommended for a disease, with edge attributes.
type DrugUse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Usage       string `json:"usage,omitempty"`
	Frequency   string `json:"frequency,omitempty"`
}
