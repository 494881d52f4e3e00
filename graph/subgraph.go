package graph

// Per-disease caps applied when merging a disease's one-hop context.
const (
	MaxSymptomsPerDisease    = 10
	MaxDrugsPerDisease       = 10
	MaxChecksPerDisease      = 10
	MaxDepartmentsPerDisease = 5
)

// DiseaseItem is a disease collected into a subgraph. MatchScore is set
// only when the disease was reached through symptom ranking.
type DiseaseItem struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MatchScore  *float64 `json:"match_score,omitempty"`
}

// SymptomItem is a symptom collected into a subgraph.
type SymptomItem struct {
	Name   string   `json:"name"`
	Weight *float64 `json:"weight,omitempty"`
}

// DrugItem is a drug collected into a subgraph.
type DrugItem struct {
	Name  string `json:"name"`
	Usage string `json:"usage,omitempty"`
}

// CheckItem is a check collected into a subgraph.
type CheckItem struct {
	Name     string `json:"name"`
	Priority string `json:"priority,omitempty"`
}

// DepartmentItem is a department collected into a subgraph.
type DepartmentItem struct {
	Name string `json:"name"`
}

// Edge is reserved for edge-level citations and is not populated by
// expansion yet.
type Edge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

// Subgraph is the bounded, deduplicated set of nodes retrieved for one
// query. Every collection is keyed by node name; the first value added for
// a name wins. A Subgraph is built by a single goroutine and is not safe
// for concurrent mutation.
type Subgraph struct {
	Diseases      []DiseaseItem    `json:"diseases"`
	Symptoms      []SymptomItem    `json:"symptoms"`
	Drugs         []DrugItem       `json:"drugs"`
	Checks        []CheckItem      `json:"checks"`
	Departments   []DepartmentItem `json:"departments"`
	Relationships []Edge           `json:"relationships"`

	seenDiseases    map[string]bool
	seenSymptoms    map[string]bool
	seenDrugs       map[string]bool
	seenChecks      map[string]bool
	seenDepartments map[string]bool
}

// NewSubgraph returns an empty subgraph.
func NewSubgraph() *Subgraph {
	return &Subgraph{
		seenDiseases:    make(map[string]bool),
		seenSymptoms:    make(map[string]bool),
		seenDrugs:       make(map[string]bool),
		seenChecks:      make(map[string]bool),
		seenDepartments: make(map[string]bool),
	}
}

// HasDisease reports whether a disease with this name was already added.
func (g *Subgraph) HasDisease(name string) bool {
	return g.seenDiseases[name]
}

// AddDisease appends d unless a disease with the same name is present.
func (g *Subgraph) AddDisease(d DiseaseItem) bool {
	if d.Name == "" || g.seenDiseases[d.Name] {
		return false
	}
	g.seenDiseases[d.Name] = true
	g.Diseases = append(g.Diseases, d)
	return true
}

// AddSymptom appends s unless a symptom with the same name is present.
func (g *Subgraph) AddSymptom(s SymptomItem) bool {
	if s.Name == "" || g.seenSymptoms[s.Name] {
		return false
	}
	g.seenSymptoms[s.Name] = true
	g.Symptoms = append(g.Symptoms, s)
	return true
}

// AddDrug appends d unless a drug with the same name is present.
func (g *Subgraph) AddDrug(d DrugItem) bool {
	if d.Name == "" || g.seenDrugs[d.Name] {
		return false
	}
	g.seenDrugs[d.Name] = true
	g.Drugs = append(g.Drugs, d)
	return true
}

// AddCheck appends c unless a check with the same name is present.
func (g *Subgraph) AddCheck(c CheckItem) bool {
	if c.Name == "" || g.seenChecks[c.Name] {
		return false
	}
	g.seenChecks[c.Name] = true
	g.Checks = append(g.Checks, c)
	return true
}

// AddDepartment appends a department unless one with the same name is
// present.
func (g *Subgraph) AddDepartment(name string) bool {
	if name == "" || g.seenDepartments[name] {
		return false
	}
	g.seenDepartments[name] = true
	g.Departments = append(g.Departments, DepartmentItem{Name: name})
	return true
}

// MergeContext folds a disease's one-hop neighbourhood into the subgraph.
// Only the first MaxSymptomsPerDisease symptoms (and likewise for drugs,
// checks and departments) of the context are considered.
func (g *Subgraph) MergeContext(c *DiseaseContext) {
	if c == nil {
		return
	}
	for _, s := range head(c.Symptoms, MaxSymptomsPerDisease) {
		g.AddSymptom(SymptomItem{Name: s.Name, Weight: s.Weight})
	}
	for _, d := range head(c.Drugs, MaxDrugsPerDisease) {
		g.AddDrug(DrugItem{Name: d.Name, Usage: d.Usage})
	}
	for _, ck := range head(c.Checks, MaxChecksPerDisease) {
		g.AddCheck(CheckItem{Name: ck.Name, Priority: ck.Priority})
	}
	for _, dept := range head(c.Departments, MaxDepartmentsPerDisease) {
		g.AddDepartment(dept)
	}
}

// Empty reports whether no node collection holds anything.
func (g *Subgraph) Empty() bool {
	return len(g.Diseases) == 0 && len(g.Symptoms) == 0 && len(g.Drugs) == 0 &&
		len(g.Checks) == 0 && len(g.Departments) == 0
}

// Counts returns the size of each node collection.
func (g *Subgraph) Counts() (diseases, symptoms, drugs, checks, departments int) {
	return len(g.Diseases), len(g.Symptoms), len(g.Drugs), len(g.Checks), len(g.Departments)
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
