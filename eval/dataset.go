package eval

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/kaptinlin/jsonrepair"
)

// Question categories.
const (
	CategorySymptom    = "symptom"    // symptoms -> candidate diseases
	CategoryDisease    = "disease"    // facts about a named disease
	CategoryDrug       = "drug"       // treatment questions
	CategoryDepartment = "department" // which department to visit
	CategoryNoEntity   = "no-entity"  // nothing medical to link
)

// Dataset is a collection of test cases for evaluation.
type Dataset struct {
	Name  string     `json:"name"`
	Tests []TestCase `json:"tests"`
}

// TestCase defines a single evaluation question.
type TestCase struct {
	Question string `json:"question"`
	// ExpectedEntities are graph node names the linker should resolve.
	ExpectedEntities []string `json:"expected_entities"`
	// ExpectedFacts should appear in the answer. A fact may list
	// pipe-separated alternatives ("内科|呼吸内科").
	ExpectedFacts []string `json:"expected_facts"`
	Category      string   `json:"category"`
	// ExpectNoEntity marks questions that must get the fixed no-entity
	// answer.
	ExpectNoEntity bool `json:"expect_no_entity,omitempty"`
}

// MedicalDataset returns a small built-in question set covering every
// category against the public medical.json graph.
func MedicalDataset() Dataset {
	return Dataset{
		Name: "Medical QA - Built-in",
		Tests: []TestCase{
			{
				Question:         "我最近头痛发热，可能是什么病？",
				ExpectedEntities: []string{"头痛", "发热"},
				ExpectedFacts:    []string{"感冒"},
				Category:         CategorySymptom,
			},
			{
				Question:         "咳嗽、咳痰、胸痛是什么原因？",
				ExpectedEntities: []string{"咳嗽", "咳痰", "胸痛"},
				ExpectedFacts:    []string{"肺炎|支气管炎"},
				Category:         CategorySymptom,
			},
			{
				Question:         "肺炎有哪些症状？",
				ExpectedEntities: []string{"肺炎"},
				ExpectedFacts:    []string{"咳嗽", "发热"},
				Category:         CategoryDisease,
			},
			{
				Question:         "高血压需要做哪些检查？",
				ExpectedEntities: []string{"高血压"},
				ExpectedFacts:    []string{"血压"},
				Category:         CategoryDisease,
			},
			{
				Question:         "感冒吃什么药比较好？",
				ExpectedEntities: []string{"感冒"},
				ExpectedFacts:    []string{"颗粒|胶囊|片"},
				Category:         CategoryDrug,
			},
			{
				Question:         "糖尿病应该挂什么科？",
				ExpectedEntities: []string{"糖尿病"},
				ExpectedFacts:    []string{"内分泌科|内科"},
				Category:         CategoryDepartment,
			},
			{
				Question:       "今天天气怎么样？",
				Category:       CategoryNoEntity,
				ExpectNoEntity: true,
			},
		},
	}
}

// LoadDataset reads a dataset from a JSON file. Hand-edited files with
// trailing commas or unquoted keys are repaired before decoding.
func LoadDataset(path string) (Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, fmt.Errorf("reading dataset: %w", err)
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(string(data))
		if rerr != nil {
			return Dataset{}, fmt.Errorf("decoding dataset %s: %w", path, err)
		}
		if err := json.Unmarshal([]byte(repaired), &ds); err != nil {
			return Dataset{}, fmt.Errorf("decoding dataset %s: %w", path, err)
		}
	}
	if len(ds.Tests) == 0 {
		return Dataset{}, fmt.Errorf("dataset %s has no tests", path)
	}
	if ds.Name == "" {
		ds.Name = path
	}
	return ds, nil
}
