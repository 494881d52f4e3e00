package reasoning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/brunobiangulo/medgraph/graph"
)

// NoInformation is the context rendered for an empty subgraph.
const NoInformation = "未找到相关信息"

// Per-section caps on rendered lines.
const (
	maxContextDiseases    = 5
	maxContextSymptoms    = 10
	maxContextDrugs       = 10
	maxContextChecks      = 10
	maxContextDepartments = 5
)

// summaryLines is the number of context lines Summarize looks at.
const summaryLines = 10

// BuildContext renders a subgraph as grounding text for the answer prompt.
// Sections appear in a fixed order (diseases, symptoms, drugs, checks,
// departments) and empty sections are omitted. The output depends only on
// the subgraph's contents.
func BuildContext(sg *graph.Subgraph) string {
	if sg == nil {
		return NoInformation
	}

	var parts []string
	// Every section but the first is preceded by a blank line.
	section := func(header string) {
		if len(parts) > 0 {
			header = "\n" + header
		}
		parts = append(parts, header)
	}

	if len(sg.Diseases) > 0 {
		section("## 相关疾病：")
		for _, d := range head(sg.Diseases, maxContextDiseases) {
			line := "- " + d.Name
			if d.Description != "" {
				line += ": " + d.Description
			}
			if d.MatchScore != nil && *d.MatchScore != 0 {
				line += fmt.Sprintf(" (匹配度: %.2f)", *d.MatchScore)
			}
			parts = append(parts, line)
		}
	}

	if len(sg.Symptoms) > 0 {
		section("## 相关症状：")
		for _, s := range head(sg.Symptoms, maxContextSymptoms) {
			line := "- " + s.Name
			if s.Weight != nil && *s.Weight != 0 {
				line += " (相关性: " + formatWeight(*s.Weight) + ")"
			}
			parts = append(parts, line)
		}
	}

	if len(sg.Drugs) > 0 {
		section("## 相关药品：")
		for _, d := range head(sg.Drugs, maxContextDrugs) {
			line := "- " + d.Name
			if d.Usage != "" {
				line += " (用法: " + d.Usage + ")"
			}
			parts = append(parts, line)
		}
	}

	if len(sg.Checks) > 0 {
		section("## 相关检查：")
		for _, c := range head(sg.Checks, maxContextChecks) {
			line := "- " + c.Name
			if c.Priority != "" {
				line += " (优先级: " + c.Priority + ")"
			}
			parts = append(parts, line)
		}
	}

	if len(sg.Departments) > 0 {
		section("## 相关科室：")
		for _, d := range head(sg.Departments, maxContextDepartments) {
			if d.Name != "" {
				parts = append(parts, "- "+d.Name)
			}
		}
	}

	if len(parts) == 0 {
		return NoInformation
	}
	return strings.Join(parts, "\n")
}

// formatWeight prints the shortest decimal that round-trips, so 0.8 renders
// as "0.8" and 1 as "1".
func formatWeight(w float64) string {
	s := strconv.FormatFloat(w, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Summarize returns the non-blank lines among the first ten lines of a
// rendered context.
func Summarize(context string) string {
	lines := strings.Split(context, "\n")
	var out []string
	for _, line := range head(lines, summaryLines) {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// BuildPrompt wraps a rendered context and the user's question in the
// grounded-answer instructions.
func BuildPrompt(question, context string) string {
	return fmt.Sprintf(answerPrompt, context, question)
}

const answerPrompt = `你是一名专业的医疗诊断助手。请基于以下知识库信息回答用户的问题。

## 知识库信息：
%s

## 用户问题：
%s

## 要求：
1. 请基于上述知识库信息回答问题，不要编造不存在的内容
2. 如果知识库中没有相关信息，请明确说明"根据现有知识库，未找到相关信息"
3. 在回答中引用具体的疾病名称、症状、药品等实体
4. 使用通俗易懂的语言，适合患者理解
5. 提供专业但谨慎的建议，提醒用户咨询专业医生
6. 如果涉及用药建议，请明确说明"以上信息仅供参考，具体用药请咨询专业医生"

## 回答：
`

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
