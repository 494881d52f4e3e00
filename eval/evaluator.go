// Package eval scores the question-answering pipeline against a labelled
// question set.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/medgraph"
)

// passThreshold applies to both entity recall and accuracy.
const passThreshold = 0.5

// Evaluator runs evaluation test sets against an engine.
type Evaluator struct {
	engine medgraph.Engine
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(engine medgraph.Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string                      `json:"dataset"`
	TotalTests      int                         `json:"total_tests"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []TestResult                `json:"results"`
	RunTime         time.Duration               `json:"run_time"`
	TokenUsage      TokenUsage                  `json:"token_usage"`
}

// TokenUsage aggregates LLM token consumption across an evaluation run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AggregateMetrics holds averaged metrics across all tests.
type AggregateMetrics struct {
	AvgEntityRecall      float64 `json:"avg_entity_recall"`
	AvgEntityPrecision   float64 `json:"avg_entity_precision"`
	AvgAccuracy          float64 `json:"avg_accuracy"`
	AvgCitationCoverage  float64 `json:"avg_citation_coverage"`
	AvgSafety            float64 `json:"avg_safety"`
	AvgConfidence        float64 `json:"avg_confidence"`
	AvgElapsedMs         float64 `json:"avg_elapsed_ms"`
	LexicalFallbackShare float64 `json:"lexical_fallback_share"`
}

// TestResult holds the result of a single test case.
type TestResult struct {
	Question         string   `json:"question"`
	Category         string   `json:"category,omitempty"`
	ExpectedEntities []string `json:"expected_entities,omitempty"`
	ExpectedFacts    []string `json:"expected_facts,omitempty"`
	Answer           string   `json:"answer"`
	LinkedEntities   []string `json:"linked_entities,omitempty"`
	Strategy         string   `json:"strategy,omitempty"`
	Issues           []string `json:"issues,omitempty"`

	EntityRecall     float64 `json:"entity_recall"`
	EntityPrecision  float64 `json:"entity_precision"`
	Accuracy         float64 `json:"accuracy"`
	CitationCoverage float64 `json:"citation_coverage"`
	Safety           float64 `json:"safety"`
	Confidence       float64 `json:"confidence"`
	Passed           bool    `json:"passed"`
	Error            string  `json:"error,omitempty"`

	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	ElapsedMs        int64 `json:"elapsed_ms"`
}

// Run answers every question in dataset in order and aggregates the scores.
// Results that ended in a pipeline error count as failures and are left out
// of the averages.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset, opts ...medgraph.QueryOption) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:         dataset.Name,
		TotalTests:      len(dataset.Tests),
		CategoryMetrics: make(map[string]AggregateMetrics),
	}

	var all accumulator
	cats := make(map[string]*accumulator)

	for i, test := range dataset.Tests {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result := e.runTest(ctx, test, opts...)
		report.Results = append(report.Results, result)

		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		if result.Error != "" {
			status = "ERROR"
		}
		slog.Info("eval: test complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(dataset.Tests)),
			"status", status,
			"entity_recall", fmt.Sprintf("%.2f", result.EntityRecall),
			"accuracy", fmt.Sprintf("%.2f", result.Accuracy),
			"tokens", result.TotalTokens,
			"elapsed_ms", result.ElapsedMs,
			"question", truncate(test.Question, 40))

		report.TokenUsage.PromptTokens += result.PromptTokens
		report.TokenUsage.CompletionTokens += result.CompletionTokens
		report.TokenUsage.TotalTokens += result.TotalTokens

		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		if result.Error != "" {
			continue
		}

		all.add(result)
		if test.Category != "" {
			a, ok := cats[test.Category]
			if !ok {
				a = &accumulator{}
				cats[test.Category] = a
			}
			a.add(result)
		}
	}

	report.Metrics = all.mean()
	for cat, a := range cats {
		report.CategoryMetrics[cat] = a.mean()
	}
	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runTest(ctx context.Context, test TestCase, opts ...medgraph.QueryOption) TestResult {
	result := TestResult{
		Question:         test.Question,
		Category:         test.Category,
		ExpectedEntities: test.ExpectedEntities,
		ExpectedFacts:    test.ExpectedFacts,
	}

	res := e.engine.Query(ctx, test.Question, opts...)
	result.Answer = res.Answer
	result.Confidence = res.Confidence
	for _, ent := range res.Entities {
		result.LinkedEntities = append(result.LinkedEntities, ent.Name)
	}
	if tr := res.Trace; tr != nil {
		result.Strategy = tr.Strategy
		result.Issues = tr.Issues
		result.Error = tr.Error
		result.PromptTokens = tr.PromptTokens
		result.CompletionTokens = tr.CompletionTokens
		result.TotalTokens = tr.TotalTokens
		result.ElapsedMs = tr.ElapsedMs
	}
	if result.Error != "" {
		return result
	}

	result.EntityRecall = computeEntityRecall(res, test.ExpectedEntities)
	result.EntityPrecision = computeEntityPrecision(res, test.ExpectedEntities)
	result.CitationCoverage = computeCitationCoverage(res)
	result.Safety = computeSafety(res)

	if test.ExpectNoEntity {
		result.Accuracy = 0
		if res.Answer == medgraph.NoEntityAnswer {
			result.Accuracy = 1
		}
		result.Passed = result.Accuracy == 1
		return result
	}

	result.Accuracy = 1
	if len(test.ExpectedFacts) > 0 {
		result.Accuracy = computeAccuracy(res, test.ExpectedFacts)
	}
	result.Passed = result.EntityRecall >= passThreshold && result.Accuracy >= passThreshold
	return result
}

type accumulator struct {
	n                                                       int
	recall, precision, acc, cite, safety, conf, ms, lexical float64
}

func (a *accumulator) add(r TestResult) {
	a.n++
	a.recall += r.EntityRecall
	a.precision += r.EntityPrecision
	a.acc += r.Accuracy
	a.cite += r.CitationCoverage
	a.safety += r.Safety
	a.conf += r.Confidence
	a.ms += float64(r.ElapsedMs)
	if r.Strategy == medgraph.StrategyLexical {
		a.lexical++
	}
}

func (a *accumulator) mean() AggregateMetrics {
	if a.n == 0 {
		return AggregateMetrics{}
	}
	n := float64(a.n)
	return AggregateMetrics{
		AvgEntityRecall:      a.recall / n,
		AvgEntityPrecision:   a.precision / n,
		AvgAccuracy:          a.acc / n,
		AvgCitationCoverage:  a.cite / n,
		AvgSafety:            a.safety / n,
		AvgConfidence:        a.conf / n,
		AvgElapsedMs:         a.ms / n,
		LexicalFallbackShare: a.lexical / n,
	}
}

// FormatReport renders a report as plain text.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Evaluation Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Total: %d | Passed: %d (%.1f%%) | Failed: %d\n",
		r.TotalTests, r.Passed, passRate(r.Passed, r.TotalTests), r.Failed)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "Aggregate Metrics:\n")
	fmt.Fprintf(&b, "  Entity Recall:        %.2f\n", r.Metrics.AvgEntityRecall)
	fmt.Fprintf(&b, "  Entity Precision:     %.2f\n", r.Metrics.AvgEntityPrecision)
	fmt.Fprintf(&b, "  Accuracy:             %.2f\n", r.Metrics.AvgAccuracy)
	fmt.Fprintf(&b, "  Citation Coverage:    %.2f\n", r.Metrics.AvgCitationCoverage)
	fmt.Fprintf(&b, "  Safety:               %.2f\n", r.Metrics.AvgSafety)
	fmt.Fprintf(&b, "  Confidence:           %.2f\n", r.Metrics.AvgConfidence)
	fmt.Fprintf(&b, "  Lexical Fallback:     %.0f%%\n", r.Metrics.LexicalFallbackShare*100)
	fmt.Fprintf(&b, "  Avg Latency:          %.0fms\n\n", r.Metrics.AvgElapsedMs)

	fmt.Fprintf(&b, "Token Usage:\n")
	fmt.Fprintf(&b, "  Prompt:     %d\n", r.TokenUsage.PromptTokens)
	fmt.Fprintf(&b, "  Completion: %d\n", r.TokenUsage.CompletionTokens)
	fmt.Fprintf(&b, "  Total:      %d\n\n", r.TokenUsage.TotalTokens)

	// Per-category breakdown (sorted for deterministic output)
	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			m := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s]\n", cat)
			fmt.Fprintf(&b, "    Rec=%.2f Prec=%.2f Acc=%.2f Cite=%.2f Safe=%.2f Conf=%.2f\n",
				m.AvgEntityRecall, m.AvgEntityPrecision, m.AvgAccuracy,
				m.AvgCitationCoverage, m.AvgSafety, m.AvgConfidence)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", status, i+1, res.Question)
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
			continue
		}
		fmt.Fprintf(&b, "  Rec=%.2f Prec=%.2f Acc=%.2f Cite=%.2f Safe=%.2f Conf=%.2f  (%dms)\n",
			res.EntityRecall, res.EntityPrecision, res.Accuracy,
			res.CitationCoverage, res.Safety, res.Confidence, res.ElapsedMs)
		if len(res.LinkedEntities) > 0 {
			fmt.Fprintf(&b, "  Linked: %s\n", strings.Join(res.LinkedEntities, ", "))
		}
		for _, issue := range res.Issues {
			fmt.Fprintf(&b, "  Issue: %s\n", issue)
		}
	}

	return b.String()
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
