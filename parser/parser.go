// Package parser reads disease datasets into graph records.
package parser

import (
	"context"
	"strings"

	"github.com/spf13/cast"

	"github.com/brunobiangulo/medgraph/graph"
)

// ParseResult is what a parser produces from a dataset file.
type ParseResult struct {
	Records []graph.Record
	Method  string // "json", "jsonl", "xlsx"
	// Skipped counts entries that had no disease name or could not be
	// decoded even after repair.
	Skipped int
}

// Parser can parse a specific dataset format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// listSeparators split list fields given as a single string.
var listSeparators = []string{",", "，", "、", ";", "；", "\n"}

// recordFromMap builds a record from one decoded dataset entry. Scalars of
// any JSON type are coerced to strings and list fields accept either an
// array or a delimited string. ok is false when the entry has no name.
func recordFromMap(m map[string]any) (graph.Record, bool) {
	str := func(key string) string {
		return strings.TrimSpace(cast.ToString(m[key]))
	}
	list := func(key string) []string {
		return splitList(m[key])
	}

	rec := graph.Record{
		Disease: graph.Disease{
			Name:           str("name"),
			Desc:           str("desc"),
			Category:       list("category"),
			Cause:          str("cause"),
			Prevent:        str("prevent"),
			YibaoStatus:    str("yibao_status"),
			GetProb:        str("get_prob"),
			EasyGet:        str("easy_get"),
			GetWay:         str("get_way"),
			CureDepartment: list("cure_department"),
			CureWay:        list("cure_way"),
			CureLasttime:   str("cure_lasttime"),
			CuredProb:      str("cured_prob"),
			CostMoney:      str("cost_money"),
		},
		Symptoms:         list("symptom"),
		Drugs:            list("recommand_drug"),
		Checks:           list("check"),
		GoodFoods:        list("do_eat"),
		RecommendedFoods: list("recommand_eat"),
		BadFoods:         list("not_eat"),
		Complications:    list("acompany"),
	}
	return rec, rec.Name != ""
}

// splitList normalizes a list field: blank items are dropped and the first
// occurrence of each item is kept.
func splitList(v any) []string {
	var items []string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		items = []string{t}
		for _, sep := range listSeparators {
			var next []string
			for _, it := range items {
				next = append(next, strings.Split(it, sep)...)
			}
			items = next
		}
	case []any:
		for _, it := range t {
			items = append(items, cast.ToString(it))
		}
	default:
		items = cast.ToStringSlice(v)
	}

	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
