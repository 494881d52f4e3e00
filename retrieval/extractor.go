package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
	"github.com/spf13/cast"

	"github.com/brunobiangulo/medgraph/graph"
	"github.com/brunobiangulo/medgraph/llm"
)

// MentionSource records which extraction strategy produced a mention.
type MentionSource string

const (
	SourceModel   MentionSource = "model"
	SourceLexical MentionSource = "lexical"
)

// Default confidences.
const (
	// DefaultModelConfidence applies when the model omits a confidence.
	DefaultModelConfidence = 0.8
	// RecoveredConfidence applies to mentions salvaged from malformed output.
	RecoveredConfidence = 0.7
)

// extractTimeout caps a single extraction call to the model.
const extractTimeout = 30 * time.Second

// Mention is a candidate medical term found in a question, before it is
// resolved against the graph.
type Mention struct {
	Text       string        `json:"text"`
	Type       graph.Label   `json:"type"`
	Confidence float64       `json:"confidence"`
	Source     MentionSource `json:"source"`
}

// mentionPrompt asks the model for typed entities as strict JSON.
const mentionPrompt = `你是一名专业的医疗实体识别专家。请从下面的医疗问题中提取所有医疗实体，并判断每个实体的类型。

实体类型只能是以下五种之一：
- Disease（疾病）：如感冒、高血压、糖尿病
- Symptom（症状）：如头痛、发热、咳嗽、胸闷
- Drug（药品）：如阿司匹林、布洛芬
- Check（检查项）：如血常规、CT检查
- Department（科室）：如内科、外科

只返回如下格式的 JSON，不要任何解释：
{"entities": [{"name": "实体名称", "type": "实体类型", "confidence": 0.9}]}

要求：
1. 只提取明确的医疗实体，不要提取疑问词、语气词
2. 实体名称使用标准医学术语
3. 没有医疗实体时返回 {"entities": []}

示例：
问题：我头痛发热，可能是什么病？
{"entities": [{"name": "头痛", "type": "Symptom", "confidence": 0.95}, {"name": "发热", "type": "Symptom", "confidence": 0.95}]}

问题：感冒有什么症状？
{"entities": [{"name": "感冒", "type": "Disease", "confidence": 0.98}]}

问题：高血压应该吃什么药？
{"entities": [{"name": "高血压", "type": "Disease", "confidence": 0.98}]}

问题：%s
`

// Extractor turns a question into candidate mentions.
type Extractor struct {
	chat llm.Provider
}

// NewExtractor creates an extractor. chat may be nil, in which case only
// lexical extraction is available.
func NewExtractor(chat llm.Provider) *Extractor {
	return &Extractor{chat: chat}
}

// Extract runs model extraction and falls back to lexical extraction when
// the model yields nothing.
func (x *Extractor) Extract(ctx context.Context, question string) []Mention {
	if m := x.ExtractWithModel(ctx, question); len(m) > 0 {
		return m
	}
	return x.ExtractLexical(question)
}

// ExtractWithModel asks the model for typed mentions. Model errors and
// unusable output are logged and produce no mentions.
func (x *Extractor) ExtractWithModel(ctx context.Context, question string) []Mention {
	question = strings.TrimSpace(question)
	if question == "" || x.chat == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	start := time.Now()
	resp, err := x.chat.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "user", Content: fmt.Sprintf(mentionPrompt, question)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		slog.Warn("extract: model call failed", "error", err,
			"elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	}

	mentions := parseMentions(resp.Content)
	slog.Debug("extract: model mentions", "count", len(mentions),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return mentions
}

// ExtractLexical splits the question into keywords. Lexical mentions carry
// no type guess and no confidence.
func (x *Extractor) ExtractLexical(question string) []Mention {
	keywords := extractKeywords(question)
	mentions := make([]Mention, 0, len(keywords))
	for _, k := range keywords {
		mentions = append(mentions, Mention{Text: k, Type: graph.LabelUnknown, Source: SourceLexical})
	}
	slog.Debug("extract: lexical mentions", "keywords", keywords)
	return mentions
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// extractJSON finds the JSON object in a model response, tolerating code
// fences and chatter around it.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	if start >= 0 {
		// Truncated output; let the repair pass close it.
		return raw[start:], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

type entityResult struct {
	Entities []map[string]any `json:"entities"`
}

// parseMentions decodes the model's entity JSON. Malformed JSON is first
// repaired; if that fails the response is scanned line by line for
// "name: type" fragments.
func parseMentions(raw string) []Mention {
	jsonStr, err := extractJSON(raw)
	if err == nil {
		var res entityResult
		if err = json.Unmarshal([]byte(jsonStr), &res); err != nil {
			repaired, rerr := jsonrepair.JSONRepair(jsonStr)
			if rerr == nil {
				err = json.Unmarshal([]byte(repaired), &res)
			}
		}
		if err == nil {
			return validMentions(res.Entities)
		}
	}

	slog.Warn("extract: model output is not valid JSON, recovering lines",
		"error", err, "content", truncateRunes(raw, 200))
	return recoverMentions(raw)
}

func validMentions(entities []map[string]any) []Mention {
	var out []Mention
	for _, e := range entities {
		rawName, okName := e["name"]
		rawType, okType := e["type"]
		if !okName || !okType {
			continue
		}
		name := strings.TrimSpace(cast.ToString(rawName))
		typ := strings.TrimSpace(cast.ToString(rawType))
		if name == "" || typ == "" {
			continue
		}
		out = append(out, Mention{
			Text:       name,
			Type:       graph.ParseLabel(typ),
			Confidence: confidenceOf(e["confidence"]),
			Source:     SourceModel,
		})
	}
	return out
}

// confidenceOf coerces a model-supplied confidence, which may arrive as a
// number or a string, into [0,1].
func confidenceOf(v any) float64 {
	if v == nil {
		return DefaultModelConfidence
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return DefaultModelConfidence
	}
	return min(max(f, 0), 1)
}

// recoverLineRe matches "name: type", "name - type" and "name (type)".
var recoverLineRe = regexp.MustCompile(`^[-*•\s]*["'“]?([^"'“”:：()（）\-]+?)["'”]?\s*(?:[:：\-]|[(（])\s*["']?([A-Za-z]+)`)

// recoverMentions salvages mentions from output that is not JSON. Lines
// that look like JSON, lines whose type is not one of the known labels and
// names shorter than two runes are skipped.
func recoverMentions(raw string) []Mention {
	var out []Mention
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			continue
		}
		m := recoverLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.TrimSpace(m[1])
		label := graph.ParseLabel(m[2])
		if utf8.RuneCountInString(name) < 2 || label == graph.LabelUnknown {
			continue
		}
		out = append(out, Mention{Text: name, Type: label, Confidence: RecoveredConfidence, Source: SourceModel})
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
