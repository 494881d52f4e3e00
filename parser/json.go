package parser

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kaptinlin/jsonrepair"
)

// maxLineBytes bounds one line of a line-delimited dataset.
const maxLineBytes = 16 << 20

// JSONParser reads medical.json style datasets: either a JSON array of
// disease objects or one object per line, as produced by a MongoDB export.
type JSONParser struct{}

func (p *JSONParser) SupportedFormats() []string { return []string{"json", "jsonl"} }

func (p *JSONParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}
	defer f.Close()
	return p.ParseReader(ctx, f)
}

// ParseReader detects the layout from the first non-space byte.
func (p *JSONParser) ParseReader(ctx context.Context, r io.Reader) (*ParseResult, error) {
	br := bufio.NewReader(r)
	for {
		b, err := br.Peek(1)
		if err == io.EOF {
			return &ParseResult{Method: "json"}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading dataset: %w", err)
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n', 0xEF, 0xBB, 0xBF:
			br.Discard(1)
			continue
		case '[':
			return parseArray(ctx, br)
		default:
			return parseLines(ctx, br)
		}
	}
}

func parseArray(ctx context.Context, r io.Reader) (*ParseResult, error) {
	dec := json.NewDecoder(r)
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("reading dataset array: %w", err)
	}

	res := &ParseResult{Method: "json"}
	for i := 0; dec.More(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decoding entry %d: %w", i, err)
		}
		if rec, ok := recordFromMap(m); ok {
			res.Records = append(res.Records, rec)
		} else {
			res.Skipped++
		}
	}
	return res, nil
}

func parseLines(ctx context.Context, r io.Reader) (*ParseResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	res := &ParseResult{Method: "jsonl"}
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		m, err := decodeObject(raw)
		if err != nil {
			slog.Warn("parser: skipping undecodable line", "line", line, "error", err)
			res.Skipped++
			continue
		}
		if rec, ok := recordFromMap(m); ok {
			res.Records = append(res.Records, rec)
		} else {
			res.Skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading dataset line %d: %w", line+1, err)
	}
	return res, nil
}

// decodeObject decodes one JSON object, repairing it when the plain
// decode fails.
func decodeObject(raw []byte) (map[string]any, error) {
	var m map[string]any
	err := json.Unmarshal(raw, &m)
	if err == nil {
		return m, nil
	}
	repaired, rerr := jsonrepair.JSONRepair(string(raw))
	if rerr != nil {
		return nil, err
	}
	m = nil
	if err := json.Unmarshal([]byte(repaired), &m); err != nil {
		return nil, err
	}
	return m, nil
}
