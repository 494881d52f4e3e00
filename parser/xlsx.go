package parser

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXParser reads a spreadsheet whose first row names the dataset fields
// (name, desc, symptom, ...). List cells hold delimited values. Only the
// active sheet is read.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx"} }

func (p *XLSXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()
	return p.ParseReader(ctx, f)
}

func (p *XLSXParser) ParseReader(ctx context.Context, r io.Reader) (*ParseResult, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("no data found in XLSX")
	}
	header, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	res := &ParseResult{Method: "xlsx"}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cells, err := rows.Columns()
		if err != nil {
			res.Skipped++
			continue
		}
		m := make(map[string]any, len(header))
		for i, v := range cells {
			if i >= len(header) || header[i] == "" || v == "" {
				continue
			}
			m[header[i]] = v
		}
		if len(m) == 0 {
			continue
		}
		if rec, ok := recordFromMap(m); ok {
			res.Records = append(res.Records, rec)
		} else {
			res.Skipped++
		}
	}
	if err := rows.Error(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	return res, nil
}
