// Package export renders resolved chart results as downloadable files.
package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"chartextract/internal/domain"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts a format name case-insensitively. Empty means csv.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatTXT, FormatJSON, FormatXLSX:
		return f, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", domain.ErrInvalidInput, raw)
}

// ContentType is the media type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatTXT:
		return "text/plain; charset=utf-8"
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Options selects the format and the subset of points to render. Empty ids
// match everything.
type Options struct {
	Format   Format
	PanelID  string
	SeriesID string
	// Narrow drops the panel_id column from tabular formats.
	Narrow bool
	// Pretty indents json output.
	Pretty bool
}

// Filename is the attachment name for an export of jobID.
func Filename(jobID string, f Format) string {
	return fmt.Sprintf("chart_%s.%s", jobID, f)
}

type row struct {
	panelID  string
	seriesID string
	x, y     float64
}

// Render serializes result according to opts. A filter that matches nothing
// produces a header-only body.
func Render(result domain.Result, opts Options) ([]byte, error) {
	switch opts.Format {
	case FormatCSV, "":
		return renderDelimited(result, opts, ',')
	case FormatTXT:
		return renderDelimited(result, opts, '\t')
	case FormatJSON:
		return renderJSON(result, opts)
	case FormatXLSX:
		return renderXLSX(result, opts)
	}
	return nil, fmt.Errorf("%w: unsupported export format %q", domain.ErrInvalidInput, opts.Format)
}

func header(narrow bool) []string {
	if narrow {
		return []string{"series_id", "x", "y"}
	}
	return []string{"panel_id", "series_id", "x", "y"}
}

func (r row) fields(narrow bool) []string {
	x, y := formatFloat(r.x), formatFloat(r.y)
	if narrow {
		return []string{r.seriesID, x, y}
	}
	return []string{r.panelID, r.seriesID, x, y}
}

func rows(result domain.Result, opts Options) []row {
	var out []row
	for _, p := range filter(result, opts) {
		for _, s := range p.Series {
			for _, pt := range s.Points {
				out = append(out, row{panelID: p.ID, seriesID: s.ID, x: pt.X, y: pt.Y})
			}
		}
	}
	return out
}

// filter returns the panels and series selected by opts, dropping panels left
// without series.
func filter(result domain.Result, opts Options) []domain.Panel {
	var panels []domain.Panel
	for _, p := range result.Panels {
		if opts.PanelID != "" && p.ID != opts.PanelID {
			continue
		}
		var series []domain.Series
		for _, s := range p.Series {
			if opts.SeriesID != "" && s.ID != opts.SeriesID {
				continue
			}
			series = append(series, s)
		}
		if opts.SeriesID != "" && len(series) == 0 {
			continue
		}
		p.Series = series
		panels = append(panels, p)
	}
	return panels
}

func renderDelimited(result domain.Result, opts Options, comma rune) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma
	if err := w.Write(header(opts.Narrow)); err != nil {
		return nil, err
	}
	for _, r := range rows(result, opts) {
		if err := w.Write(r.fields(opts.Narrow)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write %s: %w", opts.Format, err)
	}
	return buf.Bytes(), nil
}

type jsonSeries struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Points []domain.Point `json:"points"`
}

type jsonPanel struct {
	ID     string       `json:"id"`
	Series []jsonSeries `json:"series"`
}

type jsonDoc struct {
	Panels []jsonPanel `json:"panels"`
}

func renderJSON(result domain.Result, opts Options) ([]byte, error) {
	doc := jsonDoc{Panels: []jsonPanel{}}
	for _, p := range filter(result, opts) {
		jp := jsonPanel{ID: p.ID, Series: []jsonSeries{}}
		for _, s := range p.Series {
			points := s.Points
			if points == nil {
				points = []domain.Point{}
			}
			jp.Series = append(jp.Series, jsonSeries{ID: s.ID, Name: s.Name, Points: points})
		}
		doc.Panels = append(doc.Panels, jp)
	}
	if opts.Pretty {
		return json.MarshalIndent(doc, "", "  ")
	}
	return json.Marshal(doc)
}

const xlsxSheet = "Points"

func renderXLSX(result domain.Result, opts Options) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), xlsxSheet); err != nil {
		return nil, fmt.Errorf("xlsx sheet: %w", err)
	}
	for i, h := range header(opts.Narrow) {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(xlsxSheet, cell, h)
	}
	for i, r := range rows(result, opts) {
		values := []any{r.panelID, r.seriesID, r.x, r.y}
		if opts.Narrow {
			values = values[1:]
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			_ = f.SetCellValue(xlsxSheet, cell, v)
		}
	}
	_ = f.SetColWidth(xlsxSheet, "A", "B", 16)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
