package domain

import (
	"encoding/json"
	"fmt"
)

// ScaleType describes how an axis maps values.
type ScaleType string

const (
	ScaleLinear ScaleType = "linear"
	ScaleLog    ScaleType = "log"
	ScaleTime   ScaleType = "time"
)

// Point is one (x, y) sample in axis units. It is stored as a two element array.
type Point struct {
	X float64
	Y float64
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("point: want 2 coordinates, got %d", len(pair))
	}
	p.X, p.Y = pair[0], pair[1]
	return nil
}

// SeriesStyle holds optional rendering hints reported by the engine.
type SeriesStyle struct {
	MeanColor []int  `json:"mean_color,omitempty"`
	Marker    string `json:"marker,omitempty"`
	Dash      string `json:"dash,omitempty"`
}

type Series struct {
	ID     string       `json:"id"`
	Name   string       `json:"name,omitempty"`
	Style  *SeriesStyle `json:"style,omitempty"`
	Points []Point      `json:"points"`
}

// Panel is an independent coordinate space inside a chart.
type Panel struct {
	ID     string    `json:"id"`
	Row    *int      `json:"row,omitempty"`
	Col    *int      `json:"col,omitempty"`
	XUnit  string    `json:"x_unit,omitempty"`
	YUnit  string    `json:"y_unit,omitempty"`
	XScale ScaleType `json:"x_scale,omitempty"`
	YScale ScaleType `json:"y_scale,omitempty"`
	Series []Series  `json:"series"`
}

// Meta carries optional timings and confidences reported by the engine.
type Meta struct {
	TotalTimeMS       *float64 `json:"total_time_ms,omitempty"`
	OCRTimeMS         *float64 `json:"ocr_time_ms,omitempty"`
	LineExtractTimeMS *float64 `json:"line_extraction_time_ms,omitempty"`
	XScaleConfidence  *float64 `json:"x_scale_confidence,omitempty"`
	YScaleConfidence  *float64 `json:"y_scale_confidence,omitempty"`
	UsedDegrid        *bool    `json:"used_degrid,omitempty"`
}

// Artifacts maps an artifact kind to its blob store key.
type Artifacts map[string]string

// Result is the payload attached to a resolved job.
type Result struct {
	Panels    []Panel   `json:"panels"`
	Artifacts Artifacts `json:"artifacts,omitempty"`
	Meta      *Meta     `json:"ml_meta,omitempty"`
}

// Counts returns the aggregate panel and series counts.
func (r Result) Counts() (panels, series int) {
	for _, p := range r.Panels {
		series += len(p.Series)
	}
	return len(r.Panels), series
}

// Encode renders the stored document form of the result. Nil slices are
// written as empty arrays.
func (r Result) Encode() ([]byte, error) {
	panels := make([]Panel, len(r.Panels))
	for i, p := range r.Panels {
		series := make([]Series, len(p.Series))
		for j, s := range p.Series {
			if s.Points == nil {
				s.Points = []Point{}
			}
			series[j] = s
		}
		p.Series = series
		panels[i] = p
	}
	r.Panels = panels
	return json.Marshal(r)
}
