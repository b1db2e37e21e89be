package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"chartextract/internal/domain"
)

const (
	dataDir      = "converted_datapoints"
	dataFile     = "data.json"
	seriesPrefix = "series"
	defaultPanel = "panel_0"
)

var (
	errNoDataFile = errors.New(dataDir + "/" + dataFile + " not found in engine output")
	errNoSeries   = errors.New("no series points found in " + dataFile)
)

// pointEncoding tags which of the accepted raw shapes a point used.
type pointEncoding int

const (
	encodingInvalid pointEncoding = iota
	encodingPair
	encodingObject
)

// rawPoint is one entry of a series list as written by the engine: either an
// array whose first two items are x and y, or an object with x/X and y/Y keys.
// Coordinates may be numbers or numeric strings.
type rawPoint struct {
	encoding pointEncoding
	x, y     json.RawMessage
}

func (p *rawPoint) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil || len(items) < 2 {
			return nil
		}
		p.encoding, p.x, p.y = encodingPair, items[0], items[1]
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil
		}
		p.x, p.y = pick(obj, "x", "X"), pick(obj, "y", "Y")
		p.encoding = encodingObject
	}
	return nil
}

func pick(obj map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := obj[k]; ok && !isNull(v) {
			return v
		}
	}
	return nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// normalize converts a raw point into a domain point. ok is false for any
// entry that should be skipped.
func (p rawPoint) normalize() (domain.Point, bool) {
	if p.encoding == encodingInvalid {
		return domain.Point{}, false
	}
	x, okX := coordinate(p.x)
	y, okY := coordinate(p.y)
	if !okX || !okY {
		return domain.Point{}, false
	}
	return domain.Point{X: x, Y: y}, true
}

func coordinate(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || isNull(raw) {
		return 0, false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		v, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseSeries turns the engine document into series sorted by id. Keys that do
// not start with "series" or do not hold a list are ignored, malformed points
// are skipped and series left without points are dropped.
func parseSeries(data []byte) ([]domain.Series, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unexpected %s format: expected JSON object", dataFile)
	}
	var out []domain.Series
	for key, value := range doc {
		if !strings.HasPrefix(key, seriesPrefix) {
			continue
		}
		var raw []rawPoint
		if err := json.Unmarshal(value, &raw); err != nil {
			continue
		}
		points := make([]domain.Point, 0, len(raw))
		for _, rp := range raw {
			if pt, ok := rp.normalize(); ok {
				points = append(points, pt)
			}
		}
		if len(points) == 0 {
			continue
		}
		out = append(out, domain.Series{ID: key, Name: key, Points: points})
	}
	if len(out) == 0 {
		return nil, errNoSeries
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// buildResult wraps parsed series in the single linear panel the engine
// produces.
func buildResult(series []domain.Series, artifacts domain.Artifacts) domain.Result {
	return domain.Result{
		Panels: []domain.Panel{{
			ID:     defaultPanel,
			XScale: domain.ScaleLinear,
			YScale: domain.ScaleLinear,
			Series: series,
		}},
		Artifacts: artifacts,
	}
}

// findDataFile returns the first data.json below a converted_datapoints
// directory under root, in lexical walk order.
func findDataFile(root string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != dataFile || !underDir(root, path, dataDir) {
			return nil
		}
		found = path
		return fs.SkipAll
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("search engine output: %w", err)
	}
	if found == "" {
		return "", errNoDataFile
	}
	return found, nil
}

func parseOutput(outputDir string) ([]domain.Series, error) {
	path, err := findDataFile(outputDir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dataFile, err)
	}
	return parseSeries(data)
}

// underDir reports whether some directory between root and path is named dir.
func underDir(root, path, dir string) bool {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == dir {
			return true
		}
	}
	return false
}
