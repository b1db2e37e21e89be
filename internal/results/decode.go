// Package results turns stored job payloads back into domain objects.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"chartextract/internal/domain"
)

var resultSchemaDoc = map[string]any{
	"type":     "object",
	"required": []string{"panels"},
	"properties": map[string]any{
		"panels": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"id", "series"},
				"properties": map[string]any{
					"id":      map[string]any{"type": "string", "minLength": 1},
					"x_scale": map[string]any{"enum": []string{"linear", "log", "time"}},
					"y_scale": map[string]any{"enum": []string{"linear", "log", "time"}},
					"series": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []string{"id", "points"},
							"properties": map[string]any{
								"id":   map[string]any{"type": "string", "minLength": 1},
								"name": map[string]any{"type": "string"},
								"points": map[string]any{
									"type": "array",
									"items": map[string]any{
										"type":     "array",
										"minItems": 2,
										"maxItems": 2,
										"items":    map[string]any{"type": "number"},
									},
								},
							},
						},
					},
				},
			},
		},
		"artifacts": map[string]any{
			"type":                 "object",
			"additionalProperties": map[string]any{"type": "string"},
		},
		"ml_meta": map[string]any{"type": "object"},
	},
}

var resultSchema = compileSchema()

func compileSchema() *jsonschema.Schema {
	b, err := json.Marshal(resultSchemaDoc)
	if err != nil {
		panic(fmt.Sprintf("marshal result schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("result.json", bytes.NewReader(b)); err != nil {
		panic(fmt.Sprintf("add result schema: %v", err))
	}
	return compiler.MustCompile("result.json")
}

// Decode validates a stored payload and reconstructs the result. Any failure
// wraps domain.ErrCorruptResult: the document was written by a worker, so a
// bad shape is an internal fault rather than a caller mistake.
func Decode(raw []byte) (domain.Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.Result{}, fmt.Errorf("%w: empty payload", domain.ErrCorruptResult)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrCorruptResult, err)
	}
	if err := resultSchema.Validate(doc); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrCorruptResult, err)
	}
	var result domain.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return domain.Result{}, fmt.Errorf("%w: %v", domain.ErrCorruptResult, err)
	}
	return result, nil
}

// ForExport returns the result of a job that can be rendered. Jobs that are
// not done, or that resolved without panels, are not ready.
func ForExport(job *domain.Job) (domain.Result, error) {
	if job == nil || job.Status != domain.JobStatusDone || len(job.ResultJSON) == 0 {
		return domain.Result{}, domain.ErrNotReady
	}
	result, err := Decode(job.ResultJSON)
	if err != nil {
		return domain.Result{}, err
	}
	if len(result.Panels) == 0 {
		return domain.Result{}, domain.ErrNotReady
	}
	return result, nil
}

// Artifacts returns the artifact map stored with a resolved job, including a
// failed one. Unresolved jobs have none.
func Artifacts(job *domain.Job) (domain.Artifacts, error) {
	if job == nil || len(job.ResultJSON) == 0 {
		return domain.Artifacts{}, nil
	}
	result, err := Decode(job.ResultJSON)
	if err != nil {
		return nil, err
	}
	if result.Artifacts == nil {
		return domain.Artifacts{}, nil
	}
	return result.Artifacts, nil
}
