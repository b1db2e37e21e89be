// Package pipeline runs one claimed job through the extraction engine and
// turns its output into a result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"chartextract/internal/domain"
	"chartextract/internal/observability"
	"chartextract/internal/storage"
)

// BlobStore is the part of the content store the runner needs.
type BlobStore interface {
	Open(key string) (*os.File, error)
	CopyFile(ctx context.Context, src, key string) (string, error)
}

// FailureKind classifies where a run failed.
type FailureKind string

const (
	FailureSetup     FailureKind = "setup"
	FailureEngine    FailureKind = "engine"
	FailureArtifacts FailureKind = "artifacts"
	FailureParse     FailureKind = "parse"
)

// Failure describes a failed run. Artifacts holds whatever was copied into the
// store before the failure.
type Failure struct {
	Kind      FailureKind
	Message   string
	Artifacts domain.Artifacts
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Outcome is the result of one run: exactly one of Result (when Failure is
// nil) or Failure is meaningful.
type Outcome struct {
	Result  domain.Result
	Failure *Failure
}

// OK reports whether the run produced a result.
func (o Outcome) OK() bool { return o.Failure == nil }

// Partial returns the artifacts-only payload to persist with a failure, or nil
// when nothing was collected.
func (o Outcome) Partial() *domain.Result {
	if o.Failure == nil || len(o.Failure.Artifacts) == 0 {
		return nil
	}
	return &domain.Result{Panels: []domain.Panel{}, Artifacts: o.Failure.Artifacts}
}

func succeeded(result domain.Result) Outcome {
	return Outcome{Result: result}
}

func failed(kind FailureKind, err error, artifacts domain.Artifacts) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Message: err.Error(), Artifacts: artifacts}}
}

// Options configures a Runner.
type Options struct {
	WorkDir      string
	KeepWorkDirs bool
	Logger       zerolog.Logger
	Telemetry    *observability.Telemetry
}

// Runner executes jobs in isolated scratch directories.
type Runner struct {
	store     BlobStore
	extractor Extractor
	opts      Options
}

func NewRunner(store BlobStore, extractor Extractor, opts Options) *Runner {
	if opts.Telemetry == nil {
		opts.Telemetry = observability.Noop()
	}
	return &Runner{store: store, extractor: extractor, opts: opts}
}

const metaFile = "ml_meta.json"

// Run processes job and never panics on engine output. The scratch directory
// is <WorkDir>/job_<id>/<run tag>/{input,output} and is removed afterwards
// unless KeepWorkDirs is set.
func (r *Runner) Run(ctx context.Context, job *domain.Job) (outcome Outcome) {
	start := time.Now()
	ctx, span := r.opts.Telemetry.StartRun(ctx, job.ID)
	defer func() {
		if outcome.Failure != nil {
			span.SetAttributes(attribute.String(observability.AttrFailureKind, string(outcome.Failure.Kind)))
			observability.EndSpan(span, outcome.Failure)
			return
		}
		observability.EndSpan(span, nil)
	}()

	logger := r.opts.Logger.With().Str("job_id", job.ID).Logger()
	runRoot := filepath.Join(r.opts.WorkDir, "job_"+job.ID, runTag(start))
	inputDir := filepath.Join(runRoot, "input")
	outputDir := filepath.Join(runRoot, "output")

	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return failed(FailureSetup, fmt.Errorf("create run dir: %w", err), nil)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return failed(FailureSetup, fmt.Errorf("create run dir: %w", err), nil)
	}
	if !r.opts.KeepWorkDirs {
		defer func() {
			if err := os.RemoveAll(runRoot); err != nil {
				logger.Warn().Err(err).Str("run_dir", runRoot).Msg("pipeline: cleanup failed")
			}
		}()
	}

	if err := r.stageInput(job, inputDir); err != nil {
		return failed(FailureSetup, err, nil)
	}

	logger.Debug().Str("run_dir", runRoot).Msg("pipeline: invoking extractor")
	engineErr := r.extractor.Extract(ctx, inputDir, outputDir)

	artifacts, collectErr := collectArtifacts(ctx, r.store, job.ID, outputDir)
	if len(artifacts) > 0 {
		logger.Debug().Interface("artifacts", artifacts).Msg("pipeline: artifacts collected")
	}
	if engineErr != nil {
		return failed(FailureEngine, engineErr, artifacts)
	}
	if collectErr != nil {
		return failed(FailureArtifacts, collectErr, artifacts)
	}

	series, err := parseOutput(outputDir)
	if err != nil {
		return failed(FailureParse, err, artifacts)
	}
	result := buildResult(series, artifacts)
	result.Meta = readMeta(outputDir, time.Since(start))
	return succeeded(result)
}

func (r *Runner) stageInput(job *domain.Job, inputDir string) error {
	src, err := r.store.Open(job.SourceRef)
	if err != nil {
		return fmt.Errorf("open input blob: %w", err)
	}
	defer src.Close()

	name := storage.SafeFilename(path.Base(job.SourceRef)) + storage.Extension(job.OriginalFilename)
	dst, err := os.Create(filepath.Join(inputDir, name))
	if err != nil {
		return fmt.Errorf("stage input: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("stage input: %w", err)
	}
	return dst.Close()
}

// readMeta loads engine-reported timings when present and falls back to the
// measured wall time.
func readMeta(outputDir string, elapsed time.Duration) *domain.Meta {
	var meta domain.Meta
	data, err := os.ReadFile(filepath.Join(outputDir, metaFile))
	if err == nil {
		err = json.Unmarshal(data, &meta)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		meta = domain.Meta{}
	}
	if meta.TotalTimeMS == nil {
		ms := float64(elapsed.Milliseconds())
		meta.TotalTimeMS = &ms
	}
	return &meta
}

func runTag(now time.Time) string {
	return now.UTC().Format("20060102_150405") + "_" + uuid.NewString()[:8]
}
