// Package service holds the caller-facing chart operations: admission,
// retrieval, export and artifact download. Ownership is enforced here.
package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"chartextract/internal/domain"
	"chartextract/internal/export"
	"chartextract/internal/observability"
	"chartextract/internal/results"
	"chartextract/internal/storage"
	"chartextract/pkg/zip"
)

// BlobStore is the part of the content store the service uses.
type BlobStore interface {
	WriteIfAbsent(ctx context.Context, key string, data []byte) (string, bool, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Resolve(key string) (string, error)
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

type Charts struct {
	jobs           domain.JobRepository
	store          BlobStore
	maxUploadBytes int64
	logger         zerolog.Logger
	telemetry      *observability.Telemetry
}

func NewCharts(jobs domain.JobRepository, store BlobStore, maxUploadBytes int64, logger zerolog.Logger, telemetry *observability.Telemetry) *Charts {
	if telemetry == nil {
		telemetry = observability.Noop()
	}
	return &Charts{jobs: jobs, store: store, maxUploadBytes: maxUploadBytes, logger: logger, telemetry: telemetry}
}

// MaxUploadBytes is the largest accepted upload.
func (s *Charts) MaxUploadBytes() int64 { return s.maxUploadBytes }

// SubmitResult is the job an upload maps to. Cached is set when an earlier
// done job for the same content was returned instead of queueing a new one.
type SubmitResult struct {
	Job    *domain.Job
	Cached bool
}

// Submit admits an upload. Identical content from the same owner that has
// already been extracted successfully is served from the existing job; failed
// or pending jobs are not reused.
func (s *Charts) Submit(ctx context.Context, ownerID string, data []byte, filenameHint, mimeType string) (SubmitResult, error) {
	if ownerID == "" {
		return SubmitResult{}, domain.ErrUnauthorized
	}
	if len(data) == 0 {
		return SubmitResult{}, domain.ErrEmptyInput
	}
	if s.maxUploadBytes > 0 && int64(len(data)) > s.maxUploadBytes {
		return SubmitResult{}, domain.ErrPayloadTooLarge
	}

	hash := storage.ContentHash(data)
	existing, err := s.jobs.FindDoneByHash(ctx, ownerID, hash)
	switch {
	case err == nil:
		s.telemetry.JobSubmitted(ctx, true)
		s.logger.Info().Str("job_id", existing.ID).Str("owner_id", ownerID).Msg("charts: served cached result")
		return SubmitResult{Job: existing, Cached: true}, nil
	case !errors.Is(err, domain.ErrNotFound):
		return SubmitResult{}, fmt.Errorf("dedup lookup: %w", err)
	}

	key, written, err := s.store.WriteIfAbsent(ctx, storage.OriginalKey(ownerID, hash), data)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("store upload: %w", err)
	}

	job := &domain.Job{
		OwnerID:          ownerID,
		ContentHash:      hash,
		SourceRef:        key,
		OriginalFilename: originalFilename(filenameHint),
		MimeType:         detectMIME(data, mimeType),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return SubmitResult{}, fmt.Errorf("admit job: %w", err)
	}
	s.telemetry.JobSubmitted(ctx, false)
	s.logger.Info().
		Str("job_id", job.ID).
		Str("owner_id", ownerID).
		Bool("blob_written", written).
		Int("bytes", len(data)).
		Msg("charts: job queued")
	return SubmitResult{Job: job}, nil
}

// GetJob returns the owner's job or ErrNotFound.
func (s *Charts) GetJob(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	if ownerID == "" {
		return nil, domain.ErrNotFound
	}
	return s.jobs.GetForOwner(ctx, jobID, ownerID)
}

// ListJobs pages through the owner's jobs, newest first.
func (s *Charts) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.jobs.ListForOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	return jobs, nil
}

// Rendered is an export ready to be served.
type Rendered struct {
	Body        []byte
	ContentType string
	Filename    string
	ETag        string
}

// Export renders the owner's done job. Jobs that are pending, failed or
// without panels are ErrNotReady.
func (s *Charts) Export(ctx context.Context, jobID, ownerID string, opts export.Options) (Rendered, error) {
	job, err := s.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return Rendered{}, err
	}
	result, err := results.ForExport(job)
	if err != nil {
		if errors.Is(err, domain.ErrCorruptResult) {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("charts: stored result is corrupt")
		}
		return Rendered{}, err
	}
	body, err := export.Render(result, opts)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{
		Body:        body,
		ContentType: opts.Format.ContentType(),
		Filename:    export.Filename(job.ID, opts.Format),
		ETag:        fmt.Sprintf(`"%016x"`, xxhash.Sum64(body)),
	}, nil
}

// Blob is a downloadable artifact.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// Artifact returns the stored artifact named key. Keys missing from the
// job's artifact map, and stored addresses that resolve outside the store,
// are ErrNotFound.
func (s *Charts) Artifact(ctx context.Context, jobID, ownerID, key string) (Blob, error) {
	artifacts, err := s.artifacts(ctx, jobID, ownerID)
	if err != nil {
		return Blob{}, err
	}
	addr, ok := artifacts[key]
	if !ok {
		return Blob{}, domain.ErrNotFound
	}
	return s.readArtifact(ctx, jobID, addr)
}

// ArtifactArchive zips every artifact of the job. Entries are named
// <kind dir>/<file>.
func (s *Charts) ArtifactArchive(ctx context.Context, jobID, ownerID string) ([]byte, error) {
	artifacts, err := s.artifacts(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(artifacts))
	for k := range artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]zip.Entry, 0, len(keys))
	for _, k := range keys {
		blob, err := s.readArtifact(ctx, jobID, artifacts[k])
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, zip.Entry{Name: archiveName(artifacts[k]), Data: blob.Data, Modified: time.Now()})
	}
	if len(entries) == 0 {
		return nil, domain.ErrNotFound
	}
	return zip.Archive(entries)
}

func (s *Charts) artifacts(ctx context.Context, jobID, ownerID string) (domain.Artifacts, error) {
	job, err := s.GetJob(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	artifacts, err := results.Artifacts(job)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("charts: stored result is corrupt")
		return nil, err
	}
	return artifacts, nil
}

func (s *Charts) readArtifact(ctx context.Context, jobID, addr string) (Blob, error) {
	if _, err := s.store.Resolve(addr); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Str("address", addr).Msg("charts: rejected artifact address")
		return Blob{}, domain.ErrNotFound
	}
	data, err := s.store.Read(ctx, addr)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidKey) || errors.Is(err, fs.ErrNotExist) {
			return Blob{}, domain.ErrNotFound
		}
		return Blob{}, fmt.Errorf("read artifact: %w", err)
	}
	name := path.Base(addr)
	return Blob{Name: name, ContentType: contentType(name, data), Data: data}, nil
}

func archiveName(addr string) string {
	dir, file := path.Split(addr)
	return path.Join(path.Base(strings.TrimSuffix(dir, "/")), file)
}

func contentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func detectMIME(data []byte, declared string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return http.DetectContentType(data)
}

func originalFilename(hint string) string {
	if strings.TrimSpace(hint) == "" {
		return ""
	}
	return storage.SafeFilename(hint)
}
