package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"chartextract/internal/domain"
	"chartextract/internal/export"
	"chartextract/internal/results"
)

const (
	uploadField = "file"
	// multipartSlack covers boundaries and part headers on top of the file.
	multipartSlack  = 64 << 10
	multipartMemory = 8 << 20
)

type jobResponse struct {
	ID               string          `json:"id"`
	Status           string          `json:"status"`
	OriginalFilename string          `json:"original_filename,omitempty"`
	MimeType         string          `json:"mime_type,omitempty"`
	ContentHash      string          `json:"content_hash"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	PanelCount       *int            `json:"panel_count,omitempty"`
	SeriesCount      *int            `json:"series_count,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

func toJobResponse(job *domain.Job, withResult bool) jobResponse {
	resp := jobResponse{
		ID:               job.ID,
		Status:           string(job.Status),
		OriginalFilename: job.OriginalFilename,
		MimeType:         job.MimeType,
		ContentHash:      job.ContentHash,
		ErrorMessage:     job.ErrorMessage,
		PanelCount:       job.PanelCount,
		SeriesCount:      job.SeriesCount,
		CreatedAt:        job.CreatedAt,
		ClaimedAt:        job.ClaimedAt,
		ResolvedAt:       job.ResolvedAt,
	}
	if withResult && len(job.ResultJSON) > 0 {
		resp.Result = json.RawMessage(job.ResultJSON)
	}
	return resp
}

type uploadResponse struct {
	Job    jobResponse `json:"job"`
	Cached bool        `json:"cached"`
}

// UploadChart accepts a multipart upload in the "file" field. New jobs answer
// 202; a cached earlier result answers 200 and carries the stored result.
func (a *App) UploadChart(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	maxBytes := a.Charts.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.serviceError(w, r, domain.ErrPayloadTooLarge)
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "expected a multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "missing file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read upload")
		return
	}

	res, err := a.Charts.Submit(r.Context(), userID, data, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if res.Cached {
		status = http.StatusOK
		if _, err := results.Decode(res.Job.ResultJSON); err != nil {
			a.serviceError(w, r, err)
			return
		}
	}
	a.json(w, status, uploadResponse{Job: toJobResponse(res.Job, res.Cached), Cached: res.Cached})
}

func (a *App) ListCharts(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "offset must be an integer")
		return
	}
	jobs, err := a.Charts.ListJobs(r.Context(), userID, limit, offset)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, toJobResponse(&jobs[i], false))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) GetChart(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	job, err := a.Charts.GetJob(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	if len(job.ResultJSON) > 0 {
		if _, err := results.Decode(job.ResultJSON); err != nil {
			a.serviceError(w, r, err)
			return
		}
	}
	a.json(w, http.StatusOK, toJobResponse(job, true))
}

// ExportChart renders a done chart. The ETag is derived from the body, so a
// matching If-None-Match answers 304.
func (a *App) ExportChart(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	opts, err := exportOptions(r)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	out, err := a.Charts.Export(r.Context(), chi.URLParam(r, "id"), userID, opts)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	w.Header().Set("ETag", out.ETag)
	w.Header().Set("Cache-Control", "private, no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), out.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", attachment(out.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Body)
}

func (a *App) ChartArtifact(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	blob, err := a.Charts.Artifact(r.Context(), chi.URLParam(r, "id"), userID, chi.URLParam(r, "key"))
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", blob.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": blob.Name}))
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

func (a *App) ChartArtifactsZip(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "id")
	archive, err := a.Charts.ArtifactArchive(r.Context(), jobID, userID)
	if err != nil {
		a.serviceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", attachment(fmt.Sprintf("chart_%s_artifacts.zip", jobID)))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

func exportOptions(r *http.Request) (export.Options, error) {
	q := r.URL.Query()
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		return export.Options{}, err
	}
	narrow, err := queryBool(q.Get("narrow"))
	if err != nil {
		return export.Options{}, fmt.Errorf("%w: narrow must be a boolean", domain.ErrInvalidInput)
	}
	pretty, err := queryBool(q.Get("pretty"))
	if err != nil {
		return export.Options{}, fmt.Errorf("%w: pretty must be a boolean", domain.ErrInvalidInput)
	}
	return export.Options{
		Format:   format,
		PanelID:  strings.TrimSpace(q.Get("panel_id")),
		SeriesID: strings.TrimSpace(q.Get("series_id")),
		Narrow:   narrow,
		Pretty:   pretty,
	}, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func queryBool(raw string) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

func attachment(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}
