package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"chartextract/internal/domain"
	"chartextract/internal/export"
	"chartextract/internal/middleware"
	"chartextract/internal/service"
)

// ChartService is implemented by service.Charts.
type ChartService interface {
	MaxUploadBytes() int64
	Submit(ctx context.Context, ownerID string, data []byte, filenameHint, mimeType string) (service.SubmitResult, error)
	GetJob(ctx context.Context, jobID, ownerID string) (*domain.Job, error)
	ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error)
	Export(ctx context.Context, jobID, ownerID string, opts export.Options) (service.Rendered, error)
	Artifact(ctx context.Context, jobID, ownerID, key string) (service.Blob, error)
	ArtifactArchive(ctx context.Context, jobID, ownerID string) ([]byte, error)
}

type App struct {
	Charts ChartService
	Logger zerolog.Logger
	// Ping reports store health for /healthz. Optional.
	Ping func(ctx context.Context) error
}

func NewApp(charts ChartService, logger zerolog.Logger, ping func(ctx context.Context) error) *App {
	return &App{Charts: charts, Logger: logger, Ping: ping}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// serviceError maps domain errors to responses. Anything unrecognised is
// logged and reported as a generic internal error.
func (a *App) serviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "chart not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
	case errors.Is(err, domain.ErrEmptyInput):
		a.error(w, http.StatusBadRequest, "empty_input", "uploaded file is empty")
	case errors.Is(err, domain.ErrPayloadTooLarge):
		a.error(w, http.StatusRequestEntityTooLarge, "payload_too_large", "uploaded file is too large")
	case errors.Is(err, domain.ErrInvalidInput):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrNotReady):
		a.error(w, http.StatusConflict, "not_ready", "chart has no exportable result")
	default:
		a.log(r).Error().Err(err).Str("path", r.URL.Path).Msg("handler failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// log prefers the request scoped logger installed by middleware.Logger.
func (a *App) log(r *http.Request) *zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.Logger
}
