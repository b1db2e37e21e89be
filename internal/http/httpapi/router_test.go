package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chartextract/internal/adapter/repo"
	"chartextract/internal/domain"
	"chartextract/internal/http/handlers"
	"chartextract/internal/infra"
	"chartextract/internal/middleware"
	"chartextract/internal/service"
	"chartextract/internal/storage"
)

const testSecret = "router-test-secret"

type harness struct {
	t       *testing.T
	handler http.Handler
	jobs    *repo.JobRepositoryGorm
	store   *storage.FileStore
}

func newHarness(t *testing.T, maxUpload int64, ping func(context.Context) error) *harness {
	t.Helper()
	db, err := infra.NewSQLiteDB(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	jobs := repo.NewJobRepositoryGorm(db)
	if err := jobs.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	charts := service.NewCharts(jobs, store, maxUpload, zerolog.Nop(), nil)
	app := handlers.NewApp(charts, zerolog.Nop(), ping)
	return &harness{
		t:       t,
		handler: NewRouter(app, Options{JWTSecret: testSecret, RateLimitPerMin: 100, Logger: zerolog.Nop()}),
		jobs:    jobs,
		store:   store,
	}
}

func (h *harness) token(user string) string {
	tok, err := middleware.SignJWT(testSecret, middleware.TokenClaims{Sub: user, Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		h.t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *harness) do(req *http.Request, user string) *httptest.ResponseRecorder {
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(user))
	}
	rr := httptest.NewRecorder()
	h.handler.ServeHTTP(rr, req)
	return rr
}

func (h *harness) upload(user string, data []byte) *httptest.ResponseRecorder {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "chart.png")
	if err != nil {
		h.t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/charts", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return h.do(req, user)
}

func (h *harness) get(path, user string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil), user)
}

// complete resolves the oldest queued job the way a worker would.
func (h *harness) complete(result domain.Result) string {
	ctx := context.Background()
	job, err := h.jobs.TryClaimNext(ctx, "test-worker")
	if err != nil {
		h.t.Fatalf("claim: %v", err)
	}
	if err := h.jobs.Complete(ctx, job.ID, "test-worker", result); err != nil {
		h.t.Fatalf("complete: %v", err)
	}
	return job.ID
}

type uploadPayload struct {
	Job struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Result *struct {
			Panels []struct {
				ID     string            `json:"id"`
				Series []json.RawMessage `json:"series"`
			} `json:"panels"`
		} `json:"result"`
	} `json:"job"`
	Cached bool `json:"cached"`
}

func decodeUpload(t *testing.T, rr *httptest.ResponseRecorder) uploadPayload {
	t.Helper()
	var p uploadPayload
	if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return p
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body.Error.Code
}

func sampleResult() domain.Result {
	return domain.Result{Panels: []domain.Panel{{
		ID:     "panel_0",
		XScale: domain.ScaleLinear,
		YScale: domain.ScaleLinear,
		Series: []domain.Series{
			{ID: "series_1", Name: "series_1", Points: []domain.Point{{X: 0, Y: 1.5}, {X: 1, Y: 2}}},
			{ID: "series_2", Name: "series_2", Points: []domain.Point{{X: 3, Y: 4}}},
		},
	}}}
}

func TestChartLifecycle(t *testing.T) {
	h := newHarness(t, 1<<20, nil)
	png := []byte("\x89PNG\r\n\x1a\nchart-bytes")

	rr := h.upload("alice", png)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("upload: got %d body %s", rr.Code, rr.Body.String())
	}
	queued := decodeUpload(t, rr)
	if queued.Cached || queued.Job.Status != "queued" || queued.Job.Result != nil {
		t.Fatalf("unexpected upload payload %+v", queued)
	}

	rr = h.get("/v1/charts/"+queued.Job.ID+"/export", "alice")
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "not_ready" {
		t.Fatalf("export before done: got %d", rr.Code)
	}

	if id := h.complete(sampleResult()); id != queued.Job.ID {
		t.Fatalf("claimed %s, want %s", id, queued.Job.ID)
	}

	rr = h.get("/v1/charts/"+queued.Job.ID, "alice")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: got %d", rr.Code)
	}
	var job struct {
		Status      string `json:"status"`
		SeriesCount int    `json:"series_count"`
		Result      struct {
			Panels []json.RawMessage `json:"panels"`
		} `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != "done" || job.SeriesCount != 2 || len(job.Result.Panels) != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	rr = h.get("/v1/charts/"+queued.Job.ID+"/export?format=csv&series_id=series_1", "alice")
	if rr.Code != http.StatusOK {
		t.Fatalf("export: got %d body %s", rr.Code, rr.Body.String())
	}
	if got, want := rr.Body.String(), "panel_id,series_id,x,y\npanel_0,series_1,0,1.5\npanel_0,series_1,1,2\n"; got != want {
		t.Fatalf("export body = %q, want %q", got, want)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "chart_"+queued.Job.ID+".csv") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	etag := rr.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/charts/"+queued.Job.ID+"/export?format=csv&series_id=series_1", nil)
	req.Header.Set("If-None-Match", etag)
	if rr := h.do(req, "alice"); rr.Code != http.StatusNotModified || rr.Body.Len() != 0 {
		t.Fatalf("conditional export: got %d with %d bytes", rr.Code, rr.Body.Len())
	}

	rr = h.upload("alice", png)
	if rr.Code != http.StatusOK {
		t.Fatalf("repeat upload: got %d", rr.Code)
	}
	cached := decodeUpload(t, rr)
	if !cached.Cached || cached.Job.ID != queued.Job.ID {
		t.Fatalf("repeat upload should be served from cache: %+v", cached)
	}
	if cached.Job.Result == nil || len(cached.Job.Result.Panels) != 1 {
		t.Fatalf("cached upload should carry the stored result: %+v", cached.Job.Result)
	}
	if p := cached.Job.Result.Panels[0]; p.ID != "panel_0" || len(p.Series) != 2 {
		t.Fatalf("cached panel = %+v", p)
	}

	rr = h.get("/v1/charts", "alice")
	var list struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil || len(list.Items) != 1 {
		t.Fatalf("list: err %v items %d", err, len(list.Items))
	}
}

func TestOwnershipIsolation(t *testing.T) {
	h := newHarness(t, 1<<20, nil)
	p := decodeUpload(t, h.upload("alice", []byte("chart")))
	h.complete(sampleResult())

	for _, path := range []string{
		"/v1/charts/" + p.Job.ID,
		"/v1/charts/" + p.Job.ID + "/export",
		"/v1/charts/" + p.Job.ID + "/artifacts/converted_plot",
		"/v1/charts/" + p.Job.ID + "/artifacts.zip",
	} {
		rr := h.get(path, "mallory")
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s as another user: got %d, want 404", path, rr.Code)
		}
	}

	rr := h.get("/v1/charts", "mallory")
	if !strings.Contains(rr.Body.String(), `"items":[]`) {
		t.Fatalf("other user's list should be empty, got %s", rr.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, 1<<20, nil)
	for _, path := range []string{"/v1/charts", "/v1/charts/abc", "/v1/charts/abc/export"} {
		if rr := h.get(path, ""); rr.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token: got %d", path, rr.Code)
		}
	}
	if rr := h.get("/v1/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rr.Code)
	}
	if rr := h.get("/v1/openapi.json", ""); rr.Code != http.StatusOK || !json.Valid(rr.Body.Bytes()) {
		t.Fatalf("openapi: got %d", rr.Code)
	}
}

func TestUploadRejections(t *testing.T) {
	h := newHarness(t, 16, nil)

	rr := h.upload("alice", nil)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "empty_input" {
		t.Fatalf("empty upload: got %d", rr.Code)
	}
	rr = h.upload("alice", bytes.Repeat([]byte("x"), 17))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized upload: got %d", rr.Code)
	}
	rr = h.upload("alice", bytes.Repeat([]byte("x"), 1<<20))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("body over the reader limit: got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/charts", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	if rr := h.do(req, "alice"); rr.Code != http.StatusBadRequest {
		t.Fatalf("non multipart upload: got %d", rr.Code)
	}

	jobs, err := h.jobs.ListForOwner(context.Background(), "alice", 10, 0)
	if err != nil || len(jobs) != 0 {
		t.Fatalf("rejected uploads must not queue jobs: %d, %v", len(jobs), err)
	}
}

func TestExportBadFormat(t *testing.T) {
	h := newHarness(t, 1<<20, nil)
	p := decodeUpload(t, h.upload("alice", []byte("chart")))
	h.complete(sampleResult())

	rr := h.get("/v1/charts/"+p.Job.ID+"/export?format=pdf", "alice")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad format: got %d", rr.Code)
	}
	rr = h.get("/v1/charts/"+p.Job.ID+"/export?format=json&narrow=maybe", "alice")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad narrow flag: got %d", rr.Code)
	}
	rr = h.get("/v1/charts/"+p.Job.ID+"/export?format=json&panel_id=nope", "alice")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{"panels":[]}` {
		t.Fatalf("unmatched filter: got %d %q", rr.Code, rr.Body.String())
	}
}

func TestFailedChartArtifacts(t *testing.T) {
	h := newHarness(t, 1<<20, nil)
	ctx := context.Background()
	p := decodeUpload(t, h.upload("alice", []byte("chart")))

	key, err := h.store.Write(ctx, storage.ArtifactKey(p.Job.ID, "lineformer", "prediction.png"), []byte("\x89PNG lf"))
	if err != nil {
		t.Fatalf("store artifact: %v", err)
	}
	job, err := h.jobs.TryClaimNext(ctx, "w")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	partial := &domain.Result{Artifacts: domain.Artifacts{"lineformer_prediction": key}}
	if err := h.jobs.Fail(ctx, job.ID, "w", "no series points found in data.json", partial); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rr := h.get("/v1/charts/"+p.Job.ID+"/artifacts/lineformer_prediction", "alice")
	if rr.Code != http.StatusOK || rr.Body.String() != "\x89PNG lf" {
		t.Fatalf("artifact: got %d %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("artifact content type = %q", ct)
	}
	if rr := h.get("/v1/charts/"+p.Job.ID+"/artifacts/converted_plot", "alice"); rr.Code != http.StatusNotFound {
		t.Fatalf("absent artifact: got %d", rr.Code)
	}

	rr = h.get("/v1/charts/"+p.Job.ID+"/artifacts.zip", "alice")
	if rr.Code != http.StatusOK {
		t.Fatalf("artifact zip: got %d", rr.Code)
	}
	zr, err := zip.NewReader(bytes.NewReader(rr.Body.Bytes()), int64(rr.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "lineformer/prediction.png" {
		t.Fatalf("unexpected zip entries %v", zr.File)
	}

	rr = h.get("/v1/charts/"+p.Job.ID+"/export", "alice")
	if rr.Code != http.StatusConflict {
		t.Fatalf("export of failed chart: got %d", rr.Code)
	}
}

func TestHealthDegraded(t *testing.T) {
	h := newHarness(t, 1<<20, func(context.Context) error { return errors.New("db down") })
	if rr := h.get("/v1/healthz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with failing ping: got %d", rr.Code)
	}
}
