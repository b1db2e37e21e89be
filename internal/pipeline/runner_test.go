package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chartextract/internal/domain"
	"chartextract/internal/storage"
	"chartextract/pkg/zip"
)

type extractFunc func(ctx context.Context, inputDir, outputDir string) error

func (f extractFunc) Extract(ctx context.Context, inputDir, outputDir string) error {
	return f(ctx, inputDir, outputDir)
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

type fixture struct {
	store   *storage.FileStore
	workDir string
	job     *domain.Job
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store, err := storage.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	data := []byte("fake png bytes")
	hash := storage.ContentHash(data)
	key, _, err := store.WriteIfAbsent(context.Background(), storage.OriginalKey("u1", hash), data)
	require.NoError(t, err)
	return fixture{
		store:   store,
		workDir: filepath.Join(t.TempDir(), "runs"),
		job: &domain.Job{
			ID:               "5f0c8a5e-0000-4000-8000-000000000001",
			OwnerID:          "u1",
			ContentHash:      hash,
			SourceRef:        key,
			OriginalFilename: "Chart.PNG",
		},
	}
}

func (f fixture) runner(ex Extractor, keep bool) *Runner {
	return NewRunner(f.store, ex, Options{WorkDir: f.workDir, KeepWorkDirs: keep, Logger: zerolog.Nop()})
}

func TestRunSuccess(t *testing.T) {
	f := newFixture(t)
	var stagedInput string
	ex := extractFunc(func(_ context.Context, in, out string) error {
		entries, err := os.ReadDir(in)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		stagedInput = filepath.Join(in, entries[0].Name())
		writeFile(t, out, "lineformer/prediction.png", "lf")
		writeFile(t, out, "chartdete/predictions.json", "cd")
		writeFile(t, out, "converted_datapoints/plot.png", "plot")
		writeFile(t, out, "converted_datapoints/data.json", `{
			"series_2": [[3, 4]],
			"series_1": [[0, "1.5"], {"x": 1, "y": 2}, {"X": "2", "Y": 3}],
			"axis": [[9, 9]]
		}`)
		return nil
	})

	outcome := f.runner(ex, false).Run(context.Background(), f.job)
	require.True(t, outcome.OK(), "unexpected failure: %+v", outcome.Failure)
	assert.Nil(t, outcome.Partial())

	res := outcome.Result
	require.Len(t, res.Panels, 1)
	panel := res.Panels[0]
	assert.Equal(t, "panel_0", panel.ID)
	assert.Equal(t, domain.ScaleLinear, panel.XScale)
	require.Len(t, panel.Series, 2)
	assert.Equal(t, "series_1", panel.Series[0].ID)
	assert.Equal(t, []domain.Point{{X: 0, Y: 1.5}, {X: 1, Y: 2}, {X: 2, Y: 3}}, panel.Series[0].Points)
	assert.Equal(t, "series_2", panel.Series[1].ID)

	assert.Equal(t, domain.Artifacts{
		"lineformer_prediction": "charts/" + f.job.ID + "/lineformer/prediction.png",
		"chartdete_predictions": "charts/" + f.job.ID + "/chartdete/predictions.json",
		"converted_plot":        "charts/" + f.job.ID + "/converted_datapoints/plot.png",
	}, res.Artifacts)
	data, err := f.store.Read(context.Background(), res.Artifacts["chartdete_predictions"])
	require.NoError(t, err)
	assert.Equal(t, "cd", string(data))

	require.NotNil(t, res.Meta)
	assert.NotNil(t, res.Meta.TotalTimeMS)

	assert.Equal(t, f.job.ContentHash+".png", filepath.Base(stagedInput))
	_, err = os.Stat(stagedInput)
	assert.True(t, os.IsNotExist(err), "scratch directory should be removed")
}

func TestRunKeepsWorkDir(t *testing.T) {
	f := newFixture(t)
	var runDir string
	ex := extractFunc(func(_ context.Context, in, out string) error {
		runDir = filepath.Dir(in)
		writeFile(t, out, "converted_datapoints/data.json", `{"series_1": [[1, 2]]}`)
		return nil
	})
	outcome := f.runner(ex, true).Run(context.Background(), f.job)
	require.True(t, outcome.OK())
	assert.DirExists(t, runDir)
	assert.True(t, strings.HasPrefix(runDir, filepath.Join(f.workDir, "job_"+f.job.ID)))
}

func TestRunParseFailureKeepsArtifacts(t *testing.T) {
	f := newFixture(t)
	ex := extractFunc(func(_ context.Context, _, out string) error {
		writeFile(t, out, "lineformer/prediction.png", "lf")
		writeFile(t, out, "chartdete/predictions.pkl", "cd")
		return nil
	})

	outcome := f.runner(ex, false).Run(context.Background(), f.job)
	require.False(t, outcome.OK())
	assert.Equal(t, FailureParse, outcome.Failure.Kind)
	assert.Contains(t, outcome.Failure.Message, "data.json not found")
	require.Len(t, outcome.Failure.Artifacts, 2)

	partial := outcome.Partial()
	require.NotNil(t, partial)
	for _, key := range partial.Artifacts {
		assert.True(t, f.store.Exists(key), "artifact %s should be stored", key)
	}
}

func TestRunEngineFailure(t *testing.T) {
	f := newFixture(t)
	ex := extractFunc(func(_ context.Context, _, out string) error {
		writeFile(t, out, "converted_datapoints/plot.png", "plot")
		return errors.New("engine crashed")
	})

	outcome := f.runner(ex, false).Run(context.Background(), f.job)
	require.False(t, outcome.OK())
	assert.Equal(t, FailureEngine, outcome.Failure.Kind)
	assert.Equal(t, "engine crashed", outcome.Failure.Message)
	assert.Contains(t, outcome.Failure.Artifacts, "converted_plot")
}

func TestRunMissingInputBlob(t *testing.T) {
	f := newFixture(t)
	f.job.SourceRef = "originals/user_u1/missing.png"
	called := false
	ex := extractFunc(func(context.Context, string, string) error {
		called = true
		return nil
	})
	outcome := f.runner(ex, false).Run(context.Background(), f.job)
	require.False(t, outcome.OK())
	assert.Equal(t, FailureSetup, outcome.Failure.Kind)
	assert.False(t, called)
	assert.Nil(t, outcome.Partial())
}

func TestRunNoSeries(t *testing.T) {
	f := newFixture(t)
	ex := extractFunc(func(_ context.Context, _, out string) error {
		writeFile(t, out, "nested/converted_datapoints/data.json", `{"series_1": [["a", "b"], null], "series_2": []}`)
		return nil
	})
	outcome := f.runner(ex, false).Run(context.Background(), f.job)
	require.False(t, outcome.OK())
	assert.Equal(t, FailureParse, outcome.Failure.Kind)
	assert.Equal(t, errNoSeries.Error(), outcome.Failure.Message)
}

func TestLatestArtifactWins(t *testing.T) {
	root := t.TempDir()
	older := writeFile(t, root, "a/lineformer/prediction.png", "old")
	newer := writeFile(t, root, "b/lineformer/prediction.png", "new")
	writeFile(t, root, "prediction.png", "not under lineformer")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))
	require.NoError(t, os.Chtimes(newer, time.Now(), time.Now()))

	match, ok, err := latestMatch(root, ArtifactKinds[0])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newer, match.path)
}

func TestParseSeriesPointTolerance(t *testing.T) {
	series, err := parseSeries([]byte(`{
		"series_a": [[1, 2], "garbage"],
		"series_b": [[1, 2, 3], [4], {"x": 5}, {"x": "6", "y": "7"}, [true, 1], ["NaN", 1], [null, 2]],
		"series_c": "not a list",
		"other": [[0, 0]]
	}`))
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, []domain.Point{{X: 1, Y: 2}}, series[0].Points)
	assert.Equal(t, []domain.Point{{X: 1, Y: 2}, {X: 6, Y: 7}}, series[1].Points)
	assert.Equal(t, "series_b", series[1].Name)

	_, err = parseSeries([]byte(`[1, 2]`))
	assert.Error(t, err)
}

type fakeCommandRunner struct {
	name   string
	args   []string
	stderr []byte
	err    error
}

func (f *fakeCommandRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.name, f.args = name, args
	return nil, f.stderr, f.err
}

func TestCommandExtractor(t *testing.T) {
	runner := &fakeCommandRunner{}
	ex := &CommandExtractor{Command: "/opt/bin/plextract", Args: []string{"--input", "{input}", "--out={output}"}, Runner: runner}
	require.NoError(t, ex.Extract(context.Background(), "/tmp/in", "/tmp/out"))
	assert.Equal(t, "/opt/bin/plextract", runner.name)
	assert.Equal(t, []string{"--input", "/tmp/in", "--out=/tmp/out"}, runner.args)

	runner.err = errors.New("exit status 2")
	runner.stderr = []byte(strings.Repeat("x", maxStderrBytes) + "\nmodel weights missing\n")
	err := ex.Extract(context.Background(), "/tmp/in", "/tmp/out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plextract: exit status 2")
	assert.Contains(t, err.Error(), "model weights missing")
	assert.Less(t, len(err.Error()), maxStderrBytes+100)
}

func TestHTTPExtractor(t *testing.T) {
	archive, err := zip.Archive([]zip.Entry{
		{Name: "converted_datapoints/data.json", Data: []byte(`{"series_1": [[1, 2]]}`)},
	})
	require.NoError(t, err)

	var gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		file, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotFile = hdr.Filename
		w.Header().Set("Content-Type", "application/zip")
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	in, out := t.TempDir(), t.TempDir()
	writeFile(t, in, "chart.png", "png")

	ex := NewHTTPExtractor(srv.URL, 5*time.Second)
	require.NoError(t, ex.Extract(context.Background(), in, out))
	assert.Equal(t, "chart.png", gotFile)
	assert.FileExists(t, filepath.Join(out, "converted_datapoints", "data.json"))
}

func TestHTTPExtractorErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gpu unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	in := t.TempDir()
	writeFile(t, in, "chart.png", "png")
	err := NewHTTPExtractor(srv.URL, time.Second).Extract(context.Background(), in, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "gpu unavailable")
}
