package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chartextract/pkg/zip"
)

// Extractor is the opaque chart engine. It reads the single image in
// inputDir and writes its outputs under outputDir.
type Extractor interface {
	Extract(ctx context.Context, inputDir, outputDir string) error
}

// CommandRunner runs an external program. Tests substitute a fake.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger zerolog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	logEvent := r.logger.Debug()
	if err != nil {
		logEvent = r.logger.Warn().Err(err)
	}
	logEvent.
		Str("cmd", name).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Int("stdout_bytes", out.Len()).
		Int("stderr_bytes", errb.Len()).
		Msg("extractor: command finished")
	return out.Bytes(), errb.Bytes(), err
}

const maxStderrBytes = 4 << 10

// CommandExtractor runs a local engine executable. The {input} and {output}
// placeholders in Args are replaced with the run directories.
type CommandExtractor struct {
	Command string
	Args    []string
	Runner  CommandRunner
}

// NewCommandExtractor builds an extractor that executes command with args.
func NewCommandExtractor(command string, args []string, logger zerolog.Logger) *CommandExtractor {
	return &CommandExtractor{Command: command, Args: args, Runner: execRunner{logger: logger}}
}

func (e *CommandExtractor) Extract(ctx context.Context, inputDir, outputDir string) error {
	replacer := strings.NewReplacer("{input}", inputDir, "{output}", outputDir)
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = replacer.Replace(a)
	}
	_, stderr, err := e.Runner.Run(ctx, e.Command, args...)
	if err != nil {
		if tail := strings.TrimSpace(tailBytes(stderr, maxStderrBytes)); tail != "" {
			return fmt.Errorf("extractor %s: %w: %s", filepath.Base(e.Command), err, tail)
		}
		return fmt.Errorf("extractor %s: %w", filepath.Base(e.Command), err)
	}
	return nil
}

func tailBytes(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return "..." + string(b[len(b)-n:])
}

const defaultMaxArchiveBytes = 256 << 20

// HTTPExtractor posts the input image to a remote engine which answers with a
// zip archive of its output directory.
type HTTPExtractor struct {
	URL             string
	Client          *http.Client
	MaxArchiveBytes int64
}

// NewHTTPExtractor builds a remote extractor. A zero timeout leaves requests
// bounded only by the context.
func NewHTTPExtractor(url string, timeout time.Duration) *HTTPExtractor {
	return &HTTPExtractor{
		URL:             url,
		Client:          &http.Client{Timeout: timeout},
		MaxArchiveBytes: defaultMaxArchiveBytes,
	}
}

func (e *HTTPExtractor) Extract(ctx context.Context, inputDir, outputDir string) error {
	input, err := singleInput(inputDir)
	if err != nil {
		return err
	}
	body, contentType, err := multipartBody(input)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, body)
	if err != nil {
		return fmt.Errorf("extractor request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/zip")

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("extractor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("extractor responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	limit := e.MaxArchiveBytes
	if limit <= 0 {
		limit = defaultMaxArchiveBytes
	}
	archive, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fmt.Errorf("extractor response: %w", err)
	}
	if int64(len(archive)) > limit {
		return fmt.Errorf("extractor response exceeds %d bytes", limit)
	}
	return zip.Extract(archive, outputDir, limit*4)
}

func singleInput(inputDir string) (string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil {
		return "", fmt.Errorf("read input dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			return filepath.Join(inputDir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("no input file in %s", inputDir)
}

func multipartBody(path string) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copy input: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}
