// Package zip packs job artifacts for download and unpacks archives returned
// by a remote extraction engine.
package zip

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsafeEntry is returned for archive members that would land outside the
// destination directory.
var ErrUnsafeEntry = errors.New("zip: unsafe entry path")

type Entry struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// Archive writes entries into a single zip archive. Entry names are used as
// given, so callers pass relative slash-separated paths.
func Archive(entries []Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, entry := range entries {
		hdr := &zip.FileHeader{Name: entry.Name, Method: zip.Deflate, Modified: entry.Modified}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return nil, fmt.Errorf("zip: add %s: %w", entry.Name, err)
		}
		if _, err := w.Write(entry.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", entry.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Extract unpacks data into dest. The total uncompressed size is capped by
// maxBytes when it is positive.
func Extract(data []byte, dest string, maxBytes int64) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %v", ErrUnsafeEntry, err)
	}
	if err != nil {
		return fmt.Errorf("zip: open: %w", err)
	}
	var written int64
	for _, f := range zr.File {
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("zip: mkdir: %w", err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		n, err := extractFile(f, target, remaining(maxBytes, written))
		written += n
		if err != nil {
			return err
		}
	}
	return nil
}

func remaining(maxBytes, written int64) int64 {
	if maxBytes <= 0 {
		return -1
	}
	return maxBytes - written
}

func extractFile(f *zip.File, target string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("zip: mkdir: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("zip: open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("zip: create %s: %w", f.Name, err)
	}
	defer out.Close()

	var src io.Reader = rc
	if limit >= 0 {
		src = io.LimitReader(rc, limit+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return n, fmt.Errorf("zip: extract %s: %w", f.Name, err)
	}
	if limit >= 0 && n > limit {
		return n, fmt.Errorf("zip: archive exceeds size limit")
	}
	if !f.Modified.IsZero() {
		_ = os.Chtimes(target, f.Modified, f.Modified)
	}
	return n, nil
}

func entryPath(dest, name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := path.Clean("/" + name)
	if clean == "/" || strings.Contains(name, "../") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(strings.TrimPrefix(clean, "/")))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return target, nil
}
