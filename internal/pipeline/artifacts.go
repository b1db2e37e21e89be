package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"time"

	"chartextract/internal/domain"
	"chartextract/internal/storage"
)

// ArtifactKind describes one diagnostic output of the engine: which directory
// it lives under and which file names count.
type ArtifactKind struct {
	Key     string
	Dir     string
	Pattern string
}

// ArtifactKinds are collected after every run, successful or not.
var ArtifactKinds = []ArtifactKind{
	{Key: "lineformer_prediction", Dir: "lineformer", Pattern: "prediction.png"},
	{Key: "chartdete_predictions", Dir: "chartdete", Pattern: "predictions.*"},
	{Key: "converted_plot", Dir: dataDir, Pattern: "plot.png"},
}

type candidate struct {
	path    string
	name    string
	modTime time.Time
}

// latestMatch returns the most recently modified file under root whose name
// matches kind.Pattern and which sits below a kind.Dir directory.
func latestMatch(root string, kind ArtifactKind) (candidate, bool, error) {
	var best candidate
	found := false
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := path.Match(kind.Pattern, d.Name()); !ok || !underDir(root, p, kind.Dir) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !found || info.ModTime().After(best.modTime) {
			best = candidate{path: p, name: d.Name(), modTime: info.ModTime()}
			found = true
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return candidate{}, false, err
	}
	return best, found, nil
}

// collectArtifacts copies every known artifact found under outputDir into the
// blob store at charts/<job>/<dir>/<name>. Artifacts copied before an error
// are still returned.
func collectArtifacts(ctx context.Context, store BlobStore, jobID, outputDir string) (domain.Artifacts, error) {
	artifacts := domain.Artifacts{}
	for _, kind := range ArtifactKinds {
		match, ok, err := latestMatch(outputDir, kind)
		if err != nil {
			return artifacts, fmt.Errorf("collect %s: %w", kind.Key, err)
		}
		if !ok {
			continue
		}
		key, err := store.CopyFile(ctx, match.path, storage.ArtifactKey(jobID, kind.Dir, match.name))
		if err != nil {
			return artifacts, fmt.Errorf("store %s: %w", kind.Key, err)
		}
		artifacts[kind.Key] = key
	}
	return artifacts, nil
}
