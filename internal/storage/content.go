package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultFilename  = "upload.bin"
	maxFilenameRunes = 200
)

// ContentHash returns the lowercase hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// OriginalKey is the content address of an uploaded chart for one owner.
// Identical bytes from the same owner always map to the same key, whatever
// name they were uploaded under.
func OriginalKey(ownerID, contentHash string) string {
	return path.Join("originals", ownerSegment(ownerID), contentHash)
}

// ArtifactKey is the permanent address of an artifact produced for a job.
func ArtifactKey(jobID, kindDir, name string) string {
	return path.Join("charts", jobID, kindDir, SafeFilename(name))
}

// SafeFilename folds a caller supplied filename to a conservative ASCII form.
// Accents are stripped, and anything outside [A-Za-z0-9._-] is dropped.
func SafeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	count := 0
	for _, r := range folded {
		if count >= maxFilenameRunes {
			break
		}
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-') {
			b.WriteRune(r)
			count++
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return defaultFilename
	}
	return out
}

// Extension returns the lower-cased extension of a filename hint, or ".bin"
// when it has none or it is not plain alphanumerics.
func Extension(filenameHint string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filenameHint), "\\", "/"))
	ext := strings.ToLower(path.Ext(base))
	if len(ext) < 2 || len(ext) > 11 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return ".bin"
		}
	}
	return ext
}

func ownerSegment(ownerID string) string {
	seg := SafeFilename(ownerID)
	if seg == defaultFilename {
		return "anonymous"
	}
	return "user_" + seg
}
