// Package media holds filesystem helpers shared by the ingest, job and query
// layers: the eligible-file predicate, content hashing, and path handling
// under the media root.
package media

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// IsImageFile reports whether a filename carries one of the served image
// extensions, case-insensitive.
func IsImageFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".webp") || strings.HasSuffix(lower, ".gif")
}

// HashBytes returns the content hash used for duplicate detection. MD5 is
// deliberate: this is not a security boundary, just a membership key.
func HashBytes(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ExtFromContentType maps a response content-type to a file extension.
// Unknown types default to .jpg, which is what the upstream CDN serves most.
func ExtFromContentType(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "png"):
		return ".png"
	case strings.Contains(ct, "webp"):
		return ".webp"
	case strings.Contains(ct, "gif"):
		return ".gif"
	default:
		return ".jpg"
	}
}

// ListImageFiles walks root and returns every eligible file's full path,
// sorted for deterministic iteration. Walk errors on single entries are
// skipped rather than aborting the whole listing.
func ListImageFiles(root string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func CountImages(root string) int {
	count := 0
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			count++
		}
		return nil
	})
	return count
}

// RelPath converts a full path under root to the slash-separated relative
// form stored in the tag index.
func RelPath(root, target string) string {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return target
	}
	return filepath.ToSlash(rel)
}

// ResolveUnderRoot joins rel onto root and rejects anything that escapes it.
func ResolveUnderRoot(root, rel string) (string, error) {
	cleanRel := filepath.Clean(filepath.FromSlash(strings.TrimSpace(rel)))
	if cleanRel == "." || cleanRel == "" || cleanRel == "/" {
		return "", errors.New("invalid path")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(filepath.Join(absRoot, cleanRel))
	if err != nil {
		return "", err
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(os.PathSeparator)) {
		return "", errors.New("path traversal")
	}
	return absPath, nil
}

// CleanupEmptyParents removes now-empty directories between a deleted file
// and the media root, stopping at the first non-empty level.
func CleanupEmptyParents(startFilePath, mediaRoot string) error {
	absRoot, err := filepath.Abs(mediaRoot)
	if err != nil {
		return err
	}
	current := filepath.Dir(startFilePath)
	for {
		absCurrent, err := filepath.Abs(current)
		if err != nil {
			return err
		}
		if absCurrent == absRoot || !strings.HasPrefix(absCurrent, absRoot+string(os.PathSeparator)) {
			return nil
		}
		entries, err := os.ReadDir(absCurrent)
		if err != nil || len(entries) > 0 {
			return nil
		}
		if err := os.Remove(absCurrent); err != nil {
			return nil
		}
		current = filepath.Dir(absCurrent)
	}
}
