// Package archive extracts dataset archives.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

// ErrUnsafePath is returned for entries that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination")

// Summary describes an extraction.
type Summary struct {
	Files int   `json:"files"`
	Dirs  int   `json:"dirs"`
	Bytes int64 `json:"bytes"`
}

// ExtractZip extracts the zip at src into dest, creating dest if needed.
// Every entry is checked before anything is written, so an archive with an
// escaping entry leaves dest untouched.
func ExtractZip(ctx context.Context, src, dest string) (Summary, error) {
	var sum Summary

	r, err := zip.OpenReader(src)
	if err != nil {
		return sum, fmt.Errorf("failed to open zip %s: %w", src, err)
	}
	defer r.Close()

	dest, err = filepath.Abs(dest)
	if err != nil {
		return sum, err
	}

	targets := make([]string, len(r.File))
	for i, f := range r.File {
		target, err := entryPath(dest, f.Name)
		if err != nil {
			return sum, err
		}
		targets[i] = target
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return sum, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	for i, f := range r.File {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		target := targets[i]
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return sum, fmt.Errorf("failed to create %s: %w", target, err)
			}
			sum.Dirs++
			continue
		}
		if !f.Mode().IsRegular() {
			// Symlinks and devices are not part of a dataset.
			continue
		}

		n, err := extractFile(f, target)
		if err != nil {
			return sum, err
		}
		sum.Files++
		sum.Bytes += n
	}
	return sum, nil
}

func entryPath(dest, name string) (string, error) {
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, clean)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Dir(target), err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("failed to open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", target, err)
	}

	n, err := io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return n, nil
}
