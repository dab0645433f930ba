// Package artifacts provisions stage directories and reads and writes the
// files stages hand to each other. Artifacts are identified by path only.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Ahmed2797/Kidney-Disease-Classification-Deep-learning-project/pkg/engine"
)

// DirPerm is the permission used for provisioned directories.
const DirPerm = 0o755

// Ensure creates each path as a directory, in order, including missing
// parents. Directories that already exist are left untouched.
func Ensure(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			return engine.New(engine.KindFilesystem, "empty directory path").WithOp("ensure_dir")
		}

		info, err := os.Stat(p)
		switch {
		case err == nil && info.IsDir():
			continue
		case err == nil:
			return engine.New(engine.KindFilesystem, "%s exists and is not a directory", p).WithOp("ensure_dir")
		case !errors.Is(err, fs.ErrNotExist):
			return engine.Wrap(engine.KindFilesystem, err, "failed to stat %s", p).WithOp("ensure_dir")
		}

		if err := os.MkdirAll(p, DirPerm); err != nil {
			return engine.Wrap(engine.KindFilesystem, err, "failed to create directory %s", p).WithOp("ensure_dir")
		}
	}
	return nil
}

// Exists reports whether a file or directory exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// RequireFile returns an error unless path is an existing regular file.
func RequireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("required artifact %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("required artifact %s is not a regular file", path)
	}
	return nil
}

// RequireNonEmptyDir returns an error unless path is a directory with at
// least one entry.
func RequireNonEmptyDir(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("required directory %s: %w", path, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("required directory %s is empty", path)
	}
	return nil
}

// WriteJSON writes v as indented JSON to path.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFile(path, append(data, '\n'))
}

// WriteYAML writes v as YAML to path.
func WriteYAML(path string, v interface{}) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFile(path, data)
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// WriteFile writes data to a temp file in the destination directory,
// fsyncs it and renames it over path, so readers never see a partial file.
func WriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("failed to ensure directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to fsync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to set permissions on temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", filepath.Base(path), err)
	}
	return nil
}
