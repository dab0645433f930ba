// Package dataset scans class-folder image datasets and partitions them
// reproducibly into training and validation sets.
//
// A dataset root holds one directory per class. Classes are indexed in
// sorted name order, so a root with Normal and Tumor folders maps Normal
// to 0 and Tumor to 1.
package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImageExtensions lists the file extensions recognised as images.
var ImageExtensions = []string{".bmp", ".gif", ".jpeg", ".jpg", ".png"}

// ErrTooFewClasses is returned when a root holds fewer than two non-empty
// class folders.
var ErrTooFewClasses = errors.New("dataset needs at least two non-empty class folders")

// Sample is one labelled image.
type Sample struct {
	Path  string `json:"path"`
	Label int    `json:"label"`
}

// Dataset is the result of scanning a root directory.
type Dataset struct {
	Root    string   `json:"root"`
	Classes []string `json:"classes"`
	Samples []Sample `json:"samples"`
}

// ClassCounts returns the number of samples per class name.
func (d *Dataset) ClassCounts() map[string]int {
	counts := make(map[string]int, len(d.Classes))
	for _, s := range d.Samples {
		counts[d.Classes[s.Label]]++
	}
	return counts
}

// Partition is a labelled subset of a dataset.
type Partition struct {
	Classes []string `json:"classes"`
	Samples []Sample `json:"samples"`
}

// Len returns the number of samples.
func (p Partition) Len() int {
	return len(p.Samples)
}

// Scan walks root's immediate subdirectories as classes and collects the
// images below each, recursively. Hidden entries are ignored. Samples are
// ordered by class, then path.
func Scan(root string) (*Dataset, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat dataset root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("dataset root %s is not a directory", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root: %w", err)
	}

	ds := &Dataset{Root: root}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		images, err := collectImages(filepath.Join(root, e.Name()))
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			continue
		}

		label := len(ds.Classes)
		ds.Classes = append(ds.Classes, e.Name())
		for _, p := range images {
			ds.Samples = append(ds.Samples, Sample{Path: p, Label: label})
		}
	}

	if len(ds.Classes) < 2 {
		return nil, fmt.Errorf("%s: %w (found %d)", root, ErrTooFewClasses, len(ds.Classes))
	}
	return ds, nil
}

func collectImages(dir string) ([]string, error) {
	var images []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !IsImage(path) {
			return nil
		}
		images = append(images, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(images)
	return images, nil
}

// IsImage reports whether path has an image extension.
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	i := sort.SearchStrings(ImageExtensions, ext)
	return i < len(ImageExtensions) && ImageExtensions[i] == ext
}

// Split shuffles the samples with seed and holds out the validation
// fraction. The same dataset, fraction and seed always produce the same
// partitions. Both partitions are non-empty whenever the dataset has at
// least two samples.
func (d *Dataset) Split(validationFraction float64, seed int64) (train, validation Partition, err error) {
	if validationFraction <= 0 || validationFraction >= 1 {
		return Partition{}, Partition{}, fmt.Errorf("validation fraction %v must be in (0, 1)", validationFraction)
	}
	n := len(d.Samples)
	if n < 2 {
		return Partition{}, Partition{}, fmt.Errorf("cannot split %d samples", n)
	}

	shuffled := make([]Sample, n)
	copy(shuffled, d.Samples)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nVal := int(float64(n) * validationFraction)
	switch {
	case nVal == 0:
		nVal = 1
	case nVal == n:
		nVal = n - 1
	}

	classes := append([]string(nil), d.Classes...)
	train = Partition{Classes: classes, Samples: shuffled[:n-nVal]}
	validation = Partition{Classes: classes, Samples: shuffled[n-nVal:]}
	return train, validation, nil
}
