package caseload

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"ctorganprep/internal/models"
)

// Resolver locates one file of a case. It returns an error wrapping
// models.ErrNotFound when the file is not where the strategy looks.
type Resolver interface {
	Name() string
	Resolve(casePath, file string) (string, error)
}

// PrimaryResolver looks in the case directory as given
type PrimaryResolver struct{}

func (PrimaryResolver) Name() string { return "case directory" }

func (PrimaryResolver) Resolve(casePath, file string) (string, error) {
	return existing(filepath.Join(casePath, file))
}

// SearchRootResolver looks under Root using the last segment of the case
// path as the case id.
type SearchRootResolver struct {
	Root string
}

func (r SearchRootResolver) Name() string { return "search root " + r.Root }

func (r SearchRootResolver) Resolve(casePath, file string) (string, error) {
	return existing(filepath.Join(r.Root, CaseID(casePath), file))
}

// CaseID returns the trailing segment of a case path
func CaseID(casePath string) string {
	return filepath.Base(filepath.Clean(casePath))
}

// ResolveFirst tries each resolver in order and returns the first hit
func ResolveFirst(resolvers []Resolver, casePath, file string) (string, error) {
	tried := make([]string, 0, len(resolvers))
	for _, r := range resolvers {
		path, err := r.Resolve(casePath, file)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("%s: %w", r.Name(), err)
		}
		tried = append(tried, r.Name())
	}
	return "", fmt.Errorf("%w: %s for case %s (tried %s)",
		models.ErrNotFound, file, CaseID(casePath), strings.Join(tried, ", "))
}

func existing(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", models.ErrNotFound, path)
		}
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", models.ErrNotFound, path)
	}
	return path, nil
}
