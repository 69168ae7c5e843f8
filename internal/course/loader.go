// Package course loads and serves read-only course structures. Structures are
// produced by the content system (Course -> Lesson -> Section with weights and
// mastery thresholds) and are treated as fixed input here.
package course

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader loads and caches course structures from a directory tree of YAML files.
type Loader struct {
	rootDir string
	courses map[string]*Course
	mu      sync.RWMutex
}

// NewLoader creates a loader and loads all courses under rootDir.
func NewLoader(rootDir string) (*Loader, error) {
	l := &Loader{
		rootDir: rootDir,
		courses: make(map[string]*Course),
	}

	if err := l.loadAll(); err != nil {
		return nil, fmt.Errorf("loading courses: %w", err)
	}

	slog.Info("courses loaded", "count", len(l.courses))
	return l, nil
}

// Structure implements Provider. The loader is fully in-memory, so it never
// reports ErrUnavailable.
func (l *Loader) Structure(_ context.Context, courseID string) (*Course, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.courses[courseID]
	if !ok {
		return nil, fmt.Errorf("course %s: %w", courseID, ErrNotFound)
	}
	return c, nil
}

// CourseIDs returns the IDs of all loaded courses.
func (l *Loader) CourseIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.courses))
	for id := range l.courses {
		ids = append(ids, id)
	}
	return ids
}

func (l *Loader) loadAll() error {
	return filepath.Walk(l.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
			return nil
		}
		return l.loadCourse(path)
	})
}

func (l *Loader) loadCourse(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var c Course
	if err := yaml.Unmarshal(data, &c); err != nil {
		slog.Warn("skipping invalid course YAML", "path", path, "error", err)
		return nil
	}

	if c.ID == "" {
		return nil // Not a course file
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		slog.Warn("skipping invalid course structure", "path", path, "error", err)
		return nil
	}

	l.mu.Lock()
	l.courses[c.ID] = &c
	l.mu.Unlock()

	return nil
}
