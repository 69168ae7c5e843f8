package course

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable indicates the course structure provider could not be reached.
// Callers retain their previous derived state and retry with backoff.
var ErrUnavailable = errors.New("course structure unavailable")

// ErrNotFound indicates no course exists for the requested ID.
var ErrNotFound = errors.New("course not found")

// Course is a read-only course structure loaded from YAML. The structure is
// immutable for the duration of a learner's enrollment; content versioning is
// the content system's concern, not ours.
type Course struct {
	ID      string   `yaml:"id"`
	Version string   `yaml:"version"`
	Title   string   `yaml:"title"`
	Lessons []Lesson `yaml:"lessons"`
}

// Lesson is an ordered group of sections.
type Lesson struct {
	ID       string    `yaml:"id"`
	Title    string    `yaml:"title"`
	Sections []Section `yaml:"sections"`
}

// Section is the atomic unit of progress.
type Section struct {
	ID string `yaml:"id"`

	// Weight is the section's share of the lesson percentage. Defaults to 1.0.
	Weight float64 `yaml:"weight"`

	// MasteryThreshold is the minimum score (0-100) required, in addition to
	// completion, for the section to count as mastered. 0 means completion only.
	MasteryThreshold int `yaml:"mastery_threshold"`
}

// Provider resolves course structures. Implementations may hit the network;
// they report ErrUnavailable on outage so callers can distinguish a missing
// course from a missing provider.
type Provider interface {
	Structure(ctx context.Context, courseID string) (*Course, error)
}

// Validate checks the structural invariants: at least one lesson, at least one
// section per lesson, positive weights, thresholds in [0,100], unique section
// IDs across the course.
func (c *Course) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("course id is required")
	}
	if len(c.Lessons) == 0 {
		return fmt.Errorf("course %s: at least one lesson is required", c.ID)
	}

	seen := make(map[string]bool)
	for _, lesson := range c.Lessons {
		if lesson.ID == "" {
			return fmt.Errorf("course %s: lesson id is required", c.ID)
		}
		if len(lesson.Sections) == 0 {
			return fmt.Errorf("course %s: lesson %s has no sections", c.ID, lesson.ID)
		}
		for _, sec := range lesson.Sections {
			if sec.ID == "" {
				return fmt.Errorf("course %s: lesson %s: section id is required", c.ID, lesson.ID)
			}
			if seen[sec.ID] {
				return fmt.Errorf("course %s: duplicate section id %s", c.ID, sec.ID)
			}
			seen[sec.ID] = true
			if sec.Weight < 0 {
				return fmt.Errorf("course %s: section %s: weight must not be negative", c.ID, sec.ID)
			}
			if sec.MasteryThreshold < 0 || sec.MasteryThreshold > 100 {
				return fmt.Errorf("course %s: section %s: mastery_threshold must be in [0,100], got %d",
					c.ID, sec.ID, sec.MasteryThreshold)
			}
		}
	}
	return nil
}

// applyDefaults fills zero-valued weights with 1.0 after YAML decode.
func (c *Course) applyDefaults() {
	for li := range c.Lessons {
		for si := range c.Lessons[li].Sections {
			if c.Lessons[li].Sections[si].Weight == 0 {
				c.Lessons[li].Sections[si].Weight = 1.0
			}
		}
	}
}

// HasSection reports whether sectionID belongs to this course.
func (c *Course) HasSection(sectionID string) bool {
	_, _, ok := c.FindSection(sectionID)
	return ok
}

// FindSection returns the lesson index and section index for a section ID.
func (c *Course) FindSection(sectionID string) (lessonIdx, sectionIdx int, ok bool) {
	for li, lesson := range c.Lessons {
		for si, sec := range lesson.Sections {
			if sec.ID == sectionID {
				return li, si, true
			}
		}
	}
	return 0, 0, false
}

// SectionCount returns the total number of sections across all lessons.
func (c *Course) SectionCount() int {
	n := 0
	for _, lesson := range c.Lessons {
		n += len(lesson.Sections)
	}
	return n
}
