// Package analytics aggregates course-level cohort metrics from progress
// snapshots. Every report is k-anonymous: below the minimum cohort size no
// report is produced at all, and breakdown buckets under the minimum are
// suppressed. Output never contains learner identifiers.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-progress/internal/course"
	"github.com/p-n-ai/pai-progress/internal/progress"
)

// ErrCohortTooSmall is returned when fewer learners than the configured
// minimum have snapshots for the course.
var ErrCohortTooSmall = errors.New("cohort below minimum size")

// Metric names accepted by Aggregate.
const (
	MetricMeanPercentComplete = "mean_percent_complete"
	MetricCompletionRate      = "completion_rate"
	MetricMasteryRate         = "mastery_rate"
	MetricSectionMastery      = "section_mastery"
)

// DefaultMinCohort is the k used when the aggregator is built with a
// non-positive minimum.
const DefaultMinCohort = 5

// Query selects a cohort and a metric.
type Query struct {
	CourseID string `json:"courseId"`
	Metric   string `json:"metric"`

	// CourseVersion restricts the cohort to snapshots computed against one
	// structure version. Empty means all versions.
	CourseVersion string `json:"courseVersion,omitempty"`
}

// Bucket is one row of a per-section breakdown. Buckets whose own cohort is
// below the minimum never appear in a report.
type Bucket struct {
	SectionID   string  `json:"sectionId"`
	CohortSize  int     `json:"cohortSize"`
	MasteryRate float64 `json:"masteryRate"`
}

// Report is an anonymous cohort aggregate.
type Report struct {
	ID          string    `json:"id"`
	CourseID    string    `json:"courseId"`
	Metric      string    `json:"metric"`
	GeneratedAt time.Time `json:"generatedAt"`
	CohortSize  int       `json:"cohortSize"`

	// Value holds the scalar metrics; zero for breakdown metrics.
	Value float64 `json:"value"`

	// Buckets holds the per-section breakdown; nil for scalar metrics.
	Buckets []Bucket `json:"buckets,omitempty"`

	// SuppressedBuckets counts breakdown rows withheld for privacy.
	SuppressedBuckets int `json:"suppressedBuckets"`
}

// Aggregator computes reports from stored snapshots.
type Aggregator struct {
	courses   course.Provider
	snapshots progress.SnapshotStore
	minCohort int
}

// New creates an aggregator. minCohort <= 0 falls back to DefaultMinCohort.
func New(courses course.Provider, snapshots progress.SnapshotStore, minCohort int) (*Aggregator, error) {
	if courses == nil {
		return nil, fmt.Errorf("course provider is required")
	}
	if snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if minCohort <= 0 {
		minCohort = DefaultMinCohort
	}
	return &Aggregator{courses: courses, snapshots: snapshots, minCohort: minCohort}, nil
}

// Aggregate scans the course's snapshots and computes the requested metric.
// The scan checks ctx between snapshots so long cohorts cancel promptly.
func (a *Aggregator) Aggregate(ctx context.Context, q Query) (*Report, error) {
	structure, err := a.courses.Structure(ctx, q.CourseID)
	if err != nil {
		return nil, fmt.Errorf("resolving structure for %s: %w", q.CourseID, err)
	}

	snaps, err := a.snapshots.List(ctx, q.CourseID)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots for %s: %w", q.CourseID, err)
	}

	cohort := make([]*progress.Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if q.CourseVersion != "" && snap.CourseVersion != q.CourseVersion {
			continue
		}
		cohort = append(cohort, snap)
	}

	if len(cohort) < a.minCohort {
		return nil, fmt.Errorf("%w: %d learners, minimum %d", ErrCohortTooSmall, len(cohort), a.minCohort)
	}

	report := &Report{
		ID:          uuid.NewString(),
		CourseID:    q.CourseID,
		Metric:      q.Metric,
		GeneratedAt: time.Now().UTC(),
		CohortSize:  len(cohort),
	}

	switch q.Metric {
	case MetricMeanPercentComplete:
		var sum float64
		for _, snap := range cohort {
			sum += snap.PercentComplete
		}
		report.Value = sum / float64(len(cohort))
	case MetricCompletionRate:
		report.Value = rate(cohort, func(s *progress.Snapshot) bool { return s.PercentComplete >= 100 })
	case MetricMasteryRate:
		report.Value = rate(cohort, func(s *progress.Snapshot) bool { return s.CertificateEligible })
	case MetricSectionMastery:
		a.sectionBreakdown(report, structure, cohort)
	default:
		return nil, fmt.Errorf("unknown metric %q", q.Metric)
	}

	slog.Info("cohort report generated",
		"report_id", report.ID,
		"course_id", report.CourseID,
		"metric", report.Metric,
		"cohort_size", report.CohortSize,
		"suppressed_buckets", report.SuppressedBuckets,
	)
	return report, nil
}

func (a *Aggregator) sectionBreakdown(report *Report, structure *course.Course, cohort []*progress.Snapshot) {
	type tally struct {
		size     int
		mastered int
	}
	tallies := make(map[string]*tally)
	for _, lesson := range structure.Lessons {
		for _, section := range lesson.Sections {
			tallies[section.ID] = &tally{}
		}
	}

	for _, snap := range cohort {
		for sectionID, state := range snap.Sections {
			t, ok := tallies[sectionID]
			if !ok {
				continue
			}
			t.size++
			if state.MasteryAchieved {
				t.mastered++
			}
		}
	}

	for sectionID, t := range tallies {
		if t.size < a.minCohort {
			report.SuppressedBuckets++
			continue
		}
		report.Buckets = append(report.Buckets, Bucket{
			SectionID:   sectionID,
			CohortSize:  t.size,
			MasteryRate: float64(t.mastered) / float64(t.size),
		})
	}
	sort.Slice(report.Buckets, func(i, j int) bool {
		return report.Buckets[i].SectionID < report.Buckets[j].SectionID
	})

	if report.SuppressedBuckets > 0 {
		slog.Debug("breakdown buckets suppressed",
			"course_id", report.CourseID,
			"suppressed", report.SuppressedBuckets,
		)
	}
}

func rate(cohort []*progress.Snapshot, pred func(*progress.Snapshot) bool) float64 {
	var n int
	for _, snap := range cohort {
		if pred(snap) {
			n++
		}
	}
	return float64(n) / float64(len(cohort))
}
