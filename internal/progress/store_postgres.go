package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the snapshot table. The version column implements optimistic
// concurrency: the engine should be the sole writer, and the constraint makes
// that assumption checkable rather than assumed.
const Schema = `
CREATE TABLE IF NOT EXISTS progress_snapshots (
    learner_id     TEXT        NOT NULL,
    course_id      TEXT        NOT NULL,
    course_version TEXT        NOT NULL,
    payload        JSONB       NOT NULL,
    watermark      BIGINT      NOT NULL,
    version        BIGINT      NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (learner_id, course_id)
);

CREATE INDEX IF NOT EXISTS idx_progress_snapshots_course ON progress_snapshots (course_id);
`

const dbTimeout = 5 * time.Second

// PostgresSnapshotStore is a PostgreSQL-backed SnapshotStore.
type PostgresSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(pool *pgxpool.Pool) (*PostgresSnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresSnapshotStore{pool: pool}, nil
}

func (s *PostgresSnapshotStore) Get(ctx context.Context, learnerID, courseID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var payload []byte
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT payload, version
		 FROM progress_snapshots
		 WHERE learner_id = $1 AND course_id = $2`,
		learnerID, courseID,
	).Scan(&payload, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s: %w", learnerID, courseID, ErrNotFound)
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	snap, err := decodeSnapshot(payload)
	if err != nil {
		return nil, err
	}
	snap.Version = version
	return snap, nil
}

func (s *PostgresSnapshotStore) Put(ctx context.Context, snap *Snapshot) error {
	if snap.LearnerID == "" || snap.CourseID == "" {
		return fmt.Errorf("snapshot requires learner_id and course_id")
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if snap.Version == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO progress_snapshots (learner_id, course_id, course_version, payload, watermark, version, updated_at)
			 VALUES ($1, $2, $3, $4, $5, 1, NOW())`,
			snap.LearnerID, snap.CourseID, snap.CourseVersion, payload, snap.Watermark,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%s/%s already exists: %w", snap.LearnerID, snap.CourseID, ErrVersionConflict)
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}
		snap.Version = 1
		return nil
	}

	cmd, err := s.pool.Exec(ctx,
		`UPDATE progress_snapshots
		 SET course_version = $3, payload = $4, watermark = $5, version = version + 1, updated_at = NOW()
		 WHERE learner_id = $1 AND course_id = $2 AND version = $6`,
		snap.LearnerID, snap.CourseID, snap.CourseVersion, payload, snap.Watermark, snap.Version,
	)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s at version %d: %w", snap.LearnerID, snap.CourseID, snap.Version, ErrVersionConflict)
	}
	snap.Version++
	return nil
}

func (s *PostgresSnapshotStore) List(ctx context.Context, courseID string) ([]*Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload, version
		 FROM progress_snapshots
		 WHERE course_id = $1`,
		courseID,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var payload []byte
		var version int64
		if err := rows.Scan(&payload, &version); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap, err := decodeSnapshot(payload)
		if err != nil {
			return nil, err
		}
		snap.Version = version
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func decodeSnapshot(payload []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Sections == nil {
		snap.Sections = make(map[string]SectionState)
	}
	if snap.Lessons == nil {
		snap.Lessons = make(map[string]LessonState)
	}
	return &snap, nil
}
