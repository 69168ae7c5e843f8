package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the ledger table. Applied via database.Migrate at startup.
//
// The primary key orders the ledger; the unique constraint on
// (learner_id, course_id, device_id, seq_number) is what makes Append
// idempotent under client retries.
const Schema = `
CREATE TABLE IF NOT EXISTS progress_ledger (
    learner_id  TEXT        NOT NULL,
    course_id   TEXT        NOT NULL,
    ledger_seq  BIGINT      NOT NULL,
    section_id  TEXT        NOT NULL,
    event_type  TEXT        NOT NULL,
    score       SMALLINT,
    client_ts   TIMESTAMPTZ NOT NULL,
    device_id   TEXT        NOT NULL,
    seq_number  BIGINT      NOT NULL,
    accepted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (learner_id, course_id, ledger_seq),
    CONSTRAINT progress_ledger_device_seq UNIQUE (learner_id, course_id, device_id, seq_number),
    CONSTRAINT progress_ledger_event_type CHECK (event_type IN ('started', 'completed', 'score_submitted')),
    CONSTRAINT progress_ledger_score CHECK (score IS NULL OR (score >= 0 AND score <= 100))
);
`

const defaultAppendTimeout = 2 * time.Second

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	pool          *pgxpool.Pool
	appendTimeout time.Duration
}

// NewPostgresStore creates a PostgreSQL-backed ledger store. appendTimeout
// bounds the append path so a slow database surfaces a retryable error to the
// reconciler instead of blocking it; zero means the 2s default.
func NewPostgresStore(pool *pgxpool.Pool, appendTimeout time.Duration) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	if appendTimeout <= 0 {
		appendTimeout = defaultAppendTimeout
	}
	return &PostgresStore{pool: pool, appendTimeout: appendTimeout}, nil
}

func (s *PostgresStore) Append(ctx context.Context, event ProgressEvent) (Entry, error) {
	if err := event.Validate(); err != nil {
		return Entry{}, fmt.Errorf("invalid event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.appendTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	// Advisory lock serializes sequence assignment per learner+course while
	// leaving other keys fully concurrent.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1 || '/' || $2))`,
		event.LearnerID, event.CourseID,
	); err != nil {
		return Entry{}, fmt.Errorf("lock ledger key: %w", err)
	}

	entry := Entry{ProgressEvent: event}
	err = tx.QueryRow(ctx,
		`INSERT INTO progress_ledger
		   (learner_id, course_id, ledger_seq, section_id, event_type, score, client_ts, device_id, seq_number)
		 VALUES ($1, $2,
		   (SELECT COALESCE(MAX(ledger_seq), 0) + 1 FROM progress_ledger WHERE learner_id = $1 AND course_id = $2),
		   $3, $4, $5, $6, $7, $8)
		 RETURNING ledger_seq, accepted_at`,
		event.LearnerID,
		event.CourseID,
		event.SectionID,
		event.Type,
		event.Score,
		event.ClientTimestamp,
		event.DeviceID,
		event.SequenceNumber,
	).Scan(&entry.LedgerSequence, &entry.AcceptedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "progress_ledger_device_seq" {
			return Entry{}, ErrDuplicate
		}
		return Entry{}, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Read(ctx context.Context, learnerID, courseID string, fromSeq uint64) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT ledger_seq, section_id, event_type, score, client_ts, device_id, seq_number, accepted_at
		 FROM progress_ledger
		 WHERE learner_id = $1 AND course_id = $2 AND ledger_seq > $3
		 ORDER BY ledger_seq ASC`,
		learnerID, courseID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{ProgressEvent: ProgressEvent{LearnerID: learnerID, CourseID: courseID}}
		var score *int16
		if err := rows.Scan(
			&e.LedgerSequence,
			&e.SectionID,
			&e.Type,
			&score,
			&e.ClientTimestamp,
			&e.DeviceID,
			&e.SequenceNumber,
			&e.AcceptedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		if score != nil {
			v := int(*score)
			e.Score = &v
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return entries, nil
}
