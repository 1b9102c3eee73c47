// Package queue is the Postgres-backed request queue: the ordered list of
// videos waiting for quotation plus the accumulating viewer-request tallies
// that refill it.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/nucosen/broadcast/orchestrator"
	"github.com/nucosen/broadcast/telemetry"
)

// Store implements orchestrator.Queue on a Postgres database.
type Store struct {
	DB *sql.DB
}

var _ orchestrator.Queue = (*Store)(nil)

// Dequeue removes and returns the frontmost queued id: highest priority
// first, oldest first within a priority. Empty string when the queue is
// drained.
func (s *Store) Dequeue(ctx context.Context) (string, error) {
	row := s.DB.QueryRowContext(ctx, `DELETE FROM queue
		WHERE id = (SELECT id FROM queue ORDER BY priority DESC, id ASC LIMIT 1)
		RETURNING video_id`)
	var videoID string
	if err := row.Scan(&videoID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("dequeue: %w", err)
	}
	s.publishDepth(ctx)
	return videoID, nil
}

// GetAndResetRequests atomically snapshots and clears the viewer-request
// tallies. Nil when nothing accumulated. The single DELETE ... RETURNING
// keeps snapshot and clear in one statement: a request committed by the
// intake endpoint mid-call either lands in this batch or survives for the
// next one, never neither.
func (s *Store) GetAndResetRequests(ctx context.Context) (orchestrator.RequestBatch, error) {
	rows, err := s.DB.QueryContext(ctx, `DELETE FROM requests RETURNING video_id, tally`)
	if err != nil {
		return nil, fmt.Errorf("requests snapshot: %w", err)
	}
	defer rows.Close()

	batch := orchestrator.RequestBatch{}
	for rows.Next() {
		var id string
		var tally int
		if err := rows.Scan(&id, &tally); err != nil {
			return nil, fmt.Errorf("requests snapshot: %w", err)
		}
		batch[id] = tally
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("requests snapshot: %w", err)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

// EnqueueList appends ids at normal priority, preserving order.
func (s *Store) EnqueueList(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.DB.ExecContext(ctx,
			`INSERT INTO queue (video_id, priority) VALUES ($1, 0)`, id); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}
	s.publishDepth(ctx)
	return nil
}

// PriorityEnqueue puts the id ahead of all normal entries so it plays in the
// next slot.
func (s *Store) PriorityEnqueue(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx,
		`INSERT INTO queue (video_id, priority) VALUES ($1, 1)`, id); err != nil {
		return fmt.Errorf("priority enqueue %s: %w", id, err)
	}
	s.publishDepth(ctx)
	return nil
}

// AddRequest registers one viewer request for the video, incrementing its
// tally. Used by the request intake endpoint.
func (s *Store) AddRequest(ctx context.Context, videoID string) error {
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO requests (video_id, tally)
		VALUES ($1, 1)
		ON CONFLICT (video_id) DO UPDATE SET tally = requests.tally + 1, updated_at = NOW()`, videoID); err != nil {
		return fmt.Errorf("add request %s: %w", videoID, err)
	}
	return nil
}

// Depth returns the number of queued entries.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (s *Store) publishDepth(ctx context.Context) {
	if n, err := s.Depth(ctx); err == nil {
		telemetry.SetQueueDepth(n)
	}
}
