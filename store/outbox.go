// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EnqueueJobTx records a remote-bound mutation inside the caller's
// transaction. The payload must be a snapshot captured at enqueue time, not a
// live reference, so later local edits cannot corrupt an in-flight job.
func EnqueueJobTx(ctx context.Context, tx *sql.Tx, resource Resource, action JobAction, payload json.RawMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (resource, action, payload, status, enqueued_at)
		VALUES (?, ?, ?, 'queued', ?)
	`, resource, action, string(payload), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s %s job: %w", action, resource, err)
	}
	return nil
}

// QueuedJobs returns all queued jobs in enqueue order. A later drain only
// rescans queued jobs; sent and errored jobs are never picked up again.
func (s *Store) QueuedJobs(ctx context.Context) ([]OutboxJob, error) {
	return s.jobsByStatus(ctx, JobQueued)
}

// ErroredJobs returns failed jobs for operator inspection. They are surfaced,
// not auto-purged.
func (s *Store) ErroredJobs(ctx context.Context) ([]OutboxJob, error) {
	return s.jobsByStatus(ctx, JobError)
}

func (s *Store) jobsByStatus(ctx context.Context, status JobStatus) ([]OutboxJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, resource, action, payload, status, error, enqueued_at, sent_at
		FROM outbox WHERE status = ? ORDER BY id
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var jobs []OutboxJob
	for rows.Next() {
		var job OutboxJob
		var payload, enqueuedAt string
		var sentAt sql.NullString
		err := rows.Scan(&job.ID, &job.Resource, &job.Action, &payload, &job.Status,
			&job.Error, &enqueuedAt, &sentAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox job: %w", err)
		}
		job.Payload = json.RawMessage(payload)
		job.EnqueuedAt = parseTime(enqueuedAt)
		job.SentAt = parseNullTime(sentAt)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobSent transitions a job queued -> sent.
func (s *Store) MarkJobSent(ctx context.Context, jobID int64) error {
	return s.WithTx(ctx, []string{"outbox"}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'sent', error = '', sent_at = ?
			WHERE id = ? AND status = 'queued'
		`, formatTime(time.Now()), jobID)
		if err != nil {
			return fmt.Errorf("failed to mark job %d sent: %w", jobID, err)
		}
		return requireOneRow(res, jobID)
	})
}

// MarkJobError transitions a job queued -> error with the failure detail.
func (s *Store) MarkJobError(ctx context.Context, jobID int64, jobErr error) error {
	return s.WithTx(ctx, []string{"outbox"}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'error', error = ?
			WHERE id = ? AND status = 'queued'
		`, jobErr.Error(), jobID)
		if err != nil {
			return fmt.Errorf("failed to mark job %d errored: %w", jobID, err)
		}
		return requireOneRow(res, jobID)
	})
}

// RetryJob flips a single errored job back to queued in place so the next
// drain picks it up. This is the explicit manual-retry path; there is no
// automatic retry loop for errored jobs.
func (s *Store) RetryJob(ctx context.Context, jobID int64) error {
	return s.WithTx(ctx, []string{"outbox"}, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'queued', error = ''
			WHERE id = ? AND status = 'error'
		`, jobID)
		if err != nil {
			return fmt.Errorf("failed to retry job %d: %w", jobID, err)
		}
		return requireOneRow(res, jobID)
	})
}

func requireOneRow(res sql.Result, jobID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("job %d not in expected status", jobID)
	}
	return nil
}
