// Package jobs provides the PostgreSQL-backed durable queue substrate.
//
// Both work queues (coverage scans and improvement jobs) are tables in the
// shared store:
//   - Idempotent enqueue keyed by job_key (duplicates within the retention
//     window are absorbed)
//   - Atomic dequeue with FOR UPDATE SKIP LOCKED
//   - Bounded retry with exponential backoff
//   - Stale job recovery and finished-job retention pruning
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// JobStatus represents the state of a queue row.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// QueueConfig contains configuration for a job queue.
type QueueConfig struct {
	// Name identifies the queue in logs and metrics (e.g. "scan_queue").
	Name string
	// TableName is the backing table (e.g. "scan_queue_jobs").
	TableName string
	// EntityIDColumn is the payload column name (e.g. "repo_id").
	EntityIDColumn string
	// MaxAttempts is the total number of attempts before a job is
	// permanently failed.
	MaxAttempts int
	// BaseRetryDelaySec is the base delay in seconds for retry backoff.
	BaseRetryDelaySec int
	// KeepFinished is how many completed/failed rows Prune retains.
	KeepFinished int
}

// DefaultQueueConfig returns a QueueConfig with the service defaults:
// two attempts, exponential backoff from five seconds, keep the last
// hundred finished jobs.
func DefaultQueueConfig(name, tableName, entityIDColumn string) QueueConfig {
	return QueueConfig{
		Name:              name,
		TableName:         tableName,
		EntityIDColumn:    entityIDColumn,
		MaxAttempts:       2,
		BaseRetryDelaySec: 5,
		KeepFinished:      100,
	}
}

// Queue provides durable queue operations on top of PostgreSQL.
type Queue struct {
	db     bun.IDB
	config QueueConfig
	log    *slog.Logger
}

// NewQueue creates a new job queue with the given configuration.
func NewQueue(db bun.IDB, config QueueConfig, log *slog.Logger) *Queue {
	if config.MaxAttempts == 0 {
		config.MaxAttempts = 2
	}
	if config.BaseRetryDelaySec == 0 {
		config.BaseRetryDelaySec = 5
	}
	if config.KeepFinished == 0 {
		config.KeepFinished = 100
	}

	return &Queue{
		db:     db,
		config: config,
		log:    log,
	}
}

// Name returns the queue's configured name.
func (q *Queue) Name() string {
	return q.config.Name
}

// ClaimedJob is one unit of work handed to a consumer.
type ClaimedJob struct {
	ID           uuid.UUID
	EntityID     uuid.UUID
	AttemptCount int
}

// Enqueue inserts a job keyed by jobKey. A second enqueue with the same key
// while the first row still exists is absorbed; the method reports whether a
// new row was created.
func (q *Queue) Enqueue(ctx context.Context, jobKey string, entityID uuid.UUID) (bool, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (job_key, %s, status, scheduled_at)
		VALUES (?, ?, 'pending', now())
		ON CONFLICT (job_key) DO NOTHING`,
		q.config.TableName, q.config.EntityIDColumn)

	result, err := q.db.ExecContext(ctx, query, jobKey, entityID)
	if err != nil {
		return false, fmt.Errorf("enqueue failed: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		q.log.Debug("duplicate enqueue absorbed",
			slog.String("queue", q.config.Name),
			slog.String("job_key", jobKey))
		return false, nil
	}
	return true, nil
}

// Dequeue atomically claims up to limit jobs for processing.
//
// FOR UPDATE SKIP LOCKED lets concurrent workers claim rows without
// conflicting; this is the property the per-queue concurrency bound relies
// on across worker restarts.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]ClaimedJob, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Strategic SQL that cannot be expressed with Bun's query builder.
	query := fmt.Sprintf(`
		WITH cte AS (
			SELECT id FROM %s
			WHERE status='pending' AND scheduled_at <= now()
			ORDER BY priority DESC, scheduled_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT ?
		)
		UPDATE %s j
		SET status='processing', started_at=now(), updated_at=now()
		FROM cte WHERE j.id = cte.id
		RETURNING j.id, j.%s, j.attempt_count`,
		q.config.TableName, q.config.TableName, q.config.EntityIDColumn)

	var claimed []ClaimedJob
	rows, err := q.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var job ClaimedJob
		if err := rows.Scan(&job.ID, &job.EntityID, &job.AttemptCount); err != nil {
			return nil, fmt.Errorf("dequeue scan failed: %w", err)
		}
		claimed = append(claimed, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue rows failed: %w", err)
	}

	return claimed, nil
}

// MarkCompleted marks a job as completed.
func (q *Queue) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed',
			completed_at = now(),
			updated_at = now()
		WHERE id = ?`,
		q.config.TableName)

	if _, err := q.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("mark completed failed: %w", err)
	}
	return nil
}

// MarkFailed marks an attempt as failed. While attempts remain the job is
// rescheduled with exponential backoff (base * 2^(attempt-1) seconds, capped
// at one hour); once MaxAttempts is reached it is permanently failed.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, errMsg string) error {
	attempt := attemptCount + 1

	if attempt >= q.config.MaxAttempts {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = 'failed',
				attempt_count = ?,
				last_error = ?,
				completed_at = now(),
				updated_at = now()
			WHERE id = ?`,
			q.config.TableName)

		if _, err := q.db.ExecContext(ctx, query, attempt, truncateError(errMsg), id); err != nil {
			return fmt.Errorf("mark failed (permanent) failed: %w", err)
		}

		q.log.Warn("job permanently failed after max attempts",
			slog.String("queue", q.config.Name),
			slog.String("job_id", id.String()),
			slog.Int("attempts", attempt),
			slog.String("error", errMsg))
		return nil
	}

	delay := retryDelaySeconds(q.config.BaseRetryDelaySec, attempt)

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending',
			attempt_count = ?,
			last_error = ?,
			scheduled_at = now() + (? || ' seconds')::interval,
			updated_at = now()
		WHERE id = ?`,
		q.config.TableName)

	_, err := q.db.ExecContext(ctx, query, attempt, truncateError(errMsg), fmt.Sprintf("%d", delay), id)
	if err != nil {
		return fmt.Errorf("mark failed (retry) failed: %w", err)
	}

	q.log.Debug("job scheduled for retry",
		slog.String("queue", q.config.Name),
		slog.String("job_id", id.String()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", time.Duration(delay)*time.Second))

	return nil
}

// retryDelaySeconds computes the backoff before a failed job's next
// delivery: base * 2^(attempt-1), capped at one hour.
func retryDelaySeconds(baseSec, attempt int) int {
	return int(math.Min(3600, float64(baseSec)*math.Pow(2, float64(attempt-1))))
}

// RecoverStale returns jobs stuck in 'processing' (a worker died mid-run)
// back to 'pending'. Returns the number of jobs recovered.
func (q *Queue) RecoverStale(ctx context.Context, staleThresholdMinutes int) (int, error) {
	if staleThresholdMinutes <= 0 {
		staleThresholdMinutes = 10
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending',
			started_at = NULL,
			scheduled_at = now(),
			updated_at = now()
		WHERE status = 'processing'
			AND started_at < now() - (? || ' minutes')::interval`,
		q.config.TableName)

	result, err := q.db.ExecContext(ctx, query, fmt.Sprintf("%d", staleThresholdMinutes))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs failed: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		q.log.Warn("recovered stale jobs",
			slog.String("queue", q.config.Name),
			slog.Int64("count", count),
			slog.Int("threshold_minutes", staleThresholdMinutes))
	}

	return int(count), nil
}

// Prune deletes completed/failed rows beyond the retention count. Pruning a
// finished row also releases its job_key for re-enqueue, which is the
// queue's idempotence window.
func (q *Queue) Prune(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'failed')
		AND id NOT IN (
			SELECT id FROM %s
			WHERE status IN ('completed', 'failed')
			ORDER BY completed_at DESC NULLS LAST
			LIMIT ?
		)`,
		q.config.TableName, q.config.TableName)

	result, err := q.db.ExecContext(ctx, query, q.config.KeepFinished)
	if err != nil {
		return 0, fmt.Errorf("prune failed: %w", err)
	}

	count, _ := result.RowsAffected()
	return int(count), nil
}

// Stats represents queue statistics.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// GetStats returns queue statistics.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') as pending,
			COUNT(*) FILTER (WHERE status = 'processing') as processing,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed
		FROM %s`,
		q.config.TableName)

	stats := &Stats{}
	err := q.db.QueryRowContext(ctx, query).Scan(&stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("get stats failed: %w", err)
	}

	return stats, nil
}

// ScanJobKey builds the idempotence key for a scan enqueue. The timestamp
// suffix lets a repo be rescanned later while absorbing rapid duplicates.
func ScanJobKey(repoID uuid.UUID, ts time.Time) string {
	return fmt.Sprintf("scan-%s-%d", repoID, ts.UnixMilli())
}

// truncateError truncates an error message to 500 characters.
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
