package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `
	id, owner_id, owner_email, status, brief, scene_count, scene_prompts,
	scene_refs, crossfade_seconds, credit_pool, credit_cost, final_video_url, final_video_key,
	total_duration_seconds, failure_stage, error_message, created_at,
	stitching_at, completed_at, failed_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.VideoJob, error) {
	job := &models.VideoJob{}
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.OwnerEmail, &job.Status, &job.Brief,
		&job.SceneCount, &job.ScenePrompts, &job.SceneRefs, &job.CrossfadeSeconds, &job.CreditPool,
		&job.CreditCost, &job.FinalVideoURL, &job.FinalVideoKey,
		&job.TotalDurationSeconds, &job.FailureStage, &job.ErrorMessage,
		&job.CreatedAt, &job.StitchingAt, &job.CompletedAt, &job.FailedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.VideoJob) error {
	query := `
		INSERT INTO video_jobs (
			id, owner_id, owner_email, status, brief, scene_count, scene_prompts,
			scene_refs, crossfade_seconds, credit_pool, credit_cost
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.OwnerID, job.OwnerEmail, job.Status, job.Brief, job.SceneCount,
		job.ScenePrompts, job.SceneRefs, job.CrossfadeSeconds, job.CreditPool, job.CreditCost,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.VideoJob, error) {
	query := `SELECT ` + jobColumns + ` FROM video_jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, jobstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

func (db *DB) ListJobs(ctx context.Context, ownerID uuid.UUID, status models.JobStatus, limit, offset int) ([]models.VideoJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM video_jobs
		WHERE owner_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := db.QueryContext(ctx, query, ownerID, string(status), limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func (db *DB) Transition(ctx context.Context, id uuid.UUID, from, to models.JobStatus) (bool, error) {
	if to.IsTerminal() || !models.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", jobstore.ErrBadTransition, from, to)
	}

	query := `
		UPDATE video_jobs
		SET status = $1::text,
		    stitching_at = CASE WHEN $1::text = 'STITCHING' THEN NOW() ELSE stitching_at END,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	result, err := db.ExecContext(ctx, query, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}
	return db.applied(ctx, result, id)
}

func (db *DB) AppendSceneRef(ctx context.Context, id uuid.UUID, ref models.SceneRef) (*models.VideoJob, error) {
	payload, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scene ref: %w", err)
	}

	query := `
		UPDATE video_jobs
		SET scene_refs = scene_refs || jsonb_build_array($2::jsonb),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'PROCESSING'
		  AND NOT EXISTS (
		      SELECT 1 FROM jsonb_array_elements(scene_refs) AS e
		      WHERE (e->>'sceneIndex')::int = $3
		  )
		RETURNING ` + jobColumns

	job, err := scanJob(db.QueryRowContext(ctx, query, id, string(payload), ref.SceneIndex))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to append scene ref: %w", err)
	}

	// Nothing updated: unknown job, wrong state, or a duplicate scene index.
	job, err = db.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusProcessing {
		return nil, fmt.Errorf("%w: scene append on %s job", jobstore.ErrInvalidState, job.Status)
	}
	return job, nil
}

// CompleteJob writes the DONE state, the generated_videos row and the credit
// charge in one transaction. The status guard makes a replay a no-op.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, c jobstore.Completion) (bool, error) {
	applied := false
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			ownerID    uuid.UUID
			ownerEmail string
			sceneCount int
			pool       models.CreditPool
			cost       int
		)
		err := tx.QueryRowContext(ctx, `
			UPDATE video_jobs
			SET status = 'DONE',
			    final_video_url = $2,
			    final_video_key = $3,
			    total_duration_seconds = $4,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $1 AND status = 'STITCHING'
			RETURNING owner_id, owner_email, scene_count, credit_pool, credit_cost
		`, id, c.FinalVideoURL, c.FinalVideoKey, c.DurationSeconds).Scan(&ownerID, &ownerEmail, &sceneCount, &pool, &cost)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to complete job: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO generated_videos (
				id, job_id, owner_id, owner_email, video_url, video_key,
				duration_seconds, scene_count
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (job_id) DO NOTHING
		`, uuid.New(), id, ownerID, ownerEmail, c.FinalVideoURL, c.FinalVideoKey, c.DurationSeconds, sceneCount)
		if err != nil {
			return fmt.Errorf("failed to insert generated video: %w", err)
		}

		if cost > 0 {
			if err := chargeCredits(ctx, tx, ownerID, pool, cost); err != nil {
				return err
			}
		}

		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, db.ensureJobExists(ctx, id)
	}
	return true, nil
}

func (db *DB) FailJob(ctx context.Context, id uuid.UUID, from []models.JobStatus, stage, message string) (bool, error) {
	var statuses []string
	for _, s := range from {
		if models.CanTransition(s, models.JobStatusFailed) {
			statuses = append(statuses, string(s))
		}
	}
	if len(statuses) == 0 {
		return false, db.ensureJobExists(ctx, id)
	}

	query := `
		UPDATE video_jobs
		SET status = 'FAILED',
		    failure_stage = $3,
		    error_message = $4,
		    failed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`
	result, err := db.ExecContext(ctx, query, id, pq.Array(statuses), stage, message)
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	return db.applied(ctx, result, id)
}

func (db *DB) ListStuckJobs(ctx context.Context, status models.JobStatus, before time.Time) ([]models.VideoJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM video_jobs
		WHERE status = $1
		  AND COALESCE(CASE WHEN status = 'STITCHING' THEN stitching_at END, updated_at) < $2
		ORDER BY updated_at
	`

	rows, err := db.QueryContext(ctx, query, string(status), before)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]models.VideoJob, error) {
	jobs := []models.VideoJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// applied turns a guarded UPDATE into the CAS result, distinguishing a
// status mismatch from an unknown job.
func (db *DB) applied(ctx context.Context, result sql.Result, id uuid.UUID) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}
	return false, db.ensureJobExists(ctx, id)
}

func (db *DB) ensureJobExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM video_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up job: %w", err)
	}
	if !exists {
		return fmt.Errorf("job %s: %w", id, jobstore.ErrNotFound)
	}
	return nil
}

// limitArg maps a non-positive limit to LIMIT NULL, which Postgres treats as no limit.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
