package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

const videoColumns = `
	id, job_id, owner_id, owner_email, video_url, video_key,
	duration_seconds, scene_count, created_at`

func scanVideo(row rowScanner) (*models.GeneratedVideo, error) {
	v := &models.GeneratedVideo{}
	err := row.Scan(
		&v.ID, &v.JobID, &v.OwnerID, &v.OwnerEmail, &v.VideoURL, &v.VideoKey,
		&v.DurationSeconds, &v.SceneCount, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (db *DB) GetGeneratedVideo(ctx context.Context, jobID uuid.UUID) (*models.GeneratedVideo, error) {
	query := `SELECT ` + videoColumns + ` FROM generated_videos WHERE job_id = $1`

	v, err := scanVideo(db.QueryRowContext(ctx, query, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("video for job %s: %w", jobID, jobstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generated video: %w", err)
	}

	return v, nil
}

func (db *DB) ListGeneratedVideos(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]models.GeneratedVideo, error) {
	query := `
		SELECT ` + videoColumns + `
		FROM generated_videos
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.QueryContext(ctx, query, ownerID, limitArg(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query generated videos: %w", err)
	}
	defer rows.Close()

	videos := []models.GeneratedVideo{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generated video: %w", err)
		}
		videos = append(videos, *v)
	}

	return videos, rows.Err()
}
