package db

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		email TEXT NOT NULL,
		display_name TEXT,
		plan TEXT,
		primary_allowed INTEGER NOT NULL DEFAULT 0,
		primary_used INTEGER NOT NULL DEFAULT 0,
		primary_carryover INTEGER NOT NULL DEFAULT 0,
		primary_carryover_expiry TIMESTAMPTZ,
		secondary_allowed INTEGER NOT NULL DEFAULT 0,
		secondary_used INTEGER NOT NULL DEFAULT 0,
		secondary_carryover INTEGER NOT NULL DEFAULT 0,
		secondary_carryover_expiry TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS video_jobs (
		id UUID PRIMARY KEY,
		owner_id UUID NOT NULL,
		owner_email TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('PENDING','PROCESSING','STITCHING','DONE','FAILED')),
		brief TEXT NOT NULL DEFAULT '',
		scene_count INTEGER NOT NULL,
		scene_prompts JSONB NOT NULL DEFAULT '[]'::jsonb,
		scene_refs JSONB NOT NULL DEFAULT '[]'::jsonb,
		crossfade_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		credit_pool TEXT NOT NULL,
		credit_cost INTEGER NOT NULL DEFAULT 0,
		final_video_url TEXT,
		final_video_key TEXT,
		total_duration_seconds INTEGER,
		failure_stage TEXT,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		stitching_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS generated_videos (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL UNIQUE REFERENCES video_jobs(id),
		owner_id UUID NOT NULL,
		owner_email TEXT NOT NULL,
		video_url TEXT NOT NULL,
		video_key TEXT,
		duration_seconds INTEGER NOT NULL,
		scene_count INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_video_jobs_owner_created ON video_jobs(owner_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_video_jobs_status_updated ON video_jobs(status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_generated_videos_owner_created ON generated_videos(owner_id, created_at DESC)`,
}

// Migrate creates the tables and indexes if they do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w (sql=%s)", err, stmt)
		}
	}
	return nil
}
