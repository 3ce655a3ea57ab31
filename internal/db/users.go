package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/adreel/internal/jobstore"
	"github.com/bobarin/adreel/internal/models"
	"github.com/google/uuid"
)

const userColumns = `
	id, email, display_name, plan,
	primary_allowed, primary_used, primary_carryover, primary_carryover_expiry,
	secondary_allowed, secondary_used, secondary_carryover, secondary_carryover_expiry,
	created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	p, s := &u.Credits.Primary, &u.Credits.Secondary
	err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName, &u.Plan,
		&p.Allowed, &p.Used, &p.Carryover, &p.CarryoverExpiry,
		&s.Allowed, &s.Used, &s.Carryover, &s.CarryoverExpiry,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser retrieves a user and their credit pools.
func (db *DB) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, jobstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return u, nil
}

// UpsertUser creates or refreshes the local record for an authenticated
// identity. Credit columns are never touched here.
func (db *DB) UpsertUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, display_name, plan)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = COALESCE(EXCLUDED.display_name, users.display_name),
			updated_at = NOW()
		RETURNING ` + userColumns

	u, err := scanUser(db.QueryRowContext(ctx, query, user.ID, user.Email, user.DisplayName, user.Plan))
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	*user = *u
	return nil
}

// ResetCreditPeriod starts a new billing period for one pool: used drops to
// zero and the allowance and carryover are replaced.
func (db *DB) ResetCreditPeriod(ctx context.Context, userID uuid.UUID, pool models.CreditPool, allowed, carryover int, carryoverExpiry *time.Time) error {
	prefix, err := poolColumnPrefix(pool)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE users
		SET %[1]s_allowed = $2,
		    %[1]s_used = 0,
		    %[1]s_carryover = $3,
		    %[1]s_carryover_expiry = $4,
		    updated_at = NOW()
		WHERE id = $1
	`, prefix)

	result, err := db.ExecContext(ctx, query, userID, allowed, carryover, carryoverExpiry)
	if err != nil {
		return fmt.Errorf("failed to reset credit period: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", userID, jobstore.ErrNotFound)
	}

	return nil
}

func chargeCredits(ctx context.Context, tx *sql.Tx, userID uuid.UUID, pool models.CreditPool, cost int) error {
	prefix, err := poolColumnPrefix(pool)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE users SET %[1]s_used = %[1]s_used + $2, updated_at = NOW() WHERE id = $1`, prefix)
	if _, err := tx.ExecContext(ctx, query, userID, cost); err != nil {
		return fmt.Errorf("failed to charge credits: %w", err)
	}
	return nil
}

// poolColumnPrefix maps a pool onto its column prefix. Only the two known
// values are ever interpolated into SQL.
func poolColumnPrefix(pool models.CreditPool) (string, error) {
	switch pool {
	case models.CreditPoolPrimary:
		return "primary", nil
	case models.CreditPoolSecondary:
		return "secondary", nil
	}
	return "", fmt.Errorf("unknown credit pool %q", pool)
}
