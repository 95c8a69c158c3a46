package database

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock attempts to take the named lease for holder. Expired leases
// are stolen. Returns false when another live holder owns the lease.
func (d *Database) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	expiresAt := time.Now().Add(ttl)

	query := `
		INSERT INTO sweep_leases (lock_name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lock_name) DO NOTHING
	`
	result, err := d.db.ExecContext(ctx, rebind(query), name, holder, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease acquisition: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Held. Re-take if we already own it, or steal it if it expired.
	query = `
		UPDATE sweep_leases
		SET holder = ?, expires_at = ?, acquired_at = CURRENT_TIMESTAMP
		WHERE lock_name = ? AND (holder = ? OR expires_at < CURRENT_TIMESTAMP)
	`
	result, err = d.db.ExecContext(ctx, rebind(query), holder, expiresAt, name, holder)
	if err != nil {
		return false, fmt.Errorf("failed to refresh lease: %w", err)
	}
	rows, _ = result.RowsAffected()
	return rows > 0, nil
}

// ReleaseLock drops the lease if holder still owns it.
func (d *Database) ReleaseLock(ctx context.Context, name, holder string) error {
	query := `
		DELETE FROM sweep_leases
		WHERE lock_name = ? AND holder = ?
	`
	if _, err := d.db.ExecContext(ctx, rebind(query), name, holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// CleanupExpiredLeases removes leases past their expiry.
func (d *Database) CleanupExpiredLeases(ctx context.Context) (int, error) {
	query := `
		DELETE FROM sweep_leases
		WHERE expires_at < CURRENT_TIMESTAMP
	`
	result, err := d.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup leases: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}
