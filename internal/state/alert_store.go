// ./internal/state/alert_store.go
package state

import (
	"context"
	"fmt"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// SaveAlert inserts a new alert record. Alerts are write-once; only the read
// flag is mutated afterwards.
func (s *Store) SaveAlert(ctx context.Context, alert types.Alert) error {
	stmt := `
		INSERT INTO alerts (id, alert_type, title, message, position_address, created_at, read)
		VALUES ($1, $2, $3, $4, $5, $6, $7);`
	_, err := s.db.ExecContext(ctx, stmt,
		alert.ID, alert.Type, alert.Title, alert.Message,
		nullableString(alert.PositionAddress), alert.Timestamp, alert.Read)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// ListAlerts returns the most recent alerts, optionally unread only.
func (s *Store) ListAlerts(ctx context.Context, unreadOnly bool, limit int) ([]types.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	stmt := `
		SELECT id, alert_type, title, message, COALESCE(position_address, ''), created_at, read
		FROM alerts WHERE ($1 = FALSE OR read = FALSE)
		ORDER BY created_at DESC LIMIT $2;`
	rows, err := s.db.QueryContext(ctx, stmt, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var out []types.Alert
	for rows.Next() {
		var a types.Alert
		if err := rows.Scan(&a.ID, &a.Type, &a.Title, &a.Message, &a.PositionAddress, &a.Timestamp, &a.Read); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAlertRead flips the read flag on one alert.
func (s *Store) MarkAlertRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET read = TRUE WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to mark alert %s read: %w", id, err)
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("alert %s: %w", id, ErrNoRows)
	}
	return nil
}
