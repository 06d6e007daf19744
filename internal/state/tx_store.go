// ./internal/state/tx_store.go
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// ErrNoRows signals that the requested entity does not exist in the store.
var ErrNoRows = errors.New("entity not found in store")

// SavePendingTransaction inserts a new queue entry. The write is durable
// before the call returns.
func (s *Store) SavePendingTransaction(ctx context.Context, tx *types.PendingTransaction) error {
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction metadata: %w", err)
	}

	stmt := `
		INSERT INTO pending_transactions
			(id, tx_type, position_address, wallet_address, payload, metadata, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`
	_, err = s.db.ExecContext(ctx, stmt,
		tx.ID, tx.Type, tx.PositionAddress, tx.WalletAddress, tx.Payload, metadata,
		tx.Status, tx.CreatedAt, tx.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending transaction %s: %w", tx.ID, err)
	}
	return nil
}

// UpdatePendingTransaction persists a state transition.
func (s *Store) UpdatePendingTransaction(ctx context.Context, tx *types.PendingTransaction) error {
	stmt := `
		UPDATE pending_transactions
		SET status = $2, approved_at = $3, executed_at = $4, signature = $5, error = $6
		WHERE id = $1;`
	res, err := s.db.ExecContext(ctx, stmt,
		tx.ID, tx.Status, tx.ApprovedAt, tx.ExecutedAt, nullableString(tx.Signature), nullableString(tx.Error))
	if err != nil {
		return fmt.Errorf("failed to update pending transaction %s: %w", tx.ID, err)
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("pending transaction %s: %w", tx.ID, ErrNoRows)
	}
	return nil
}

// GetPendingTransaction loads one queue entry by id.
func (s *Store) GetPendingTransaction(ctx context.Context, id string) (*types.PendingTransaction, error) {
	stmt := `
		SELECT id, tx_type, position_address, wallet_address, payload, metadata, status,
		       created_at, expires_at, approved_at, executed_at, signature, error
		FROM pending_transactions WHERE id = $1;`
	return scanTransaction(s.db.QueryRowContext(ctx, stmt, id))
}

// ListTransactionsByStatus returns all entries with the given status, newest
// first. Used for pending views and startup reconciliation.
func (s *Store) ListTransactionsByStatus(ctx context.Context, status types.TxStatus) ([]types.PendingTransaction, error) {
	stmt := `
		SELECT id, tx_type, position_address, wallet_address, payload, metadata, status,
		       created_at, expires_at, approved_at, executed_at, signature, error
		FROM pending_transactions WHERE status = $1 ORDER BY created_at DESC;`
	rows, err := s.db.QueryContext(ctx, stmt, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListPendingTransactions returns the wallet's non-expired pending entries,
// newest first.
func (s *Store) ListPendingTransactions(ctx context.Context, wallet string, now time.Time) ([]types.PendingTransaction, error) {
	stmt := `
		SELECT id, tx_type, position_address, wallet_address, payload, metadata, status,
		       created_at, expires_at, approved_at, executed_at, signature, error
		FROM pending_transactions
		WHERE wallet_address = $1 AND status = $2 AND expires_at > $3
		ORDER BY created_at DESC;`
	rows, err := s.db.QueryContext(ctx, stmt, wallet, types.TxPending, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transactions for %s: %w", wallet, err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// CountTransactionsByStatus returns a status -> count map for health reporting.
func (s *Store) CountTransactionsByStatus(ctx context.Context) (map[types.TxStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_transactions GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TxStatus]int)
	for rows.Next() {
		var status types.TxStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan transaction count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// DeleteTerminalBefore removes terminal entries created before the cutoff.
// Audit retention cleanup, invoked by the expiry sweep.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	stmt := `
		DELETE FROM pending_transactions
		WHERE created_at < $1 AND status IN ($2, $3, $4, $5);`
	res, err := s.db.ExecContext(ctx, stmt, cutoff, types.TxExecuted, types.TxFailed, types.TxRejected, types.TxExpired)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal transactions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*types.PendingTransaction, error) {
	var tx types.PendingTransaction
	var metadata []byte
	var approvedAt, executedAt sql.NullTime
	var signature, txErr sql.NullString

	err := row.Scan(&tx.ID, &tx.Type, &tx.PositionAddress, &tx.WalletAddress, &tx.Payload, &metadata,
		&tx.Status, &tx.CreatedAt, &tx.ExpiresAt, &approvedAt, &executedAt, &signature, &txErr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending transaction: %w", err)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction metadata: %w", err)
		}
	}
	if approvedAt.Valid {
		tx.ApprovedAt = &approvedAt.Time
	}
	if executedAt.Valid {
		tx.ExecutedAt = &executedAt.Time
	}
	tx.Signature = signature.String
	tx.Error = txErr.String
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]types.PendingTransaction, error) {
	var out []types.PendingTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
