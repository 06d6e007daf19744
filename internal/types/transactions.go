/*

This file contains the pending-transaction entity managed by the approval
queue. It is the only durable mutable entity in the system; its status follows
a strict one-way state machine enforced by the queue.

*/

package types

import "time"

// TxStatus is the finite state of a pending transaction.
//
// Allowed transitions:
//
//	pending  -> approved -> executed
//	pending  -> approved -> failed
//	pending  -> rejected
//	pending  -> expired (time based)
//
// No state is re-enterable.
type TxStatus string

const (
	TxPending  TxStatus = "pending"
	TxApproved TxStatus = "approved"
	TxExecuted TxStatus = "executed"
	TxFailed   TxStatus = "failed"
	TxRejected TxStatus = "rejected"
	TxExpired  TxStatus = "expired"
)

// TxType identifies what kind of on-chain action a queue entry represents.
type TxType string

const (
	TxTypeRebalance    TxType = "rebalance"
	TxTypeStopLossExit TxType = "stop_loss_exit"
)

// PendingTransaction is a proposed on-chain action awaiting wallet signature
// and execution. Owned by the approval queue; externally mutated only through
// its approve/reject/execute operations.
type PendingTransaction struct {
	ID              string            `json:"id"`
	Type            TxType            `json:"type"`
	PositionAddress string            `json:"position_address"`
	WalletAddress   string            `json:"wallet_address"`
	Payload         []byte            `json:"payload"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Status          TxStatus          `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	ApprovedAt      *time.Time        `json:"approved_at,omitempty"`
	ExecutedAt      *time.Time        `json:"executed_at,omitempty"`
	Signature       string            `json:"signature,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// IsTerminal reports whether the entry can never transition again.
func (t *PendingTransaction) IsTerminal() bool {
	switch t.Status {
	case TxExecuted, TxFailed, TxRejected, TxExpired:
		return true
	}
	return false
}

// ExpiredAt reports whether the entry's expiry has passed at the given time.
// Only meaningful while the entry is still pending.
func (t *PendingTransaction) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
