/*

This file contains the transaction approval queue: the single path through
which any component gets something done on-chain. Entries move through a
strict one-way state machine; the queue is the single logical owner of each
entry and serializes all transitions.

*/

package txqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/execution"
	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/notify"
	"github.com/dlmm-labs/rebalancer/internal/observability"
	"github.com/dlmm-labs/rebalancer/internal/state"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Error definitions for queue state violations. None of these leave a side
// effect on the entry they name.
var (
	ErrNotFound     = errors.New("pending transaction not found")
	ErrInvalidState = errors.New("transaction is not in a state that allows this transition")
	ErrExpired      = errors.New("transaction has expired")
	ErrValidation   = errors.New("transaction request is invalid")
)

// terminalRetention is how long terminal entries are kept for audit before
// the sweep deletes them.
const terminalRetention = 7 * 24 * time.Hour

// Store is the durable backing for queue entries. The in-memory index is a
// rebuildable cache over it, never the source of truth.
type Store interface {
	SavePendingTransaction(ctx context.Context, tx *types.PendingTransaction) error
	UpdatePendingTransaction(ctx context.Context, tx *types.PendingTransaction) error
	GetPendingTransaction(ctx context.Context, id string) (*types.PendingTransaction, error)
	ListPendingTransactions(ctx context.Context, wallet string, now time.Time) ([]types.PendingTransaction, error)
	ListTransactionsByStatus(ctx context.Context, status types.TxStatus) ([]types.PendingTransaction, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Alerter is the notification fan-out consumed on entry failures.
type Alerter interface {
	Dispatch(ctx context.Context, alert types.Alert) types.Alert
}

// Queue owns PendingTransaction entries and their state machine.
type Queue struct {
	mu       sync.Mutex
	store    Store
	executor execution.Collaborator
	alerts   Alerter
	metrics  *observability.Metrics

	expiry      time.Duration
	execTimeout time.Duration
	now         func() time.Time

	index    map[string]*types.PendingTransaction // non-terminal entries only
	inflight map[string]struct{}                  // ids with a submission in progress

	logger zerolog.Logger
}

// Config wires the queue's dependencies.
type Config struct {
	Store       Store
	Executor    execution.Collaborator
	Alerter     Alerter
	Metrics     *observability.Metrics
	Expiry      time.Duration // Default 24h
	ExecTimeout time.Duration // Default 60s
	Now         func() time.Time
}

// New constructs the queue. Call Restore before serving traffic.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue store cannot be nil")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("queue executor cannot be nil")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = 24 * time.Hour
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Queue{
		store:       cfg.Store,
		executor:    cfg.Executor,
		alerts:      cfg.Alerter,
		metrics:     cfg.Metrics,
		expiry:      cfg.Expiry,
		execTimeout: cfg.ExecTimeout,
		now:         cfg.Now,
		index:       make(map[string]*types.PendingTransaction),
		inflight:    make(map[string]struct{}),
		logger:      logger.GetForComponent("approval_queue"),
	}, nil
}

// Restore rebuilds the in-memory index from the store and reconciles entries
// left `approved` by a crash: with no idempotent lookup on the execution
// collaborator they are expired with a recorded error, and a fresh proposal
// re-creates them on the next cycle.
func (q *Queue) Restore(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending, err := q.store.ListTransactionsByStatus(ctx, types.TxPending)
	if err != nil {
		return fmt.Errorf("restoring pending entries: %w", err)
	}
	for i := range pending {
		tx := pending[i]
		q.index[tx.ID] = &tx
	}

	dangling, err := q.store.ListTransactionsByStatus(ctx, types.TxApproved)
	if err != nil {
		return fmt.Errorf("restoring approved entries: %w", err)
	}
	for i := range dangling {
		tx := dangling[i]
		tx.Status = types.TxExpired
		tx.Error = "approved entry found unexecuted at startup"
		if err := q.store.UpdatePendingTransaction(ctx, &tx); err != nil {
			return fmt.Errorf("reconciling dangling entry %s: %w", tx.ID, err)
		}
		q.logger.Warn().Str("txId", tx.ID).Msg("Expired approved-but-unexecuted entry from a previous run")
	}

	q.logger.Info().
		Int("pending", len(pending)).
		Int("reconciled", len(dangling)).
		Msg("Approval queue restored from store")
	q.setDepth()
	return nil
}

// EnqueueRequest carries the fields of a new proposed action.
type EnqueueRequest struct {
	Type            types.TxType
	PositionAddress string
	WalletAddress   string
	Payload         []byte
	Metadata        map[string]string
}

// Enqueue creates a new pending entry. The durable write completes before the
// entry becomes visible.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*types.PendingTransaction, error) {
	if req.Type == "" || req.PositionAddress == "" || req.WalletAddress == "" {
		return nil, fmt.Errorf("%w: type, position and wallet are required", ErrValidation)
	}
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required", ErrValidation)
	}

	now := q.now()
	tx := &types.PendingTransaction{
		ID:              uuid.New().String(),
		Type:            req.Type,
		PositionAddress: req.PositionAddress,
		WalletAddress:   req.WalletAddress,
		Payload:         req.Payload,
		Metadata:        req.Metadata,
		Status:          types.TxPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(q.expiry),
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.SavePendingTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("persisting new entry: %w", err)
	}
	q.index[tx.ID] = tx
	q.countTransition(types.TxPending)
	q.setDepth()

	q.logger.Info().
		Str("txId", tx.ID).
		Str("type", string(tx.Type)).
		Str("position", tx.PositionAddress).
		Time("expiresAt", tx.ExpiresAt).
		Msg("Transaction enqueued for approval")

	copied := *tx
	return &copied, nil
}

// Approve transitions pending -> approved and stamps the approval time. An
// entry past its expiry is expired instead and the caller sees ErrExpired.
func (q *Queue) Approve(ctx context.Context, id string) (*types.PendingTransaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != types.TxPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, tx.Status)
	}

	now := q.now()
	if tx.ExpiredAt(now) {
		if err := q.transition(ctx, tx, types.TxExpired); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s expired at %s", ErrExpired, id, tx.ExpiresAt.Format(time.RFC3339))
	}

	tx.ApprovedAt = &now
	if err := q.transition(ctx, tx, types.TxApproved); err != nil {
		tx.ApprovedAt = nil
		return nil, err
	}

	q.logger.Info().Str("txId", id).Msg("Transaction approved")
	copied := *tx
	return &copied, nil
}

// Reject transitions pending -> rejected.
func (q *Queue) Reject(ctx context.Context, id string) (*types.PendingTransaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != types.TxPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, tx.Status)
	}

	if err := q.transition(ctx, tx, types.TxRejected); err != nil {
		return nil, err
	}

	q.logger.Info().Str("txId", id).Msg("Transaction rejected by user")
	copied := *tx
	return &copied, nil
}

// Execute submits the signed payload through the execution collaborator.
// Success finalizes the entry as executed; a collaborator failure finalizes it
// as failed, which is terminal: retrying requires a fresh proposal.
func (q *Queue) Execute(ctx context.Context, id string, signedPayload []byte) (*types.PendingTransaction, error) {
	if len(signedPayload) == 0 {
		return nil, fmt.Errorf("%w: signed payload is required", ErrValidation)
	}

	q.mu.Lock()
	tx, err := q.lookup(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if tx.Status != types.TxApproved {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s, execute requires approved", ErrInvalidState, id, tx.Status)
	}
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s already has a submission in flight", ErrInvalidState, id)
	}
	q.inflight[id] = struct{}{}
	q.mu.Unlock()

	// Submission happens outside the lock so a slow chain cannot stall
	// approvals of unrelated entries.
	submitCtx, cancel := context.WithTimeout(ctx, q.execTimeout)
	signature, submitErr := q.executor.Submit(submitCtx, signedPayload)
	cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)

	now := q.now()
	if submitErr != nil {
		tx.Error = submitErr.Error()
		if err := q.transition(ctx, tx, types.TxFailed); err != nil {
			return nil, err
		}
		q.logger.Error().Err(submitErr).Str("txId", id).Msg("Execution failed; entry finalized as failed")
		q.alert(ctx, types.Alert{
			Type:            types.AlertTxFailed,
			Title:           "Transaction execution failed",
			Message:         fmt.Sprintf("Transaction %s failed: %v. Enqueue a new proposal to retry.", id, submitErr),
			PositionAddress: tx.PositionAddress,
		})
		copied := *tx
		return &copied, fmt.Errorf("executing %s: %w", id, submitErr)
	}

	tx.Signature = signature
	tx.ExecutedAt = &now
	if err := q.transition(ctx, tx, types.TxExecuted); err != nil {
		return nil, err
	}

	q.logger.Info().Str("txId", id).Str("signature", signature).Msg("Transaction executed")
	copied := *tx
	return &copied, nil
}

// Get returns one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*types.PendingTransaction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tx, err := q.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	copied := *tx
	return &copied, nil
}

// ListPending returns the wallet's non-expired pending entries, newest first.
func (q *Queue) ListPending(ctx context.Context, wallet string) ([]types.PendingTransaction, error) {
	entries, err := q.store.ListPendingTransactions(ctx, wallet, q.now())
	if err != nil {
		return nil, fmt.Errorf("listing pending entries for %s: %w", wallet, err)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// SweepExpired expires every pending entry past its deadline and deletes
// terminal entries older than the audit retention window. Runs hourly as a
// background task.
func (q *Queue) SweepExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	expired := 0
	for _, tx := range q.index {
		if tx.Status == types.TxPending && tx.ExpiredAt(now) {
			if err := q.transition(ctx, tx, types.TxExpired); err != nil {
				return expired, err
			}
			expired++
		}
	}

	if expired > 0 && q.metrics != nil {
		q.metrics.ExpiredSwept.Add(float64(expired))
	}

	deleted, err := q.store.DeleteTerminalBefore(ctx, now.Add(-terminalRetention))
	if err != nil {
		return expired, fmt.Errorf("deleting aged terminal entries: %w", err)
	}
	if expired > 0 || deleted > 0 {
		q.logger.Info().Int("expired", expired).Int64("deleted", deleted).Msg("Expiry sweep completed")
	}
	return expired, nil
}

// lookup finds an entry in the index, falling back to the store for terminal
// entries. Callers hold the lock.
func (q *Queue) lookup(ctx context.Context, id string) (*types.PendingTransaction, error) {
	if tx, ok := q.index[id]; ok {
		return tx, nil
	}

	tx, err := q.store.GetPendingTransaction(ctx, id)
	if errors.Is(err, state.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading entry %s: %w", id, err)
	}
	return tx, nil
}

// transition persists the status change and maintains the index. Callers hold
// the lock and have already validated the transition.
func (q *Queue) transition(ctx context.Context, tx *types.PendingTransaction, to types.TxStatus) error {
	from := tx.Status
	tx.Status = to
	if err := q.store.UpdatePendingTransaction(ctx, tx); err != nil {
		tx.Status = from
		return fmt.Errorf("persisting %s -> %s for %s: %w", from, to, tx.ID, err)
	}

	if tx.IsTerminal() {
		delete(q.index, tx.ID)
	} else {
		q.index[tx.ID] = tx
	}
	q.countTransition(to)
	q.setDepth()
	return nil
}

func (q *Queue) alert(ctx context.Context, alert types.Alert) {
	if q.alerts != nil {
		q.alerts.Dispatch(ctx, alert)
	}
}

func (q *Queue) countTransition(to types.TxStatus) {
	if q.metrics != nil {
		q.metrics.QueueTransitions.WithLabelValues(string(to)).Inc()
	}
}

func (q *Queue) setDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(len(q.index)))
	}
}

var _ Alerter = (*notify.Dispatcher)(nil)
var _ Store = (*state.Store)(nil)
