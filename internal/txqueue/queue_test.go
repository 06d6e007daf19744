package txqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/execution"
	"github.com/dlmm-labs/rebalancer/internal/state"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is the in-memory Store used by queue tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]types.PendingTransaction
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]types.PendingTransaction)}
}

func (m *memStore) SavePendingTransaction(_ context.Context, tx *types.PendingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tx.ID] = *tx
	return nil
}

func (m *memStore) UpdatePendingTransaction(_ context.Context, tx *types.PendingTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[tx.ID]; !ok {
		return state.ErrNoRows
	}
	m.entries[tx.ID] = *tx
	return nil
}

func (m *memStore) GetPendingTransaction(_ context.Context, id string) (*types.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.entries[id]
	if !ok {
		return nil, state.ErrNoRows
	}
	copied := tx
	return &copied, nil
}

func (m *memStore) ListPendingTransactions(_ context.Context, wallet string, now time.Time) ([]types.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PendingTransaction
	for _, tx := range m.entries {
		if tx.WalletAddress == wallet && tx.Status == types.TxPending && tx.ExpiresAt.After(now) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memStore) ListTransactionsByStatus(_ context.Context, status types.TxStatus) ([]types.PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PendingTransaction
	for _, tx := range m.entries {
		if tx.Status == status {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, tx := range m.entries {
		if tx.IsTerminal() && tx.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) status(t *testing.T, id string) types.TxStatus {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.entries[id]
	require.True(t, ok, "entry %s not in store", id)
	return tx.Status
}

// recordingAlerter captures dispatched alerts.
type recordingAlerter struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (r *recordingAlerter) Dispatch(_ context.Context, alert types.Alert) types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return alert
}

func (r *recordingAlerter) byType(alertType types.AlertType) []types.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Alert
	for _, a := range r.alerts {
		if a.Type == alertType {
			out = append(out, a)
		}
	}
	return out
}

type queueFixture struct {
	queue   *Queue
	store   *memStore
	stub    *execution.Stub
	alerter *recordingAlerter
	now     time.Time
	nowMu   sync.Mutex
}

func (f *queueFixture) advance(d time.Duration) {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	f.now = f.now.Add(d)
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()

	f := &queueFixture{
		store:   newMemStore(),
		stub:    execution.NewStub(),
		alerter: &recordingAlerter{},
		now:     time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}

	queue, err := New(Config{
		Store:    f.store,
		Executor: f.stub,
		Alerter:  f.alerter,
		Expiry:   24 * time.Hour,
		Now: func() time.Time {
			f.nowMu.Lock()
			defer f.nowMu.Unlock()
			return f.now
		},
	})
	require.NoError(t, err)
	f.queue = queue
	return f
}

func validRequest() EnqueueRequest {
	return EnqueueRequest{
		Type:            types.TxTypeRebalance,
		PositionAddress: "pos-1",
		WalletAddress:   "wallet-1",
		Payload:         []byte(`{"new_range":[100,150]}`),
		Metadata:        map[string]string{"reason": "price above range"},
	}
}

func TestEnqueue(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, types.TxPending, tx.Status)
	assert.Equal(t, f.now.Add(24*time.Hour), tx.ExpiresAt)
	assert.Equal(t, types.TxPending, f.store.status(t, tx.ID), "durable write must precede visibility")
}

func TestEnqueue_Validation(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	req := validRequest()
	req.Payload = nil
	_, err := f.queue.Enqueue(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)

	req = validRequest()
	req.WalletAddress = ""
	_, err = f.queue.Enqueue(ctx, req)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestApproveExecuteLifecycle(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	approved, err := f.queue.Approve(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TxApproved, approved.Status)
	require.NotNil(t, approved.ApprovedAt)

	executed, err := f.queue.Execute(ctx, tx.ID, []byte("signed"))
	require.NoError(t, err)
	assert.Equal(t, types.TxExecuted, executed.Status)
	assert.Equal(t, "stub-signature", executed.Signature)
	require.NotNil(t, executed.ExecutedAt)
	assert.Equal(t, 1, f.stub.SubmitCount())
}

func TestReject(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	rejected, err := f.queue.Reject(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TxRejected, rejected.Status)

	// Terminal: no transition can follow.
	_, err = f.queue.Approve(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestApprove_ExpiredEntry(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	f.advance(25 * time.Hour)

	_, err = f.queue.Approve(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, types.TxExpired, f.store.status(t, tx.ID), "expired on touch, not left pending")
}

func TestExecute_RequiresApproval(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.queue.Execute(ctx, tx.ID, []byte("signed"))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 0, f.stub.SubmitCount())
}

func TestExecute_FailureIsTerminal(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	f.stub.SubmitErr = errors.New("blockhash expired")

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.queue.Approve(ctx, tx.ID)
	require.NoError(t, err)

	failed, err := f.queue.Execute(ctx, tx.ID, []byte("signed"))
	require.Error(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, types.TxFailed, failed.Status)
	assert.Contains(t, failed.Error, "blockhash expired")
	assert.Nil(t, failed.ExecutedAt)

	// Failure alert went out; retrying the same entry is refused.
	assert.Len(t, f.alerter.byType(types.AlertTxFailed), 1)
	_, err = f.queue.Execute(ctx, tx.ID, []byte("signed"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestExecute_EmptyPayload(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.queue.Approve(ctx, tx.ID)
	require.NoError(t, err)

	_, err = f.queue.Execute(ctx, tx.ID, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGet_UnknownID(t *testing.T) {
	f := newQueueFixture(t)

	_, err := f.queue.Get(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPending(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	f.advance(time.Minute)
	req := validRequest()
	req.PositionAddress = "pos-2"
	second, err := f.queue.Enqueue(ctx, req)
	require.NoError(t, err)

	otherWallet := validRequest()
	otherWallet.WalletAddress = "wallet-2"
	_, err = f.queue.Enqueue(ctx, otherWallet)
	require.NoError(t, err)

	entries, err := f.queue.ListPending(ctx, "wallet-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second.ID, entries[0].ID, "newest first")
	assert.Equal(t, first.ID, entries[1].ID)
}

func TestSweepExpired(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	f.advance(2 * time.Hour)
	fresh, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	f.advance(23 * time.Hour) // First entry is past expiry, second is not

	expired, err := f.queue.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, types.TxExpired, f.store.status(t, tx.ID))
	assert.Equal(t, types.TxPending, f.store.status(t, fresh.ID))
}

func TestRestore(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	pending, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)
	dangling, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.queue.Approve(ctx, dangling.ID)
	require.NoError(t, err)

	// Rebuild a fresh queue over the same store, as after a restart.
	restarted, err := New(Config{Store: f.store, Executor: f.stub, Alerter: f.alerter})
	require.NoError(t, err)
	require.NoError(t, restarted.Restore(ctx))

	got, err := restarted.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, got.Status)

	// The approved-but-unexecuted entry is expired, never silently re-run.
	got, err = restarted.Get(ctx, dangling.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TxExpired, got.Status)
	assert.NotEmpty(t, got.Error)
	assert.Equal(t, 0, f.stub.SubmitCount())
}

func TestTerminalStatesAreFinal(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	terminalIDs := make(map[string]types.TxStatus)

	executed, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.queue.Approve(ctx, executed.ID)
	require.NoError(t, err)
	_, err = f.queue.Execute(ctx, executed.ID, []byte("signed"))
	require.NoError(t, err)
	terminalIDs[executed.ID] = types.TxExecuted

	rejected, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.queue.Reject(ctx, rejected.ID)
	require.NoError(t, err)
	terminalIDs[rejected.ID] = types.TxRejected

	for id, want := range terminalIDs {
		_, err := f.queue.Approve(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = f.queue.Reject(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = f.queue.Execute(ctx, id, []byte("signed"))
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.Equal(t, want, f.store.status(t, id))
	}
}

func TestConcurrentApproveAndReject(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	tx, err := f.queue.Enqueue(ctx, validRequest())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.queue.Approve(ctx, tx.ID)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.queue.Reject(ctx, tx.ID)
	}()
	wg.Wait()

	// Exactly one transition wins; the loser sees an invalid-state error.
	if errs[0] == nil {
		assert.ErrorIs(t, errs[1], ErrInvalidState)
		assert.Equal(t, types.TxApproved, f.store.status(t, tx.ID))
	} else {
		require.NoError(t, errs[1])
		assert.ErrorIs(t, errs[0], ErrInvalidState)
		assert.Equal(t, types.TxRejected, f.store.status(t, tx.ID))
	}
}
