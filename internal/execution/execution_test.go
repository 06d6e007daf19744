package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCollaborator(t *testing.T, handler http.HandlerFunc) *HTTPCollaborator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPCollaborator(srv.URL, 2*time.Second)
	require.NoError(t, err)
	return c
}

func sampleProposal() types.RebalanceProposal {
	return types.RebalanceProposal{
		PositionAddress: "pos-1",
		PoolAddress:     "pool-1",
		Owner:           "wallet-1",
		Reason:          types.ReasonPriceAboveRange,
		OldRange:        types.BinRange{Lower: 100, Upper: 200},
		NewRange:        types.BinRange{Lower: 230, Upper: 275},
		Priority:        86,
	}
}

func TestBuildProposalPayload(t *testing.T) {
	c := newCollaborator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/build", r.URL.Path)

		var got types.RebalanceProposal
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "pos-1", got.PositionAddress)

		_, _ = w.Write([]byte("unsigned-payload-bytes"))
	})

	payload, err := c.BuildProposalPayload(context.Background(), sampleProposal())
	require.NoError(t, err)
	assert.Equal(t, []byte("unsigned-payload-bytes"), payload)
}

func TestBuildProposalPayload_EmptyResponse(t *testing.T) {
	c := newCollaborator(t, func(http.ResponseWriter, *http.Request) {})

	_, err := c.BuildProposalPayload(context.Background(), sampleProposal())
	assert.Error(t, err)
}

func TestSubmit(t *testing.T) {
	c := newCollaborator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/submit", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"signature": "5x9sig"})
	})

	signature, err := c.Submit(context.Background(), []byte("signed"))
	require.NoError(t, err)
	assert.Equal(t, "5x9sig", signature)
}

func TestSubmit_Rejection(t *testing.T) {
	c := newCollaborator(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "blockhash expired"})
	})

	_, err := c.Submit(context.Background(), []byte("signed"))
	require.ErrorIs(t, err, ErrSubmissionRejected)
	assert.Contains(t, err.Error(), "blockhash expired")
}

func TestSubmit_NoSignature(t *testing.T) {
	c := newCollaborator(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := c.Submit(context.Background(), []byte("signed"))
	assert.ErrorIs(t, err, ErrSubmissionRejected)
}

func TestSubmit_EmptyPayload(t *testing.T) {
	c := newCollaborator(t, func(http.ResponseWriter, *http.Request) {
		t.Fatal("empty payload must not reach the wire")
	})

	_, err := c.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestSubmit_NotRetried(t *testing.T) {
	calls := 0
	c := newCollaborator(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "node overloaded"})
	})

	_, err := c.Submit(context.Background(), []byte("signed"))
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a timed-out broadcast may have landed; never auto-retry")
}

func TestStub_RecordsTraffic(t *testing.T) {
	stub := NewStub()

	payload, err := stub.BuildProposalPayload(context.Background(), sampleProposal())
	require.NoError(t, err)
	assert.NotEmpty(t, payload)
	assert.Len(t, stub.BuiltProposals(), 1)

	signature, err := stub.Submit(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "stub-signature", signature)
	assert.Equal(t, 1, stub.SubmitCount())
}
