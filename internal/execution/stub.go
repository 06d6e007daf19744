package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dlmm-labs/rebalancer/internal/types"
)

// Stub is the explicit test double for the execution collaborator. It is never
// wired into a production path implicitly; choosing it is a deliberate act at
// construction time.
type Stub struct {
	mu sync.Mutex

	// BuildErr and SubmitErr, when set, are returned by the respective calls.
	BuildErr  error
	SubmitErr error
	// Signature is returned on successful Submit; defaults to a fixed marker.
	Signature string

	builds  []types.RebalanceProposal
	submits [][]byte
}

// NewStub constructs a Stub with a recognizable placeholder signature.
func NewStub() *Stub {
	return &Stub{Signature: "stub-signature"}
}

// BuildProposalPayload records the proposal and returns its JSON encoding.
func (s *Stub) BuildProposalPayload(_ context.Context, proposal types.RebalanceProposal) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.BuildErr != nil {
		return nil, s.BuildErr
	}
	s.builds = append(s.builds, proposal)
	payload, err := json.Marshal(proposal)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}
	return payload, nil
}

// Submit records the payload and returns the configured signature.
func (s *Stub) Submit(_ context.Context, signedPayload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(signedPayload) == 0 {
		return "", ErrEmptyPayload
	}
	if s.SubmitErr != nil {
		return "", s.SubmitErr
	}
	s.submits = append(s.submits, signedPayload)
	return s.Signature, nil
}

// BuiltProposals returns a copy of every proposal passed to the builder.
func (s *Stub) BuiltProposals() []types.RebalanceProposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.RebalanceProposal(nil), s.builds...)
}

// SubmitCount returns how many payloads were submitted.
func (s *Stub) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

var _ Collaborator = (*Stub)(nil)
var _ Collaborator = (*HTTPCollaborator)(nil)
