// Package execution holds the collaborator that builds transaction payloads
// for proposals and submits signed payloads on-chain. The engine itself never
// signs: it prepares payloads, waits for the human-approval step to return
// signed bytes, and forwards them here.
package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/logger"
	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

var (
	// ErrSubmissionRejected indicates the chain rejected the signed payload.
	// Terminal for the queue entry that carried it.
	ErrSubmissionRejected = errors.New("on-chain submission rejected")
	// ErrEmptyPayload indicates submit was called without signed bytes.
	ErrEmptyPayload = errors.New("signed payload is empty")
)

// Collaborator is the execution contract consumed by the approval queue and
// the proposal dispatch path.
type Collaborator interface {
	// BuildProposalPayload encodes a proposal into the unsigned transaction
	// payload the wallet will sign.
	BuildProposalPayload(ctx context.Context, proposal types.RebalanceProposal) ([]byte, error)
	// Submit broadcasts signed bytes and returns the transaction signature.
	Submit(ctx context.Context, signedPayload []byte) (string, error)
}

// HTTPCollaborator drives a transaction-builder sidecar over HTTP.
type HTTPCollaborator struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger
}

// NewHTTPCollaborator builds the collaborator with a retrying client for the
// build endpoint. Submission itself is not auto-retried: a broadcast that
// timed out may still have landed, and a duplicate would double-move funds.
func NewHTTPCollaborator(baseURL string, timeout time.Duration) (*HTTPCollaborator, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("executor base URL cannot be empty")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 2
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = nil
	retryClient.HTTPClient.Timeout = timeout

	return &HTTPCollaborator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  retryClient.StandardClient(),
		timeout: timeout,
		logger:  logger.GetForComponent("execution"),
	}, nil
}

// BuildProposalPayload asks the builder sidecar to encode the proposal.
func (c *HTTPCollaborator) BuildProposalPayload(ctx context.Context, proposal types.RebalanceProposal) ([]byte, error) {
	body, err := json.Marshal(proposal)
	if err != nil {
		return nil, fmt.Errorf("marshal proposal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/build", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("build request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payload builder responded with status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload builder returned an empty payload")
	}

	c.logger.Debug().
		Str("position", proposal.PositionAddress).
		Int("payloadBytes", len(payload)).
		Msg("Proposal payload built")
	return payload, nil
}

// Submit broadcasts the signed payload once and returns the signature.
func (c *HTTPCollaborator) Submit(ctx context.Context, signedPayload []byte) (string, error) {
	if len(signedPayload) == 0 {
		return "", ErrEmptyPayload
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/submit", bytes.NewReader(signedPayload))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	// Plain client call: no automatic retry on submission.
	resp, err := (&http.Client{Timeout: c.timeout}).Do(req)
	if err != nil {
		return "", fmt.Errorf("submit request failed: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Signature string `json:"signature"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || result.Error != "" {
		return "", fmt.Errorf("%w: status=%d detail=%s", ErrSubmissionRejected, resp.StatusCode, result.Error)
	}
	if result.Signature == "" {
		return "", fmt.Errorf("%w: submitter returned no signature", ErrSubmissionRejected)
	}

	c.logger.Info().Str("signature", result.Signature).Msg("Signed payload submitted")
	return result.Signature, nil
}
