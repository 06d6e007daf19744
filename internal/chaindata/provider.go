// Package chaindata provides read access to DLMM pools, positions, and price
// history through the chain-data collaborator. All failures here are
// retryable on the next monitoring cycle; nothing in this package is fatal to
// a running task.
package chaindata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dlmm-labs/rebalancer/internal/types"
	"github.com/mr-tron/base58"
)

var (
	// ErrNotFound indicates the pool or position does not exist upstream.
	ErrNotFound = errors.New("entity not found on chain")
	// ErrRateLimited indicates the provider rejected the request for pacing
	// reasons. Retry on the next cycle.
	ErrRateLimited = errors.New("chain-data provider rate limited the request")
	// ErrInvalidAddress indicates a malformed base58 address.
	ErrInvalidAddress = errors.New("invalid base58 address")
)

// Provider is the chain-data collaborator contract.
type Provider interface {
	GetPoolSnapshot(ctx context.Context, address string) (*types.PoolSnapshot, error)
	GetPosition(ctx context.Context, address string) (*types.Position, error)
	GetUserPositions(ctx context.Context, wallet string) ([]types.Position, error)
	GetPriceHistory(ctx context.Context, pool string, window time.Duration) ([]types.PriceSample, error)
}

// ValidateAddress checks that the address is plausible base58 account data.
func ValidateAddress(address string) error {
	decoded, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("%w: %s decodes to %d bytes, want 32", ErrInvalidAddress, address, len(decoded))
	}
	return nil
}

// IsRetryable reports whether the error should be treated as transient and
// retried on the next cycle rather than surfaced as fatal.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.DeadlineExceeded)
}
