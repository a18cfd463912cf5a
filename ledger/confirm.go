package ledger

import (
	"context"
	"fmt"
)

// roundSource is the slice of the node surface the confirmation poller needs.
type roundSource interface {
	lastRound(ctx context.Context) (uint64, error)
	pending(ctx context.Context, txid string) (pendingResult, error)
	waitAfter(ctx context.Context, round uint64) error
}

type pendingResult struct {
	confirmedRound uint64
	poolError      string
}

// waitForConfirmation polls the pending pool once per round until txid is
// committed, kicked with a pool error, or waitRounds rounds have passed since
// submission. This is the only retry loop in the settlement path.
func waitForConfirmation(ctx context.Context, src roundSource, txid string, waitRounds uint64) (*Confirmation, error) {
	current, err := src.lastRound(ctx)
	if err != nil {
		return nil, err
	}
	deadline := current + waitRounds
	for current <= deadline {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := src.pending(ctx, txid)
		if err == nil {
			if result.poolError != "" {
				return nil, fmt.Errorf("%w: %s", ErrSubmission, result.poolError)
			}
			if result.confirmedRound > 0 {
				return &Confirmation{TxID: txid, ConfirmedRound: result.confirmedRound}, nil
			}
		}
		if err := src.waitAfter(ctx, current); err != nil {
			return nil, err
		}
		current++
	}
	return nil, fmt.Errorf("%w: %s not confirmed within %d rounds", ErrConfirmationTimeout, txid, waitRounds)
}
