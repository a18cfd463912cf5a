package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var (
	// ErrSubmission indicates the node rejected a submitted group, for
	// example on insufficient balance. Nothing landed on the ledger.
	ErrSubmission = errors.New("ledger: group submission rejected")

	// ErrConfirmationTimeout indicates a submitted group was not observed
	// within the configured round window. The outcome is ambiguous: the
	// group may still be committed in a later round.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timeout")
)

// Confirmation describes a transaction group that landed on the ledger.
type Confirmation struct {
	TxID           string
	ConfirmedRound uint64
}

// Gateway is the thin node client the settlement engine talks to.
type Gateway interface {
	// SuggestedParams fetches current fee and validity-window parameters.
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	// SubmitGroup sends the raw signed members of one atomic group in order.
	SubmitGroup(ctx context.Context, rawSigned [][]byte) (string, error)
	// WaitForConfirmation polls until the transaction is committed or
	// waitRounds rounds have elapsed.
	WaitForConfirmation(ctx context.Context, txid string, waitRounds uint64) (*Confirmation, error)
	// AssetHolding reports how many units of an asset an address holds.
	AssetHolding(ctx context.Context, address string, assetID uint64) (uint64, error)
}

// AlgodGateway implements Gateway against an algod REST endpoint.
type AlgodGateway struct {
	client *algod.Client
}

// NewAlgodGateway dials the node at url using the supplied API token.
func NewAlgodGateway(url, token string) (*AlgodGateway, error) {
	client, err := algod.MakeClient(url, token)
	if err != nil {
		return nil, fmt.Errorf("dial algod %s: %w", url, err)
	}
	return &AlgodGateway{client: client}, nil
}

func (g *AlgodGateway) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	return g.client.SuggestedParams().Do(ctx)
}

func (g *AlgodGateway) SubmitGroup(ctx context.Context, rawSigned [][]byte) (string, error) {
	if len(rawSigned) == 0 {
		return "", fmt.Errorf("%w: empty group", ErrSubmission)
	}
	var raw []byte
	for _, blob := range rawSigned {
		raw = append(raw, blob...)
	}
	txid, err := g.client.SendRawTransaction(raw).Do(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	return txid, nil
}

func (g *AlgodGateway) WaitForConfirmation(ctx context.Context, txid string, waitRounds uint64) (*Confirmation, error) {
	return waitForConfirmation(ctx, g, txid, waitRounds)
}

func (g *AlgodGateway) AssetHolding(ctx context.Context, address string, assetID uint64) (uint64, error) {
	resp, err := g.client.AccountAssetInformation(address, assetID).Do(ctx)
	if err != nil {
		return 0, err
	}
	return resp.AssetHolding.Amount, nil
}

func (g *AlgodGateway) lastRound(ctx context.Context) (uint64, error) {
	status, err := g.client.Status().Do(ctx)
	if err != nil {
		return 0, err
	}
	return status.LastRound, nil
}

func (g *AlgodGateway) pending(ctx context.Context, txid string) (pendingResult, error) {
	info, _, err := g.client.PendingTransactionInformation(txid).Do(ctx)
	if err != nil {
		return pendingResult{}, err
	}
	return pendingResult{confirmedRound: info.ConfirmedRound, poolError: info.PoolError}, nil
}

func (g *AlgodGateway) waitAfter(ctx context.Context, round uint64) error {
	_, err := g.client.StatusAfterBlock(round).Do(ctx)
	return err
}
