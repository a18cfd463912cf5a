package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"asamart/escrow"
	"asamart/ledger"
	"asamart/observability/metrics"
	"asamart/registry"
	"asamart/wallet"
)

var (
	// ErrInvalidInput reports a rejected sale or purchase request. Nothing
	// was signed or submitted.
	ErrInvalidInput = errors.New("market: invalid input")

	// ErrListingNotActive reports a purchase attempt against a listing that
	// is not in the active state.
	ErrListingNotActive = errors.New("market: listing not active")
)

// collaboratorCount is the size of the configured payout roster: one flat
// recipient plus seven share recipients.
const collaboratorCount = collaboratorPayouts + 1

// EngineParams carries the settlement engine dependencies.
type EngineParams struct {
	Gateway  ledger.Gateway
	Resolver escrow.Resolver
	Store    registry.Store
	// Network partitions listings; the engine refuses to settle listings
	// recorded for another network.
	Network string
	// Collaborators is the payout roster of eight addresses. The first seven
	// each receive the per-collaborator share; the first additionally
	// receives the flat payment. The eighth entry is carried in the roster
	// but settled through the first address.
	Collaborators []string
	// ReserveAmount funds the escrow's minimum balance when listing.
	ReserveAmount uint64
	// WaitRounds bounds confirmation polling after submission.
	WaitRounds uint64
	Logger     *slog.Logger
}

// Engine builds, signs, submits and confirms the marketplace's atomic
// transaction groups, and drives listing lifecycle transitions.
type Engine struct {
	gateway       ledger.Gateway
	resolver      escrow.Resolver
	store         registry.Store
	network       string
	collaborators []string
	reserve       uint64
	waitRounds    uint64
	log           *slog.Logger
	nowFn         func() time.Time
}

// NewEngine validates params and builds an engine.
func NewEngine(params EngineParams) (*Engine, error) {
	if params.Gateway == nil || params.Resolver == nil || params.Store == nil {
		return nil, errors.New("market: gateway, resolver and store are required")
	}
	if params.Network == "" {
		return nil, errors.New("market: network is required")
	}
	if len(params.Collaborators) != collaboratorCount {
		return nil, fmt.Errorf("market: expected %d collaborators, got %d", collaboratorCount, len(params.Collaborators))
	}
	for i, addr := range params.Collaborators {
		if _, err := types.DecodeAddress(addr); err != nil {
			return nil, fmt.Errorf("market: collaborator %d: %w", i, err)
		}
	}
	if params.ReserveAmount == 0 {
		return nil, errors.New("market: reserve amount is required")
	}
	if params.WaitRounds == 0 {
		return nil, errors.New("market: wait rounds is required")
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		gateway:       params.Gateway,
		resolver:      params.Resolver,
		store:         params.Store,
		network:       params.Network,
		collaborators: append([]string(nil), params.Collaborators...),
		reserve:       params.ReserveAmount,
		waitRounds:    params.WaitRounds,
		log:           log,
		nowFn:         time.Now,
	}, nil
}

// SellAsset lists one unit of an asset for sale. It resolves the escrow
// contract, records a pending listing, then funds the escrow with a three
// member atomic group: reserve payment, escrow asset opt-in, asset transfer.
// The listing becomes active only after the group confirms; on any failure it
// stays pending and the reconciler may promote it later.
func (e *Engine) SellAsset(ctx context.Context, signer wallet.Signer, assetIndex, price uint64) (registry.Listing, error) {
	if signer == nil {
		return registry.Listing{}, fmt.Errorf("%w: signer is required", ErrInvalidInput)
	}
	if assetIndex == 0 {
		return registry.Listing{}, fmt.Errorf("%w: asset index must be positive", ErrInvalidInput)
	}
	if price == 0 {
		return registry.Listing{}, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}

	seller := signer.Address().String()
	contract, err := e.resolver.Resolve(ctx, seller, assetIndex, price)
	if err != nil {
		return registry.Listing{}, err
	}

	now := e.nowFn().UTC()
	listing := registry.Listing{
		ID:            registry.NewListingID(),
		Seller:        seller,
		AssetIndex:    assetIndex,
		Price:         price,
		EscrowProgram: contract.Program(),
		EscrowAddress: contract.Address().String(),
		Status:        registry.StatusPending,
		Network:       e.network,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Create(ctx, listing); err != nil {
		return registry.Listing{}, fmt.Errorf("market: record listing: %w", err)
	}
	e.log.Info("listing recorded",
		"listing", listing.ID, "seller", seller, "asset", assetIndex, "price", price,
		"escrow", listing.EscrowAddress)

	params, err := e.gateway.SuggestedParams(ctx)
	if err != nil {
		return listing, fmt.Errorf("market: suggested params: %w", err)
	}
	group, err := e.buildListingGroup(params, seller, listing.EscrowAddress, assetIndex)
	if err != nil {
		return listing, err
	}

	conf, err := e.settle(ctx, "listing", signer, contract, group)
	if err != nil {
		return listing, err
	}

	if err := e.store.TransitionStatus(ctx, listing.ID, registry.StatusPending, registry.StatusActive); err != nil {
		return listing, fmt.Errorf("market: activate listing %s: %w", listing.ID, err)
	}
	metrics.Market().ObserveStatusTransition(string(registry.StatusActive))
	listing.Status = registry.StatusActive
	e.log.Info("listing active",
		"listing", listing.ID, "txid", conf.TxID, "round", conf.ConfirmedRound)
	return listing, nil
}

// BuyAsset settles a purchase of an active listing. The twelve member group
// pays the seller and the collaborator roster from the buyer, moves the asset
// out of escrow and closes the escrow's remaining balance back to the seller.
// The listing completes only after the group confirms; on any failure it
// stays active.
func (e *Engine) BuyAsset(ctx context.Context, signer wallet.Signer, listingID string) (registry.Listing, error) {
	if signer == nil {
		return registry.Listing{}, fmt.Errorf("%w: signer is required", ErrInvalidInput)
	}
	listing, err := e.store.Get(ctx, listingID)
	if err != nil {
		return registry.Listing{}, err
	}
	if listing.Network != e.network {
		return listing, fmt.Errorf("%w: listing %s belongs to network %s", ErrInvalidInput, listing.ID, listing.Network)
	}
	if listing.Status != registry.StatusActive {
		return listing, fmt.Errorf("%w: listing %s is %s", ErrListingNotActive, listing.ID, listing.Status)
	}

	contract, err := escrow.NewContract(listing.EscrowProgram)
	if err != nil {
		return listing, err
	}
	if got := contract.Address().String(); got != listing.EscrowAddress {
		return listing, fmt.Errorf("market: stored program derives %s, listing records %s", got, listing.EscrowAddress)
	}

	params, err := e.gateway.SuggestedParams(ctx)
	if err != nil {
		return listing, fmt.Errorf("market: suggested params: %w", err)
	}
	buyer := signer.Address().String()
	group, err := e.buildPurchaseGroup(params, buyer, listing)
	if err != nil {
		return listing, err
	}

	conf, err := e.settle(ctx, "purchase", signer, contract, group)
	if err != nil {
		return listing, err
	}

	if err := e.store.TransitionStatus(ctx, listing.ID, registry.StatusActive, registry.StatusComplete); err != nil {
		return listing, fmt.Errorf("market: complete listing %s: %w", listing.ID, err)
	}
	metrics.Market().ObserveStatusTransition(string(registry.StatusComplete))
	listing.Status = registry.StatusComplete
	e.log.Info("listing complete",
		"listing", listing.ID, "buyer", buyer, "txid", conf.TxID, "round", conf.ConfirmedRound)
	return listing, nil
}

// buildListingGroup assembles the escrow funding group: the seller pays the
// reserve into the escrow, the escrow opts in to the asset, the seller moves
// one unit into the escrow.
func (e *Engine) buildListingGroup(params types.SuggestedParams, seller, escrowAddr string, assetIndex uint64) ([]types.Transaction, error) {
	reserve, err := transaction.MakePaymentTxn(seller, escrowAddr, e.reserve, nil, "", params)
	if err != nil {
		return nil, fmt.Errorf("market: reserve payment: %w", err)
	}
	optIn, err := transaction.MakeAssetAcceptanceTxn(escrowAddr, nil, params, assetIndex)
	if err != nil {
		return nil, fmt.Errorf("market: escrow opt-in: %w", err)
	}
	deposit, err := transaction.MakeAssetTransferTxn(seller, escrowAddr, 1, nil, params, "", assetIndex)
	if err != nil {
		return nil, fmt.Errorf("market: asset deposit: %w", err)
	}
	group, err := transaction.AssignGroupID([]types.Transaction{reserve, optIn, deposit}, "")
	if err != nil {
		return nil, fmt.Errorf("market: assign group id: %w", err)
	}
	return group, nil
}

// buildPurchaseGroup assembles the settlement group in its fixed order:
// seller payment, buyer opt-in, escrowed asset transfer closing to the buyer,
// seven collaborator share payments, the flat collaborator payment, and the
// escrow balance close back to the seller.
func (e *Engine) buildPurchaseGroup(params types.SuggestedParams, buyer string, listing registry.Listing) ([]types.Transaction, error) {
	split := ComputeSplit(listing.Price)

	sellerPay, err := transaction.MakePaymentTxn(buyer, listing.Seller, split.SellerAmount, nil, "", params)
	if err != nil {
		return nil, fmt.Errorf("market: seller payment: %w", err)
	}
	optIn, err := transaction.MakeAssetAcceptanceTxn(buyer, nil, params, listing.AssetIndex)
	if err != nil {
		return nil, fmt.Errorf("market: buyer opt-in: %w", err)
	}
	release, err := transaction.MakeAssetTransferTxn(listing.EscrowAddress, buyer, 1, nil, params, buyer, listing.AssetIndex)
	if err != nil {
		return nil, fmt.Errorf("market: asset release: %w", err)
	}

	txns := []types.Transaction{sellerPay, optIn, release}
	for _, collab := range e.collaborators[:collaboratorPayouts] {
		pay, err := transaction.MakePaymentTxn(buyer, collab, split.CollaboratorShare, nil, "", params)
		if err != nil {
			return nil, fmt.Errorf("market: collaborator payment: %w", err)
		}
		txns = append(txns, pay)
	}
	flat, err := transaction.MakePaymentTxn(buyer, e.collaborators[0], split.FlatAmount, nil, "", params)
	if err != nil {
		return nil, fmt.Errorf("market: flat payment: %w", err)
	}
	txns = append(txns, flat)

	closeOut, err := transaction.MakePaymentTxn(listing.EscrowAddress, listing.Seller, 0, nil, listing.Seller, params)
	if err != nil {
		return nil, fmt.Errorf("market: escrow close: %w", err)
	}
	txns = append(txns, closeOut)

	group, err := transaction.AssignGroupID(txns, "")
	if err != nil {
		return nil, fmt.Errorf("market: assign group id: %w", err)
	}
	return group, nil
}

// settle routes every group member to its signer by sender, submits the fully
// signed group and waits for confirmation. The wallet signs first; a wallet
// rejection aborts before anything reaches the node.
func (e *Engine) settle(ctx context.Context, flow string, signer wallet.Signer, contract *escrow.Contract, group []types.Transaction) (*ledger.Confirmation, error) {
	walletBlobs, err := signer.SignGroup(ctx, group)
	if err != nil {
		e.log.Warn("wallet signing failed", "flow", flow, "err", err)
		return nil, err
	}
	if len(walletBlobs) != len(group) {
		return nil, fmt.Errorf("market: wallet returned %d blobs for %d members", len(walletBlobs), len(group))
	}

	contractSigner, err := contract.Signer()
	if err != nil {
		return nil, err
	}
	escrowAddr := contract.Address()

	signed := make([][]byte, len(group))
	for i, txn := range group {
		if txn.Sender == escrowAddr {
			blob, err := contractSigner.SignTransaction(txn)
			if err != nil {
				return nil, err
			}
			signed[i] = blob
			continue
		}
		if walletBlobs[i] == nil {
			return nil, fmt.Errorf("market: no signature for group member %d sender %s", i, txn.Sender)
		}
		signed[i] = walletBlobs[i]
	}

	metrics.Market().ObserveGroupSubmitted(flow)
	txid, err := e.gateway.SubmitGroup(ctx, signed)
	if err != nil {
		metrics.Market().ObserveGroupFailed(flow, "submit")
		return nil, err
	}
	e.log.Info("group submitted", "flow", flow, "txid", txid, "members", len(signed))

	conf, err := e.gateway.WaitForConfirmation(ctx, txid, e.waitRounds)
	if err != nil {
		if errors.Is(err, ledger.ErrConfirmationTimeout) {
			metrics.Market().ObserveGroupFailed(flow, "timeout")
		} else {
			metrics.Market().ObserveGroupFailed(flow, "confirm")
		}
		return nil, err
	}
	metrics.Market().ObserveGroupConfirmed(flow)
	return conf, nil
}
