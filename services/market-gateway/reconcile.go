package main

import (
	"context"
	"log/slog"
	"time"

	"asamart/ledger"
	"asamart/observability/metrics"
	"asamart/registry"
)

// Reconciler promotes pending listings whose escrow funding landed on chain.
// A confirmation timeout leaves a listing pending even when the group was
// eventually committed; the reconciler re-checks the escrow's asset holding
// and completes the transition out of band.
type Reconciler struct {
	store        registry.Store
	gateway      ledger.Gateway
	network      string
	pollInterval time.Duration
	log          *slog.Logger
}

// NewReconciler constructs a reconciler with sane defaults.
func NewReconciler(store registry.Store, gateway ledger.Gateway, network string, log *slog.Logger) *Reconciler {
	return &Reconciler{
		store:        store,
		gateway:      gateway,
		network:      network,
		pollInterval: 15 * time.Second,
		log:          log,
	}
}

// Run starts the polling loop until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.store == nil || r.gateway == nil {
		return
	}
	interval := r.pollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Reconciler) poll(ctx context.Context) {
	pending, err := r.store.ListByStatus(ctx, registry.StatusPending, r.network)
	if err != nil {
		r.log.Error("list pending listings", "err", err)
		return
	}
	for _, listing := range pending {
		holding, err := r.gateway.AssetHolding(ctx, listing.EscrowAddress, listing.AssetIndex)
		if err != nil {
			// Unfunded escrows are not opted in yet; the lookup fails
			// until the funding group lands. Try again next tick.
			continue
		}
		if holding == 0 {
			continue
		}
		if err := r.store.TransitionStatus(ctx, listing.ID, registry.StatusPending, registry.StatusActive); err != nil {
			r.log.Warn("promote pending listing", "listing", listing.ID, "err", err)
			continue
		}
		metrics.Market().ObserveStatusTransition(string(registry.StatusActive))
		r.log.Info("pending listing promoted", "listing", listing.ID, "escrow", listing.EscrowAddress)
	}
}
