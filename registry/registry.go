package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the listing lifecycle state. Listings only ever move forward:
// Pending until the escrow funding group confirms, Active while purchasable,
// Complete once a purchase settles.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusComplete Status = "complete"
)

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusActive, StatusComplete:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("registry: unknown status %q", raw)
	}
}

// ValidTransition reports whether from → to is a legal lifecycle step.
func ValidTransition(from, to Status) bool {
	switch {
	case from == StatusPending && to == StatusActive:
		return true
	case from == StatusActive && to == StatusComplete:
		return true
	default:
		return false
	}
}

// Listing is one asset sale tracked by the marketplace.
type Listing struct {
	ID            string    `json:"id"`
	Seller        string    `json:"seller"`
	AssetIndex    uint64    `json:"assetIndex"`
	Price         uint64    `json:"price"`
	EscrowProgram []byte    `json:"escrowProgram"`
	EscrowAddress string    `json:"escrowAddress"`
	Status        Status    `json:"status"`
	Network       string    `json:"network"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ErrNotFound is returned when no listing matches the identifier.
var ErrNotFound = errors.New("registry: listing not found")

// ErrStatusConflict is returned when a compare-and-swap transition loses the
// race: the listing is no longer in the expected state.
var ErrStatusConflict = errors.New("registry: listing status conflict")

// Store persists listings. TransitionStatus must be atomic: of N concurrent
// callers moving the same listing from the same state, exactly one succeeds
// and the rest receive ErrStatusConflict.
type Store interface {
	Create(ctx context.Context, listing Listing) error
	Get(ctx context.Context, id string) (Listing, error)
	ListBySeller(ctx context.Context, seller, network string) ([]Listing, error)
	ListByStatus(ctx context.Context, status Status, network string) ([]Listing, error)
	TransitionStatus(ctx context.Context, id string, from, to Status) error
}
