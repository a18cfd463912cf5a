package market

// collaboratorPayouts is the number of per-collaborator payments in a
// purchase group.
const collaboratorPayouts = 7

// Split is the revenue distribution of a purchase, in microalgos.
type Split struct {
	// SellerAmount goes directly from the buyer to the seller.
	SellerAmount uint64
	// CollaboratorShare is paid once to each of the seven collaborators.
	CollaboratorShare uint64
	// FlatAmount is the additional payment to the first collaborator.
	FlatAmount uint64
}

// ComputeSplit derives the payout amounts for a sale price. Integer division
// truncates the per-collaborator share, so up to six microalgos of the 60%
// pool stay with the buyer; this matches the settled production behavior and
// is kept for on-chain compatibility.
func ComputeSplit(price uint64) Split {
	return Split{
		SellerAmount:      price * 25 / 100,
		CollaboratorShare: price * 60 / 100 / collaboratorPayouts,
		FlatAmount:        price * 15 / 100,
	}
}

// Total is the buyer's total payment obligation, excluding fees.
func (s Split) Total() uint64 {
	return s.SellerAmount + s.CollaboratorShare*collaboratorPayouts + s.FlatAmount
}
