package wallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// ErrRejected reports that the wallet declined to sign. A rejection is a clean
// outcome: nothing was submitted and nothing on chain changed.
var ErrRejected = errors.New("wallet: signing rejected")

// Signer authorizes spends from a single wallet address.
//
// SignGroup receives an already-grouped transaction set and returns one blob
// per position. Positions whose sender is not the signer's address come back
// nil; the caller is responsible for covering those with another signer.
type Signer interface {
	Address() types.Address
	SignGroup(ctx context.Context, txns []types.Transaction) ([][]byte, error)
}

// KeySigner signs with a locally held private key.
type KeySigner struct {
	account crypto.Account
}

// NewKeySigner wraps an ed25519 private key.
func NewKeySigner(privateKey []byte) (*KeySigner, error) {
	account, err := crypto.AccountFromPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet: load key: %w", err)
	}
	return &KeySigner{account: account}, nil
}

// KeySignerFromMnemonic derives a signer from a 25-word mnemonic.
func KeySignerFromMnemonic(phrase string) (*KeySigner, error) {
	key, err := mnemonic.ToPrivateKey(phrase)
	if err != nil {
		return nil, fmt.Errorf("wallet: decode mnemonic: %w", err)
	}
	return NewKeySigner(key)
}

// Address returns the wallet address.
func (s *KeySigner) Address() types.Address {
	return s.account.Address
}

// SignGroup signs every member whose sender is the wallet address.
func (s *KeySigner) SignGroup(ctx context.Context, txns []types.Transaction) ([][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, errors.New("wallet: empty transaction group")
	}
	if err := sameGroup(txns); err != nil {
		return nil, err
	}
	blobs := make([][]byte, len(txns))
	for i, txn := range txns {
		if txn.Sender != s.account.Address {
			continue
		}
		_, blob, err := crypto.SignTransaction(s.account.PrivateKey, txn)
		if err != nil {
			return nil, fmt.Errorf("wallet: sign group member %d: %w", i, err)
		}
		blobs[i] = blob
	}
	return blobs, nil
}

// sameGroup rejects sets that mix members of different atomic groups. Signing
// across groups would authorize spends outside the settlement being approved.
func sameGroup(txns []types.Transaction) error {
	group := txns[0].Group
	for i, txn := range txns[1:] {
		if !bytes.Equal(txn.Group[:], group[:]) {
			return fmt.Errorf("wallet: group member %d belongs to a different group", i+1)
		}
	}
	return nil
}
