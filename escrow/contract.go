package escrow

import (
	"errors"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// ErrContractResolution wraps every failure to obtain a valid escrow program.
// Callers must not fund an escrow without a resolved contract.
var ErrContractResolution = errors.New("escrow: contract resolution failed")

// Contract is the opaque escrow capability: compiled program bytes plus the
// address those bytes control. The program encodes (seller, asset, price), so
// the address is deterministic in the inputs; it is never interpreted locally.
type Contract struct {
	program []byte
	address types.Address
}

// NewContract wraps compiled program bytes and derives their spend address.
func NewContract(program []byte) (*Contract, error) {
	if len(program) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrContractResolution)
	}
	account, err := crypto.MakeLogicSigAccountEscrowChecked(program, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractResolution, err)
	}
	address, err := account.Address()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractResolution, err)
	}
	return &Contract{program: append([]byte(nil), program...), address: address}, nil
}

// Address returns the escrow spend address derived from the program.
func (c *Contract) Address() types.Address {
	return c.address
}

// Program returns a copy of the compiled program bytes.
func (c *Contract) Program() []byte {
	return append([]byte(nil), c.program...)
}

// Signer builds the program signer for transactions spent from the escrow.
func (c *Contract) Signer() (*ContractSigner, error) {
	account, err := crypto.MakeLogicSigAccountEscrowChecked(c.program, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContractResolution, err)
	}
	return &ContractSigner{account: account, address: c.address}, nil
}

// ContractSigner produces program signatures. It is purely local and requires
// no interactive approval, but only covers transactions whose sender is the
// escrow address itself.
type ContractSigner struct {
	account crypto.LogicSigAccount
	address types.Address
}

// Address returns the address the signer can spend from.
func (s *ContractSigner) Address() types.Address {
	return s.address
}

// SignTransaction produces a program signature blob for txn.
func (s *ContractSigner) SignTransaction(txn types.Transaction) ([]byte, error) {
	if txn.Sender != s.address {
		return nil, fmt.Errorf("escrow: refusing program signature for sender %s", txn.Sender)
	}
	_, blob, err := crypto.SignLogicSigAccountTransaction(s.account, txn)
	if err != nil {
		return nil, fmt.Errorf("escrow: program signature: %w", err)
	}
	return blob, nil
}
