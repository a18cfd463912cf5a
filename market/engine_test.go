package market

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"asamart/escrow"
	"asamart/ledger"
	"asamart/registry"
	"asamart/wallet"
)

var testProgram = []byte{0x01, 0x20, 0x01, 0x01, 0x22}

type mockGateway struct {
	mu          sync.Mutex
	submissions [][][]byte
	submitErr   error
	confirmErr  error
	holding     uint64
}

func (m *mockGateway) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	return types.SuggestedParams{
		Fee:             1000,
		FlatFee:         true,
		FirstRoundValid: 1000,
		LastRoundValid:  2000,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     bytes.Repeat([]byte{0x01}, 32),
	}, nil
}

func (m *mockGateway) SubmitGroup(ctx context.Context, rawSigned [][]byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submissions = append(m.submissions, rawSigned)
	return fmt.Sprintf("TX%d", len(m.submissions)), nil
}

func (m *mockGateway) WaitForConfirmation(ctx context.Context, txid string, waitRounds uint64) (*ledger.Confirmation, error) {
	if m.confirmErr != nil {
		return nil, m.confirmErr
	}
	return &ledger.Confirmation{TxID: txid, ConfirmedRound: 5}, nil
}

func (m *mockGateway) AssetHolding(ctx context.Context, address string, assetID uint64) (uint64, error) {
	return m.holding, nil
}

func (m *mockGateway) submitted() [][][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions
}

type mockResolver struct {
	calls int
	err   error
}

func (m *mockResolver) Resolve(ctx context.Context, seller string, assetIndex, price uint64) (*escrow.Contract, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return escrow.NewContract(testProgram)
}

type mockStore struct {
	mu       sync.Mutex
	listings map[string]registry.Listing
}

func newMockStore() *mockStore {
	return &mockStore{listings: make(map[string]registry.Listing)}
}

func (m *mockStore) Create(ctx context.Context, listing registry.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[listing.ID] = listing
	return nil
}

func (m *mockStore) Get(ctx context.Context, id string) (registry.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	listing, ok := m.listings[id]
	if !ok {
		return registry.Listing{}, registry.ErrNotFound
	}
	return listing, nil
}

func (m *mockStore) ListBySeller(ctx context.Context, seller, network string) ([]registry.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Listing
	for _, l := range m.listings {
		if l.Seller == seller && l.Network == network {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStore) ListByStatus(ctx context.Context, status registry.Status, network string) ([]registry.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []registry.Listing
	for _, l := range m.listings {
		if l.Status == status && l.Network == network {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockStore) TransitionStatus(ctx context.Context, id string, from, to registry.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	listing, ok := m.listings[id]
	if !ok {
		return registry.ErrNotFound
	}
	if listing.Status != from {
		return registry.ErrStatusConflict
	}
	listing.Status = to
	listing.UpdatedAt = time.Now().UTC()
	m.listings[id] = listing
	return nil
}

type testEnv struct {
	engine   *Engine
	gateway  *mockGateway
	resolver *mockResolver
	store    *mockStore
	collabs  []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	collabs := make([]string, collaboratorCount)
	for i := range collabs {
		collabs[i] = crypto.GenerateAccount().Address.String()
	}
	gateway := &mockGateway{}
	resolver := &mockResolver{}
	store := newMockStore()
	engine, err := NewEngine(EngineParams{
		Gateway:       gateway,
		Resolver:      resolver,
		Store:         store,
		Network:       "testnet",
		Collaborators: collabs,
		ReserveAmount: 500_000,
		WaitRounds:    4,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &testEnv{engine: engine, gateway: gateway, resolver: resolver, store: store, collabs: collabs}
}

func newWallet(t *testing.T) (*wallet.KeySigner, types.Address) {
	t.Helper()
	account := crypto.GenerateAccount()
	signer, err := wallet.NewKeySigner(account.PrivateKey)
	if err != nil {
		t.Fatalf("NewKeySigner: %v", err)
	}
	return signer, account.Address
}

func decodeGroup(t *testing.T, blobs [][]byte) []types.SignedTxn {
	t.Helper()
	signed := make([]types.SignedTxn, len(blobs))
	for i, blob := range blobs {
		if err := msgpack.Decode(blob, &signed[i]); err != nil {
			t.Fatalf("decode group member %d: %v", i, err)
		}
	}
	return signed
}

func activeListing(t *testing.T, env *testEnv, seller types.Address, price uint64) registry.Listing {
	t.Helper()
	contract, err := escrow.NewContract(testProgram)
	if err != nil {
		t.Fatalf("NewContract: %v", err)
	}
	now := time.Now().UTC()
	listing := registry.Listing{
		ID:            registry.NewListingID(),
		Seller:        seller.String(),
		AssetIndex:    42,
		Price:         price,
		EscrowProgram: testProgram,
		EscrowAddress: contract.Address().String(),
		Status:        registry.StatusActive,
		Network:       "testnet",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := env.store.Create(context.Background(), listing); err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	return listing
}

func TestSellAssetActivatesListing(t *testing.T) {
	env := newTestEnv(t)
	signer, sellerAddr := newWallet(t)

	listing, err := env.engine.SellAsset(context.Background(), signer, 42, 100_000_000)
	if err != nil {
		t.Fatalf("SellAsset: %v", err)
	}
	if listing.Status != registry.StatusActive {
		t.Fatalf("expected active listing, got %s", listing.Status)
	}
	stored, err := env.store.Get(context.Background(), listing.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != registry.StatusActive {
		t.Fatalf("stored status = %s, want active", stored.Status)
	}

	subs := env.gateway.submitted()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	group := decodeGroup(t, subs[0])
	if len(group) != 3 {
		t.Fatalf("listing group has %d members, want 3", len(group))
	}

	var groupID types.Digest
	for i, member := range group {
		if i == 0 {
			groupID = member.Txn.Group
			if groupID == (types.Digest{}) {
				t.Fatal("group id is zero")
			}
		} else if member.Txn.Group != groupID {
			t.Fatalf("member %d carries a different group id", i)
		}
	}

	escrowAddr, err := types.DecodeAddress(listing.EscrowAddress)
	if err != nil {
		t.Fatalf("decode escrow address: %v", err)
	}

	reserve := group[0].Txn
	if reserve.Type != types.PaymentTx || reserve.Sender != sellerAddr || reserve.Receiver != escrowAddr {
		t.Fatalf("member 0 is not the seller reserve payment: %+v", reserve)
	}
	if uint64(reserve.Amount) != 500_000 {
		t.Fatalf("reserve amount = %d, want 500_000", reserve.Amount)
	}

	optIn := group[1].Txn
	if optIn.Type != types.AssetTransferTx || optIn.Sender != escrowAddr || optIn.AssetAmount != 0 {
		t.Fatalf("member 1 is not the escrow opt-in: %+v", optIn)
	}
	if group[1].Lsig.Logic == nil {
		t.Fatal("escrow opt-in must carry a program signature")
	}
	if group[0].Sig == (types.Signature{}) || group[2].Sig == (types.Signature{}) {
		t.Fatal("seller members must carry wallet signatures")
	}

	deposit := group[2].Txn
	if deposit.Type != types.AssetTransferTx || deposit.Sender != sellerAddr || deposit.AssetAmount != 1 {
		t.Fatalf("member 2 is not the asset deposit: %+v", deposit)
	}
	if uint64(deposit.XferAsset) != 42 {
		t.Fatalf("deposit asset = %d, want 42", deposit.XferAsset)
	}
}

func TestSellAssetRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	signer, _ := newWallet(t)

	if _, err := env.engine.SellAsset(context.Background(), signer, 0, 1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero asset: expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.engine.SellAsset(context.Background(), signer, 42, 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero price: expected ErrInvalidInput, got %v", err)
	}
	if env.resolver.calls != 0 {
		t.Fatalf("resolver called %d times for invalid input", env.resolver.calls)
	}
	if len(env.gateway.submitted()) != 0 {
		t.Fatal("invalid input must not submit")
	}
}

func TestSellAssetFailedConfirmationLeavesPending(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.confirmErr = ledger.ErrConfirmationTimeout
	signer, _ := newWallet(t)

	listing, err := env.engine.SellAsset(context.Background(), signer, 42, 100_000_000)
	if !errors.Is(err, ledger.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	stored, err := env.store.Get(context.Background(), listing.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != registry.StatusPending {
		t.Fatalf("listing should stay pending after timeout, got %s", stored.Status)
	}
}

func TestBuyAssetSettlesReferencePrice(t *testing.T) {
	env := newTestEnv(t)
	buyerSigner, buyerAddr := newWallet(t)
	_, sellerAddr := newWallet(t)
	listing := activeListing(t, env, sellerAddr, 100_000_000)

	got, err := env.engine.BuyAsset(context.Background(), buyerSigner, listing.ID)
	if err != nil {
		t.Fatalf("BuyAsset: %v", err)
	}
	if got.Status != registry.StatusComplete {
		t.Fatalf("expected complete listing, got %s", got.Status)
	}

	subs := env.gateway.submitted()
	if len(subs) != 1 {
		t.Fatalf("expected one submission, got %d", len(subs))
	}
	group := decodeGroup(t, subs[0])
	if len(group) != 12 {
		t.Fatalf("purchase group has %d members, want 12", len(group))
	}

	groupID := group[0].Txn.Group
	if groupID == (types.Digest{}) {
		t.Fatal("group id is zero")
	}
	for i, member := range group {
		if member.Txn.Group != groupID {
			t.Fatalf("member %d carries a different group id", i)
		}
	}

	escrowAddr, _ := types.DecodeAddress(listing.EscrowAddress)

	sellerPay := group[0].Txn
	if sellerPay.Sender != buyerAddr || sellerPay.Receiver != sellerAddr || uint64(sellerPay.Amount) != 25_000_000 {
		t.Fatalf("member 0 is not the 25%% seller payment: %+v", sellerPay)
	}

	optIn := group[1].Txn
	if optIn.Type != types.AssetTransferTx || optIn.Sender != buyerAddr || optIn.AssetAmount != 0 {
		t.Fatalf("member 1 is not the buyer opt-in: %+v", optIn)
	}

	release := group[2].Txn
	if release.Sender != escrowAddr || release.AssetAmount != 1 || release.AssetReceiver != buyerAddr {
		t.Fatalf("member 2 is not the escrow release: %+v", release)
	}
	if release.AssetCloseTo != buyerAddr {
		t.Fatalf("escrow release must close assets to the buyer, got %s", release.AssetCloseTo)
	}

	for i := 0; i < 7; i++ {
		share := group[3+i].Txn
		collab, _ := types.DecodeAddress(env.collabs[i])
		if share.Sender != buyerAddr || share.Receiver != collab || uint64(share.Amount) != 8_571_428 {
			t.Fatalf("member %d is not a collaborator share payment: %+v", 3+i, share)
		}
	}

	// The first collaborator receives the flat payment on top of its share.
	flat := group[10].Txn
	firstCollab, _ := types.DecodeAddress(env.collabs[0])
	if flat.Sender != buyerAddr || flat.Receiver != firstCollab || uint64(flat.Amount) != 15_000_000 {
		t.Fatalf("member 10 is not the flat collaborator payment: %+v", flat)
	}
	if group[3].Txn.Receiver != firstCollab {
		t.Fatal("first collaborator should also receive a share payment")
	}

	closeOut := group[11].Txn
	if closeOut.Sender != escrowAddr || uint64(closeOut.Amount) != 0 || closeOut.CloseRemainderTo != sellerAddr {
		t.Fatalf("member 11 is not the escrow close to seller: %+v", closeOut)
	}
}

func TestBuyAssetRoutesSignaturesBySender(t *testing.T) {
	env := newTestEnv(t)
	buyerSigner, _ := newWallet(t)
	_, sellerAddr := newWallet(t)
	listing := activeListing(t, env, sellerAddr, 100_000_000)

	if _, err := env.engine.BuyAsset(context.Background(), buyerSigner, listing.ID); err != nil {
		t.Fatalf("BuyAsset: %v", err)
	}
	group := decodeGroup(t, env.gateway.submitted()[0])

	// The escrow release sits between two buyer payments and the close is
	// last: program signatures must follow the sender, not the position.
	for i, member := range group {
		programSigned := member.Lsig.Logic != nil
		escrowSender := i == 2 || i == 11
		if escrowSender && !programSigned {
			t.Fatalf("member %d should carry a program signature", i)
		}
		if !escrowSender {
			if programSigned {
				t.Fatalf("member %d should not carry a program signature", i)
			}
			if member.Sig == (types.Signature{}) {
				t.Fatalf("member %d is missing a wallet signature", i)
			}
		}
	}
}

func TestBuyAssetWalletRejectionSubmitsNothing(t *testing.T) {
	env := newTestEnv(t)
	_, sellerAddr := newWallet(t)
	listing := activeListing(t, env, sellerAddr, 100_000_000)

	_, err := env.engine.BuyAsset(context.Background(), rejectingSigner{}, listing.ID)
	if !errors.Is(err, wallet.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(env.gateway.submitted()) != 0 {
		t.Fatal("rejected purchase must not submit")
	}
	stored, _ := env.store.Get(context.Background(), listing.ID)
	if stored.Status != registry.StatusActive {
		t.Fatalf("listing should stay active after rejection, got %s", stored.Status)
	}
}

func TestBuyAssetConfirmationTimeoutLeavesActive(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.confirmErr = ledger.ErrConfirmationTimeout
	buyerSigner, _ := newWallet(t)
	_, sellerAddr := newWallet(t)
	listing := activeListing(t, env, sellerAddr, 100_000_000)

	_, err := env.engine.BuyAsset(context.Background(), buyerSigner, listing.ID)
	if !errors.Is(err, ledger.ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	stored, _ := env.store.Get(context.Background(), listing.ID)
	if stored.Status != registry.StatusActive {
		t.Fatalf("listing should stay active after timeout, got %s", stored.Status)
	}
}

func TestBuyAssetRequiresActiveListing(t *testing.T) {
	env := newTestEnv(t)
	buyerSigner, _ := newWallet(t)
	_, sellerAddr := newWallet(t)
	listing := activeListing(t, env, sellerAddr, 100_000_000)
	if err := env.store.TransitionStatus(context.Background(), listing.ID, registry.StatusActive, registry.StatusComplete); err != nil {
		t.Fatalf("complete listing: %v", err)
	}

	if _, err := env.engine.BuyAsset(context.Background(), buyerSigner, listing.ID); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("expected ErrListingNotActive, got %v", err)
	}
	if _, err := env.engine.BuyAsset(context.Background(), buyerSigner, "missing"); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuyAssetRefusesForeignNetwork(t *testing.T) {
	env := newTestEnv(t)
	buyerSigner, _ := newWallet(t)
	_, sellerAddr := newWallet(t)
	listing := activeListing(t, env, sellerAddr, 100_000_000)
	listing.Network = "mainnet"
	env.store.mu.Lock()
	env.store.listings[listing.ID] = listing
	env.store.mu.Unlock()

	if _, err := env.engine.BuyAsset(context.Background(), buyerSigner, listing.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if len(env.gateway.submitted()) != 0 {
		t.Fatal("foreign network purchase must not submit")
	}
}

func TestBuyAssetCompletesAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	firstBuyer, _ := newWallet(t)
	secondBuyer, _ := newWallet(t)
	_, sellerAddr := newWallet(t)
	listing := activeListing(t, env, sellerAddr, 100_000_000)

	if _, err := env.engine.BuyAsset(context.Background(), firstBuyer, listing.ID); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	if _, err := env.engine.BuyAsset(context.Background(), secondBuyer, listing.ID); !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("second purchase: expected ErrListingNotActive, got %v", err)
	}
	if len(env.gateway.submitted()) != 1 {
		t.Fatalf("expected one settlement, got %d", len(env.gateway.submitted()))
	}
}

func TestNewEngineValidation(t *testing.T) {
	env := newTestEnv(t)
	base := EngineParams{
		Gateway:       env.gateway,
		Resolver:      env.resolver,
		Store:         env.store,
		Network:       "testnet",
		Collaborators: env.collabs,
		ReserveAmount: 500_000,
		WaitRounds:    4,
	}

	short := base
	short.Collaborators = env.collabs[:3]
	if _, err := NewEngine(short); err == nil {
		t.Fatal("expected error for short collaborator roster")
	}

	bad := base
	bad.Collaborators = append([]string(nil), env.collabs...)
	bad.Collaborators[2] = "not-an-address"
	if _, err := NewEngine(bad); err == nil {
		t.Fatal("expected error for malformed collaborator address")
	}

	missing := base
	missing.Gateway = nil
	if _, err := NewEngine(missing); err == nil {
		t.Fatal("expected error for missing gateway")
	}
}

// rejectingSigner simulates a wallet holder declining the signing prompt.
type rejectingSigner struct{}

func (rejectingSigner) Address() types.Address {
	return crypto.GenerateAccount().Address
}

func (rejectingSigner) SignGroup(ctx context.Context, txns []types.Transaction) ([][]byte, error) {
	return nil, wallet.ErrRejected
}
