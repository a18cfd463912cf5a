package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"asamart/config"
	"asamart/registry"
)

func stubEnv(t *testing.T) (*cliEnv, *registry.SQLiteStore) {
	t.Helper()
	store, err := registry.NewSQLiteStore(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	env := &cliEnv{
		cfg:   &config.Config{Network: config.NetworkTestNet},
		store: store,
		close: func() {},
	}
	return env, store
}

func TestRunRequiresCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "market-cli") {
		t.Fatalf("usage not printed: %s", errOut.String())
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("unexpected error output: %s", errOut.String())
	}
}

func TestSellValidatesFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runSell([]string{"-asset", "42"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1 without price, got %d", code)
	}
	if !strings.Contains(errOut.String(), "-price") {
		t.Fatalf("unexpected error output: %s", errOut.String())
	}
}

func TestSellRequiresMnemonic(t *testing.T) {
	t.Setenv("ASAMART_MNEMONIC", "")
	var out, errOut bytes.Buffer
	code := runSell([]string{"-asset", "42", "-price", "100000000"}, &out, &errOut)
	if code != 1 {
		t.Fatalf("expected exit 1 without mnemonic, got %d", code)
	}
	if !strings.Contains(errOut.String(), "ASAMART_MNEMONIC") {
		t.Fatalf("unexpected error output: %s", errOut.String())
	}
}

func TestBuyValidatesFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runBuy(nil, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1 without listing, got %d", code)
	}
	if !strings.Contains(errOut.String(), "-listing") {
		t.Fatalf("unexpected error output: %s", errOut.String())
	}
}

func TestListingsPrintsRegistryContents(t *testing.T) {
	env, store := stubEnv(t)
	orig := buildEnv
	buildEnv = func(string) (*cliEnv, error) { return env, nil }
	t.Cleanup(func() { buildEnv = orig })

	now := time.Now().UTC()
	listing := registry.Listing{
		ID:            registry.NewListingID(),
		Seller:        "SELLERADDR",
		AssetIndex:    42,
		Price:         100_000_000,
		EscrowProgram: []byte{0x01, 0x20, 0x01, 0x01, 0x22},
		EscrowAddress: "ESCROWADDR",
		Status:        registry.StatusPending,
		Network:       "testnet",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Create(context.Background(), listing); err != nil {
		t.Fatalf("seed listing: %v", err)
	}

	var out, errOut bytes.Buffer
	if code := runListings([]string{"-status", "pending"}, &out, &errOut); code != 0 {
		t.Fatalf("listings failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), listing.ID) {
		t.Fatalf("listing id missing from output: %s", out.String())
	}

	out.Reset()
	if code := runListings([]string{"-status", "nonsense"}, &out, &errOut); code != 1 {
		t.Fatal("expected exit 1 for invalid status filter")
	}
}
