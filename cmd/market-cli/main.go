package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"asamart/config"
	"asamart/escrow"
	"asamart/ledger"
	"asamart/market"
	"asamart/observability/logging"
	"asamart/registry"
	"asamart/wallet"
)

func usage() string {
	return strings.TrimSpace(`
market-cli <command> [flags]

Commands:
  sell      list one unit of an asset for sale
  buy       purchase an active listing
  listings  show recorded listings

The signing key is read from the ASAMART_MNEMONIC environment variable.
`)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, usage())
		return 1
	}
	switch args[0] {
	case "sell":
		return runSell(args[1:], out, errOut)
	case "buy":
		return runBuy(args[1:], out, errOut)
	case "listings":
		return runListings(args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n", args[0])
		fmt.Fprintln(errOut, usage())
		return 1
	}
}

// cliEnv bundles the handles a command needs. Tests stub buildEnv.
type cliEnv struct {
	cfg    *config.Config
	engine *market.Engine
	store  registry.Store
	close  func()
}

var buildEnv = defaultEnv

func defaultEnv(configPath string) (*cliEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.Setup("market-cli", string(cfg.Network))

	store, err := registry.NewSQLiteStore(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", cfg.RegistryPath, err)
	}
	node := cfg.Node()
	gateway, err := ledger.NewAlgodGateway(node.URL, node.Token)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := market.NewEngine(market.EngineParams{
		Gateway:       gateway,
		Resolver:      escrow.NewHTTPResolver(cfg.ResolverURL),
		Store:         store,
		Network:       string(cfg.Network),
		Collaborators: cfg.Collaborators,
		ReserveAmount: cfg.ReserveAmount,
		WaitRounds:    cfg.WaitRounds,
		Logger:        log,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &cliEnv{
		cfg:    cfg,
		engine: engine,
		store:  store,
		close:  func() { _ = store.Close() },
	}, nil
}

func loadSigner() (wallet.Signer, error) {
	phrase := strings.TrimSpace(os.Getenv("ASAMART_MNEMONIC"))
	if phrase == "" {
		return nil, fmt.Errorf("ASAMART_MNEMONIC is not set")
	}
	return wallet.KeySignerFromMnemonic(phrase)
}

func printJSON(out io.Writer, payload any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func runSell(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("sell", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "asamart.toml", "path to the configuration file")
	asset := fs.Uint64("asset", 0, "asset index to list")
	price := fs.Uint64("price", 0, "sale price in microalgos")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *asset == 0 || *price == 0 {
		fmt.Fprintln(errOut, "sell requires -asset and -price")
		return 1
	}

	signer, err := loadSigner()
	if err != nil {
		fmt.Fprintf(errOut, "load signer: %v\n", err)
		return 1
	}
	env, err := buildEnv(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer env.close()

	listing, err := env.engine.SellAsset(context.Background(), signer, *asset, *price)
	if err != nil {
		fmt.Fprintf(errOut, "sell: %v\n", err)
		if listing.ID != "" {
			fmt.Fprintf(errOut, "listing %s recorded as %s\n", listing.ID, listing.Status)
		}
		return 1
	}
	printJSON(out, listing)
	return 0
}

func runBuy(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("buy", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "asamart.toml", "path to the configuration file")
	listingID := fs.String("listing", "", "identifier of the listing to buy")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*listingID) == "" {
		fmt.Fprintln(errOut, "buy requires -listing")
		return 1
	}

	signer, err := loadSigner()
	if err != nil {
		fmt.Fprintf(errOut, "load signer: %v\n", err)
		return 1
	}
	env, err := buildEnv(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer env.close()

	listing, err := env.engine.BuyAsset(context.Background(), signer, *listingID)
	if err != nil {
		fmt.Fprintf(errOut, "buy: %v\n", err)
		return 1
	}
	printJSON(out, listing)
	return 0
}

func runListings(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("listings", flag.ContinueOnError)
	fs.SetOutput(errOut)
	configPath := fs.String("config", "asamart.toml", "path to the configuration file")
	seller := fs.String("seller", "", "filter by seller address")
	rawStatus := fs.String("status", "", "filter by status (pending, active, complete)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	env, err := buildEnv(*configPath)
	if err != nil {
		fmt.Fprintf(errOut, "setup: %v\n", err)
		return 1
	}
	defer env.close()

	ctx := context.Background()
	network := string(env.cfg.Network)
	var listings []registry.Listing
	switch {
	case strings.TrimSpace(*seller) != "":
		listings, err = env.store.ListBySeller(ctx, strings.TrimSpace(*seller), network)
	case strings.TrimSpace(*rawStatus) != "":
		status, parseErr := registry.ParseStatus(strings.TrimSpace(*rawStatus))
		if parseErr != nil {
			fmt.Fprintf(errOut, "listings: %v\n", parseErr)
			return 1
		}
		listings, err = env.store.ListByStatus(ctx, status, network)
	default:
		listings, err = env.store.ListByStatus(ctx, registry.StatusActive, network)
	}
	if err != nil {
		fmt.Fprintf(errOut, "listings: %v\n", err)
		return 1
	}
	printJSON(out, listings)
	return 0
}
