package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	sdktypes "github.com/algorand/go-algorand-sdk/v2/types"
)

// Network identifies the ledger partition a deployment operates on. Listings
// are scoped to one network and never cross it.
type Network string

const (
	NetworkMainNet Network = "mainnet"
	NetworkTestNet Network = "testnet"
)

const (
	defaultMainNetAlgod = "https://node.algoexplorerapi.io"
	defaultTestNetAlgod = "https://node.testnet.algoexplorerapi.io"

	// DefaultReserveAmount funds a freshly resolved escrow's minimum balance
	// when a listing is created (0.5 algo in micro-units).
	DefaultReserveAmount uint64 = 500_000

	// DefaultWaitRounds bounds the confirmation poll after a group submission.
	DefaultWaitRounds uint64 = 4

	// CollaboratorCount is the size of the fixed revenue-split table.
	CollaboratorCount = 8
)

// ParseNetwork normalizes a network name.
func ParseNetwork(raw string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(raw))) {
	case NetworkMainNet:
		return NetworkMainNet, nil
	case NetworkTestNet:
		return NetworkTestNet, nil
	default:
		return "", fmt.Errorf("unknown network %q", raw)
	}
}

// NodeConfig points at an algod endpoint for one network.
type NodeConfig struct {
	URL   string `toml:"URL"`
	Token string `toml:"Token"`
}

// TelemetryConfig carries OTLP exporter settings.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
}

// Config captures runtime configuration shared by the gateway service and the
// CLI. Collaborator handles (registry store, ledger gateway, resolver) are
// constructed from it and injected explicitly; nothing here is process-global.
type Config struct {
	Network       Network         `toml:"Network"`
	MainNet       NodeConfig      `toml:"MainNet"`
	TestNet       NodeConfig      `toml:"TestNet"`
	ResolverURL   string          `toml:"ResolverURL"`
	RegistryPath  string          `toml:"RegistryPath"`
	ListenAddress string          `toml:"ListenAddress"`
	ReserveAmount uint64          `toml:"ReserveAmount"`
	WaitRounds    uint64          `toml:"WaitRounds"`
	Collaborators []string        `toml:"Collaborators"`
	Telemetry     TelemetryConfig `toml:"Telemetry"`
}

// Load reads the TOML file at path (if it exists), applies ASAMART_*
// environment overrides on top and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Network:       NetworkTestNet,
		MainNet:       NodeConfig{URL: defaultMainNetAlgod},
		TestNet:       NodeConfig{URL: defaultTestNetAlgod},
		RegistryPath:  "asamart.db",
		ListenAddress: ":8089",
		ReserveAmount: DefaultReserveAmount,
		WaitRounds:    DefaultWaitRounds,
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if raw := strings.TrimSpace(os.Getenv("ASAMART_NETWORK")); raw != "" {
		network, err := ParseNetwork(raw)
		if err != nil {
			return fmt.Errorf("parse ASAMART_NETWORK: %w", err)
		}
		cfg.Network = network
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_ALGOD_URL")); raw != "" {
		node := cfg.node()
		node.URL = raw
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_ALGOD_TOKEN")); raw != "" {
		node := cfg.node()
		node.Token = raw
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_RESOLVER_URL")); raw != "" {
		cfg.ResolverURL = raw
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_REGISTRY_PATH")); raw != "" {
		cfg.RegistryPath = raw
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_LISTEN")); raw != "" {
		cfg.ListenAddress = raw
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_WAIT_ROUNDS")); raw != "" {
		rounds, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse ASAMART_WAIT_ROUNDS: %w", err)
		}
		if rounds == 0 {
			return errors.New("ASAMART_WAIT_ROUNDS must be positive")
		}
		cfg.WaitRounds = rounds
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_COLLABORATORS")); raw != "" {
		parts := strings.Split(raw, ",")
		collabs := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				collabs = append(collabs, trimmed)
			}
		}
		cfg.Collaborators = collabs
	}
	if raw := strings.TrimSpace(os.Getenv("ASAMART_OTLP_ENDPOINT")); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
	return nil
}

func (c *Config) node() *NodeConfig {
	if c.Network == NetworkMainNet {
		return &c.MainNet
	}
	return &c.TestNet
}

// Node returns the algod endpoint for the active network.
func (c *Config) Node() NodeConfig {
	return *c.node()
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	if _, err := ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	if strings.TrimSpace(c.Node().URL) == "" {
		return fmt.Errorf("algod URL for %s is required", c.Network)
	}
	if strings.TrimSpace(c.ResolverURL) == "" {
		return errors.New("ResolverURL is required")
	}
	if c.ReserveAmount == 0 {
		return errors.New("ReserveAmount must be positive")
	}
	if c.WaitRounds == 0 {
		return errors.New("WaitRounds must be positive")
	}
	if len(c.Collaborators) != CollaboratorCount {
		return fmt.Errorf("exactly %d collaborator addresses required, got %d", CollaboratorCount, len(c.Collaborators))
	}
	for i, addr := range c.Collaborators {
		if _, err := sdktypes.DecodeAddress(strings.TrimSpace(addr)); err != nil {
			return fmt.Errorf("collaborator %d: invalid address: %w", i+1, err)
		}
	}
	return nil
}
