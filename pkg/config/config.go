// Copyright 2025 Exonum Core Contributors
//
// Package config loads the two YAML documents a node needs at startup:
// NodeConfig (this node's identity, storage, transport, and API
// settings) and GenesisConfig (the initial schema.Configuration every
// validator must agree on before height 1 can be proposed).
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exonumcore/exonum/pkg/crypto"
	"github.com/exonumcore/exonum/pkg/schema"
)

// Duration wraps time.Duration so node.yaml can write "500ms" rather than
// a raw nanosecond count.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// HexKey is a crypto.PublicKey that marshals as a hex string in YAML.
type HexKey crypto.PublicKey

func (k *HexKey) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex key %q: %w", s, err)
	}
	pub, err := crypto.PublicKeyFromBytes(b)
	if err != nil {
		return err
	}
	*k = HexKey(pub)
	return nil
}

func (k HexKey) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(k[:]), nil
}

// NodeConfig is this node's local identity and runtime settings,
// everything that is NOT shared consensus state (that lives in
// GenesisConfig / the committed schema.Configuration history instead).
type NodeConfig struct {
	DataDir        string `yaml:"data_dir"`
	ListenAddr     string `yaml:"listen_addr"`
	ExternalAddr   string `yaml:"external_address"`
	APIAddr        string `yaml:"api_addr"`
	Ed25519KeyPath string `yaml:"ed25519_key_path"`
	ValidatorID    uint16 `yaml:"validator_id"`
	GenesisPath    string `yaml:"genesis_path"`
	Peers          []Peer `yaml:"peers"`
	LogLevel       string `yaml:"log_level"`
}

// Peer is a statically configured connection target; the live peer
// table in pkg/p2p is populated by Connect handshakes, not by this list
// alone, but every node needs at least one bootstrap peer to dial.
type Peer struct {
	Address string `yaml:"address"`
	PubKey  HexKey `yaml:"pub_key"`
}

// LoadNodeConfig reads and parses a node.yaml file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read node config %s: %w", path, err)
	}
	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse node config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *NodeConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "0.0.0.0:7000"
	}
	if c.APIAddr == "" {
		c.APIAddr = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
}

// LoadKeyPair reads a raw 32-byte Ed25519 seed from path and derives the
// node's signing key pair from it.
func LoadKeyPair(path string) (crypto.KeyPair, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return crypto.KeyPair{}, fmt.Errorf("read key file %s: %w", path, err)
	}
	return crypto.KeyPairFromSeed(seed)
}

// GenesisConfig is the YAML document an operator hand-writes (or a
// setup tool generates) describing the validator set and consensus
// parameters a chain starts from; Build converts it into the
// schema.Configuration persisted at height 0.
type GenesisConfig struct {
	Validators []GenesisValidator   `yaml:"validators"`
	Params     GenesisParams        `yaml:"params"`
	Services   map[uint16]string    `yaml:"services"`
}

type GenesisValidator struct {
	ConsensusKey HexKey `yaml:"consensus_key"`
	ServiceKey   HexKey `yaml:"service_key"`
}

type GenesisParams struct {
	RoundTimeout      Duration `yaml:"round_timeout"`
	StatusTimeout     Duration `yaml:"status_timeout"`
	PeersTimeout      Duration `yaml:"peers_timeout"`
	TxsBlockLimit     uint32   `yaml:"txs_block_limit"`
	MaxMessageLen     uint32   `yaml:"max_message_len"`
	MinProposeTimeout Duration `yaml:"min_propose_timeout"`
	MaxProposeTimeout Duration `yaml:"max_propose_timeout"`
}

// LoadGenesisConfig reads and parses a genesis.yaml file.
func LoadGenesisConfig(path string) (*GenesisConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis config %s: %w", path, err)
	}
	var cfg GenesisConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse genesis config %s: %w", path, err)
	}
	if len(cfg.Validators) == 0 {
		return nil, fmt.Errorf("genesis config %s declares no validators", path)
	}
	return &cfg, nil
}

// Build converts the YAML document into the runtime schema.Configuration
// a fresh node commits at height 0 (ActualFrom 0, no previous config).
func (g *GenesisConfig) Build() *schema.Configuration {
	cfg := &schema.Configuration{
		Services:   map[uint16]string{},
		ActualFrom: 0,
		Params: schema.ConsensusParams{
			RoundTimeoutMS:      uint64(g.Params.RoundTimeout.Duration() / time.Millisecond),
			StatusTimeoutMS:     uint64(g.Params.StatusTimeout.Duration() / time.Millisecond),
			PeersTimeoutMS:      uint64(g.Params.PeersTimeout.Duration() / time.Millisecond),
			TxsBlockLimit:       g.Params.TxsBlockLimit,
			MaxMessageLen:       g.Params.MaxMessageLen,
			MinProposeTimeoutMS: uint64(g.Params.MinProposeTimeout.Duration() / time.Millisecond),
			MaxProposeTimeoutMS: uint64(g.Params.MaxProposeTimeout.Duration() / time.Millisecond),
		},
	}
	for _, v := range g.Validators {
		cfg.Validators = append(cfg.Validators, schema.ValidatorInfo{
			ConsensusKey: crypto.PublicKey(v.ConsensusKey),
			ServiceKey:   crypto.PublicKey(v.ServiceKey),
		})
	}
	for id, name := range g.Services {
		cfg.Services[id] = name
	}
	return cfg
}
