package replay

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// MainnetRules derives the active protocol upgrades per block from the mainnet schedule
const MainnetRules = "mainnet"

var (
	// ErrUnknownFork is returned for a rule set name that is not supported
	ErrUnknownFork = errors.New("unknown protocol rule set")
	// ErrRulesMismatch is returned when the configured rules contradict the block being traced
	ErrRulesMismatch = errors.New("protocol rules do not match block")
)

// Rules selects the protocol rules the VM runs with
type Rules struct {
	// Fork names the latest active upgrade, all earlier ones included, or MainnetRules
	Fork string `toml:",omitempty"`
	// ChainID is used for replay protection; 0 asks the provider
	ChainID uint64 `toml:",omitempty"`
}

// forks lists the static rule sets in activation order, each paired with the
// config fields it switches on
var forks = []struct {
	name     string
	activate func(cfg *params.ChainConfig)
}{
	{"frontier", func(cfg *params.ChainConfig) {}},
	{"homestead", func(cfg *params.ChainConfig) { cfg.HomesteadBlock = new(big.Int) }},
	{"tangerinewhistle", func(cfg *params.ChainConfig) { cfg.EIP150Block = new(big.Int) }},
	{"spuriousdragon", func(cfg *params.ChainConfig) {
		cfg.EIP155Block = new(big.Int)
		cfg.EIP158Block = new(big.Int)
	}},
	{"byzantium", func(cfg *params.ChainConfig) { cfg.ByzantiumBlock = new(big.Int) }},
	{"constantinople", func(cfg *params.ChainConfig) {
		cfg.ConstantinopleBlock = new(big.Int)
		// an unset Petersburg block would follow Constantinople
		cfg.PetersburgBlock = new(big.Int).SetUint64(math.MaxUint64)
	}},
	{"petersburg", func(cfg *params.ChainConfig) { cfg.PetersburgBlock = new(big.Int) }},
	{"istanbul", func(cfg *params.ChainConfig) {
		cfg.IstanbulBlock = new(big.Int)
		cfg.MuirGlacierBlock = new(big.Int)
	}},
	{"berlin", func(cfg *params.ChainConfig) { cfg.BerlinBlock = new(big.Int) }},
	{"london", func(cfg *params.ChainConfig) {
		cfg.LondonBlock = new(big.Int)
		cfg.ArrowGlacierBlock = new(big.Int)
		cfg.GrayGlacierBlock = new(big.Int)
	}},
}

// Forks returns the supported rule set names
func Forks() []string {
	names := make([]string, 0, len(forks)+1)
	for _, fork := range forks {
		names = append(names, fork.name)
	}
	return append(names, MainnetRules)
}

// ChainConfig builds the chain configuration for the rule set
func (r Rules) ChainConfig(chainID *big.Int) (*params.ChainConfig, error) {
	name := strings.ToLower(r.Fork)
	if name == MainnetRules {
		cfg := *params.MainnetChainConfig
		cfg.ChainID = new(big.Int).Set(chainID)
		return &cfg, nil
	}
	cfg := &params.ChainConfig{
		ChainID: new(big.Int).Set(chainID),
		Ethash:  new(params.EthashConfig),
	}
	for _, fork := range forks {
		fork.activate(cfg)
		if fork.name == name {
			return cfg, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFork, r.Fork)
}

// checkHeader rejects rule sets that cannot execute the block
func checkHeader(cfg *params.ChainConfig, header *types.Header) error {
	if cfg.IsLondon(header.Number) && header.BaseFee == nil {
		return fmt.Errorf("%w: london rules active at block %d without a base fee", ErrRulesMismatch, header.Number)
	}
	return nil
}
