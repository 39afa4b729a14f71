package core

import (
	"errors"
	"fmt"
	"math/big"
)

// ForkOrder lists the classical Ethereum hard forks in chronological
// activation order.
var ForkOrder = []string{
	"Homestead",
	"EIP150",
	"EIP155",
	"EIP158",
	"Byzantium",
	"Constantinople",
	"Petersburg",
	"Istanbul",
	"MuirGlacier",
	"Berlin",
}

// Validate checks that the chain configuration is internally consistent:
// ChainID is set and positive, and fork blocks are in ascending order.
func (c *ChainConfig) Validate() error {
	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return errors.New("invalid chain ID: must be positive")
	}

	blockForks := []struct {
		name  string
		block *big.Int
	}{
		{"Homestead", c.HomesteadBlock},
		{"EIP150", c.EIP150Block},
		{"EIP155", c.EIP155Block},
		{"EIP158", c.EIP158Block},
		{"Byzantium", c.ByzantiumBlock},
		{"Constantinople", c.ConstantinopleBlock},
		{"Petersburg", c.PetersburgBlock},
		{"Istanbul", c.IstanbulBlock},
		{"Berlin", c.BerlinBlock},
	}
	var lastBlock *big.Int
	var lastName string
	for _, f := range blockForks {
		if f.block == nil {
			continue
		}
		if f.block.Sign() < 0 {
			return fmt.Errorf("invalid %s fork block: must be >= 0", f.name)
		}
		if lastBlock != nil && f.block.Cmp(lastBlock) < 0 {
			return fmt.Errorf("fork ordering: %s (block %s) must be >= %s (block %s)",
				f.name, f.block, lastName, lastBlock)
		}
		lastBlock = f.block
		lastName = f.name
	}
	return nil
}

// ActiveFork returns the name of the most recent fork active at blockNumber.
func (c *ChainConfig) ActiveFork(blockNumber *big.Int) string {
	switch {
	case c.IsBerlin(blockNumber):
		return "Berlin"
	case c.IsIstanbul(blockNumber):
		return "Istanbul"
	case c.IsPetersburg(blockNumber):
		return "Petersburg"
	case c.IsConstantinople(blockNumber):
		return "Constantinople"
	case c.IsByzantium(blockNumber):
		return "Byzantium"
	case c.IsEIP158(blockNumber):
		return "EIP158"
	case c.IsEIP155(blockNumber):
		return "EIP155"
	case c.IsEIP150(blockNumber):
		return "EIP150"
	case c.IsHomestead(blockNumber):
		return "Homestead"
	default:
		return "Frontier"
	}
}

// MainnetConfigFunc returns a copy of MainnetConfig, safe for callers to
// mutate without affecting the shared global.
func MainnetConfigFunc() *ChainConfig {
	cfg := *MainnetConfig
	cfg.ChainID = new(big.Int).Set(MainnetConfig.ChainID)
	return &cfg
}

// DevConfig returns a development/local chain configuration with every
// fork active from genesis. Useful for testing and local devnets.
func DevConfig() *ChainConfig {
	cfg := *TestConfig
	cfg.ChainID = new(big.Int).Set(TestConfig.ChainID)
	return &cfg
}
