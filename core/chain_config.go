package core

import "math/big"

// ChainConfig holds the block-number-keyed fork schedule for a classical
// (pre-merge, proof-of-work) chain. Each field is the first block at which
// the named fork's rules take effect; nil means the fork is not scheduled.
//
// spec.md treats the fork schedule beyond Byzantium as external
// configuration data, not something the core hardcodes: callers assemble
// whatever ChainConfig their chain needs (see MainnetConfig/RopstenConfig
// below for the presets this module ships).
type ChainConfig struct {
	ChainID *big.Int

	HomesteadBlock      *big.Int // EIP-2: difficulty formula change, CREATE gas fix
	EIP150Block         *big.Int // Tangerine Whistle: gas repricing
	EIP155Block         *big.Int // Spurious Dragon: chain-id replay protection
	EIP158Block         *big.Int // Spurious Dragon: empty-account clearing
	ByzantiumBlock      *big.Int
	ConstantinopleBlock *big.Int
	PetersburgBlock     *big.Int
	IstanbulBlock       *big.Int
	MuirGlacierBlock    *big.Int // ice-age delay only, no opcode changes
	BerlinBlock         *big.Int // EIP-2929/2930: access lists

	// SkipSealVerification disables the Ethash proof-of-work seal check
	// (consensus.VerifySeal) in BlockValidator.ValidateHeader. Real chains
	// leave this false; unmined fixture chains built by tests and local
	// devnets set it true, since their headers carry no genuine PoW.
	SkipSealVerification bool
}

func isBlockForked(forkBlock, blockNumber *big.Int) bool {
	if forkBlock == nil {
		return false
	}
	return forkBlock.Cmp(blockNumber) <= 0
}

func (c *ChainConfig) IsHomestead(num *big.Int) bool { return isBlockForked(c.HomesteadBlock, num) }
func (c *ChainConfig) IsEIP150(num *big.Int) bool    { return isBlockForked(c.EIP150Block, num) }
func (c *ChainConfig) IsEIP155(num *big.Int) bool    { return isBlockForked(c.EIP155Block, num) }
func (c *ChainConfig) IsEIP158(num *big.Int) bool    { return isBlockForked(c.EIP158Block, num) }
func (c *ChainConfig) IsByzantium(num *big.Int) bool { return isBlockForked(c.ByzantiumBlock, num) }
func (c *ChainConfig) IsConstantinople(num *big.Int) bool {
	return isBlockForked(c.ConstantinopleBlock, num)
}
func (c *ChainConfig) IsPetersburg(num *big.Int) bool { return isBlockForked(c.PetersburgBlock, num) }
func (c *ChainConfig) IsIstanbul(num *big.Int) bool   { return isBlockForked(c.IstanbulBlock, num) }
func (c *ChainConfig) IsBerlin(num *big.Int) bool     { return isBlockForked(c.BerlinBlock, num) }

// Rules is a snapshot of which fork flags are active at a given block
// number, handed to the EVM and gas table so neither has to re-derive it
// opcode by opcode.
type Rules struct {
	IsHomestead, IsEIP150, IsEIP155, IsEIP158               bool
	IsByzantium, IsConstantinople, IsPetersburg, IsIstanbul bool
	IsBerlin                                                bool
}

// Rules returns the fork flags active at blockNumber.
func (c *ChainConfig) Rules(blockNumber *big.Int) Rules {
	return Rules{
		IsHomestead:      c.IsHomestead(blockNumber),
		IsEIP150:         c.IsEIP150(blockNumber),
		IsEIP155:         c.IsEIP155(blockNumber),
		IsEIP158:         c.IsEIP158(blockNumber),
		IsByzantium:      c.IsByzantium(blockNumber),
		IsConstantinople: c.IsConstantinople(blockNumber),
		IsPetersburg:     c.IsPetersburg(blockNumber),
		IsIstanbul:       c.IsIstanbul(blockNumber),
		IsBerlin:         c.IsBerlin(blockNumber),
	}
}

func big0() *big.Int { return big.NewInt(0) }

// MainnetConfig is the classical (pre-merge) Ethereum mainnet fork schedule,
// through Berlin (the last fork spec.md's own gas table names).
var MainnetConfig = &ChainConfig{
	ChainID:             big.NewInt(1),
	HomesteadBlock:      big.NewInt(1150000),
	EIP150Block:         big.NewInt(2463000),
	EIP155Block:         big.NewInt(2675000),
	EIP158Block:         big.NewInt(2675000),
	ByzantiumBlock:      big.NewInt(4370000),
	ConstantinopleBlock: big.NewInt(7280000),
	PetersburgBlock:     big.NewInt(7280000),
	IstanbulBlock:       big.NewInt(9069000),
	MuirGlacierBlock:    big.NewInt(9200000),
	BerlinBlock:         big.NewInt(12244000),
}

// RopstenConfig is the classical Ropsten testnet fork schedule (the CLI's
// default --chain per spec.md §6).
var RopstenConfig = &ChainConfig{
	ChainID:             big.NewInt(3),
	HomesteadBlock:      big.NewInt(0),
	EIP150Block:         big.NewInt(0),
	EIP155Block:         big.NewInt(10),
	EIP158Block:         big.NewInt(10),
	ByzantiumBlock:      big.NewInt(1700000),
	ConstantinopleBlock: big.NewInt(4230000),
	PetersburgBlock:     big.NewInt(4939394),
	IstanbulBlock:       big.NewInt(6485846),
	MuirGlacierBlock:    big.NewInt(7117117),
	BerlinBlock:         big.NewInt(9812189),
}

// TestConfig activates every named fork at genesis; used by tests and local
// devnets that want full Berlin semantics from block 0.
var TestConfig = &ChainConfig{
	ChainID:             big.NewInt(1337),
	HomesteadBlock:      big0(),
	EIP150Block:         big0(),
	EIP155Block:         big0(),
	EIP158Block:         big0(),
	ByzantiumBlock:      big0(),
	ConstantinopleBlock: big0(),
	PetersburgBlock:     big0(),
	IstanbulBlock:       big0(),
	MuirGlacierBlock:    big0(),
	BerlinBlock:         big0(),

	SkipSealVerification: true,
}
