// validation_pipeline.go implements a staged transaction admission
// pipeline: syntax, signature, account state, blob (stubbed, no-op on
// this chain), and per-peer rate limiting. Each stage is also exposed
// standalone so callers can run a subset of checks.
package txpool

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethcore/ethcore/core/types"
)

// Validation pipeline errors.
var (
	ErrVPNilTx          = errors.New("txpool/vp: nil transaction")
	ErrVPGasZero        = errors.New("txpool/vp: zero gas limit")
	ErrVPGasExceedsMax  = errors.New("txpool/vp: gas limit exceeds maximum")
	ErrVPNegativeValue  = errors.New("txpool/vp: negative value")
	ErrVPDataTooLarge   = errors.New("txpool/vp: data exceeds maximum size")
	ErrVPNoSignature    = errors.New("txpool/vp: missing signature")
	ErrVPNonceTooLow    = errors.New("txpool/vp: nonce too low")
	ErrVPNonceTooHigh   = errors.New("txpool/vp: nonce too high")
	ErrVPInsufficientBal = errors.New("txpool/vp: insufficient balance")
	ErrVPRateLimited    = errors.New("txpool/vp: peer rate limited")
)

// Pipeline-level error codes, reported on PipelineResult so callers can
// distinguish which stage rejected a transaction without string matching.
const (
	ValidationNoErr int = iota
	ValidationSyntaxErr
	ValidationSignatureErr
	ValidationStateErr
	ValidationBlobErr
	ValidationRateLimitErr
)

// SyntaxCheck validates the shape of a transaction independent of any
// chain state: gas bounds, value sign, and data size.
type SyntaxCheck struct {
	maxGas  uint64
	maxData int
}

// NewSyntaxCheck creates a syntax check with the given bounds.
func NewSyntaxCheck(maxGas uint64, maxData int) *SyntaxCheck {
	return &SyntaxCheck{maxGas: maxGas, maxData: maxData}
}

// Check runs the syntax checks against tx.
func (sc *SyntaxCheck) Check(tx *types.Transaction) error {
	if tx == nil {
		return ErrVPNilTx
	}
	if tx.Gas() == 0 {
		return ErrVPGasZero
	}
	if tx.Gas() > sc.maxGas {
		return ErrVPGasExceedsMax
	}
	if val := tx.Value(); val != nil && val.Sign() < 0 {
		return ErrVPNegativeValue
	}
	if len(tx.Data()) > sc.maxData {
		return ErrVPDataTooLarge
	}
	return nil
}

// SignatureVerify checks that a transaction carries a non-zero signature.
type SignatureVerify struct{}

// NewSignatureVerify creates a signature check.
func NewSignatureVerify() *SignatureVerify {
	return &SignatureVerify{}
}

// Verify checks tx's signature fields are present and non-zero.
func (sv *SignatureVerify) Verify(tx *types.Transaction) error {
	if tx == nil {
		return ErrVPNilTx
	}
	v, r, s := tx.RawSignatureValues()
	if v == nil || r == nil || s == nil {
		return ErrVPNoSignature
	}
	if r.Sign() == 0 || s.Sign() == 0 {
		return ErrVPNoSignature
	}
	return nil
}

// StateProvider exposes the account state a StateCheck needs: current
// nonce and available balance.
type StateProvider interface {
	GetNonce(addr types.Address) uint64
	GetBalance(addr types.Address) *big.Int
}

// StateCheck validates a transaction against account state: nonce
// ordering (within a bounded gap) and balance sufficiency.
type StateCheck struct {
	state       StateProvider
	maxNonceGap uint64
}

// NewStateCheck creates a state check backed by state, allowing nonces
// up to maxNonceGap ahead of the account's current nonce.
func NewStateCheck(state StateProvider, maxNonceGap uint64) *StateCheck {
	return &StateCheck{state: state, maxNonceGap: maxNonceGap}
}

// Check validates tx against the state of sender.
func (sc *StateCheck) Check(tx *types.Transaction, sender types.Address) error {
	nonce := sc.state.GetNonce(sender)
	if tx.Nonce() < nonce {
		return ErrVPNonceTooLow
	}
	if tx.Nonce() > nonce+sc.maxNonceGap {
		return ErrVPNonceTooHigh
	}

	gasPrice := tx.GasPrice()
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(tx.Gas()))
	if val := tx.Value(); val != nil {
		cost.Add(cost, val)
	}

	balance := sc.state.GetBalance(sender)
	if balance.Cmp(cost) < 0 {
		return ErrVPInsufficientBal
	}
	return nil
}

// BlobCheck validates blob-carrying transactions against a maximum blob
// base fee. This chain has no blob transaction type, so the check is a
// permanent no-op kept for pipeline symmetry with forks that add one.
type BlobCheck struct {
	maxBlobBaseFee *big.Int
}

// NewBlobCheck creates a blob check with the given ceiling.
func NewBlobCheck(maxBlobBaseFee *big.Int) *BlobCheck {
	return &BlobCheck{maxBlobBaseFee: maxBlobBaseFee}
}

// Check always passes: no transaction on this chain carries blobs.
func (bc *BlobCheck) Check(tx *types.Transaction) error {
	return nil
}

// peerWindow tracks a fixed-window request count for one peer.
type peerWindow struct {
	count       int
	windowStart time.Time
}

// RateLimiter enforces a fixed-window request cap per peer ID.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	peers  map[string]*peerWindow
}

// NewRateLimiter creates a rate limiter allowing limit requests per peer
// within each window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		peers:  make(map[string]*peerWindow),
	}
}

// Allow records a request from peerID, returning ErrVPRateLimited if the
// peer has exceeded its window quota.
func (rl *RateLimiter) Allow(peerID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	pw, ok := rl.peers[peerID]
	if !ok {
		pw = &peerWindow{windowStart: time.Now()}
		rl.peers[peerID] = pw
	} else if time.Since(pw.windowStart) > rl.window {
		pw.count = 0
		pw.windowStart = time.Now()
	}

	if pw.count >= rl.limit {
		return ErrVPRateLimited
	}
	pw.count++
	return nil
}

// ResetPeer clears the tracked window for peerID.
func (rl *RateLimiter) ResetPeer(peerID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.peers, peerID)
}

// PeerCount returns the number of peers currently tracked.
func (rl *RateLimiter) PeerCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.peers)
}

// ValidationPipelineConfig configures a ValidationPipeline.
type ValidationPipelineConfig struct {
	MaxGasLimit     uint64
	MaxDataSize     int
	MaxNonceGap     uint64
	MaxPerPeerRate  int
	RateLimitWindow time.Duration
}

// DefaultValidationPipelineConfig returns sensible defaults.
func DefaultValidationPipelineConfig() ValidationPipelineConfig {
	return ValidationPipelineConfig{
		MaxGasLimit:     30_000_000,
		MaxDataSize:     128 * 1024,
		MaxNonceGap:     64,
		MaxPerPeerRate:  64,
		RateLimitWindow: time.Minute,
	}
}

// PipelineResult reports the outcome of running a transaction through
// the full validation pipeline.
type PipelineResult struct {
	Valid     bool
	Error     error
	ErrorCode int
	Stages    []string
}

// ValidationPipeline runs incoming transactions through syntax,
// signature, state, blob, and rate-limit checks in sequence, stopping
// at the first failing stage.
type ValidationPipeline struct {
	config     ValidationPipelineConfig
	syntax     *SyntaxCheck
	sig        *SignatureVerify
	stateCheck *StateCheck
	blob       *BlobCheck
	rate       *RateLimiter
}

// NewValidationPipeline creates a pipeline backed by state.
func NewValidationPipeline(config ValidationPipelineConfig, state StateProvider) *ValidationPipeline {
	return &ValidationPipeline{
		config:     config,
		syntax:     NewSyntaxCheck(config.MaxGasLimit, config.MaxDataSize),
		sig:        NewSignatureVerify(),
		stateCheck: NewStateCheck(state, config.MaxNonceGap),
		blob:       NewBlobCheck(nil),
		rate:       NewRateLimiter(config.MaxPerPeerRate, config.RateLimitWindow),
	}
}

// Validate runs tx through all pipeline stages. peerID is used for rate
// limiting; an empty peerID skips that stage (used for locally
// submitted transactions).
func (vp *ValidationPipeline) Validate(tx *types.Transaction, sender types.Address, peerID string) PipelineResult {
	var stages []string

	if err := vp.syntax.Check(tx); err != nil {
		return PipelineResult{Error: err, ErrorCode: ValidationSyntaxErr, Stages: stages}
	}
	stages = append(stages, "syntax")

	if err := vp.sig.Verify(tx); err != nil {
		return PipelineResult{Error: err, ErrorCode: ValidationSignatureErr, Stages: stages}
	}
	stages = append(stages, "signature")

	if err := vp.stateCheck.Check(tx, sender); err != nil {
		return PipelineResult{Error: err, ErrorCode: ValidationStateErr, Stages: stages}
	}
	stages = append(stages, "state")

	if err := vp.blob.Check(tx); err != nil {
		return PipelineResult{Error: err, ErrorCode: ValidationBlobErr, Stages: stages}
	}
	stages = append(stages, "blob")

	if peerID != "" {
		if err := vp.rate.Allow(peerID); err != nil {
			return PipelineResult{Error: err, ErrorCode: ValidationRateLimitErr, Stages: stages}
		}
	}
	stages = append(stages, "ratelimit")

	return PipelineResult{Valid: true, Stages: stages}
}

// ValidateBatch validates each of txs against its corresponding sender
// in senders, sharing rate-limit state across peerID.
func (vp *ValidationPipeline) ValidateBatch(txs []*types.Transaction, senders []types.Address, peerID string) []PipelineResult {
	results := make([]PipelineResult, len(txs))
	for i, tx := range txs {
		var sender types.Address
		if i < len(senders) {
			sender = senders[i]
		}
		results[i] = vp.Validate(tx, sender, peerID)
	}
	return results
}
