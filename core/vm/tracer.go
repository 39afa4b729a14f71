package vm

import (
	"math/big"

	"github.com/ethcore/ethcore/core/types"
)

// EVMLogger is implemented by anything that wants to observe EVM execution
// step by step. The interpreter calls these hooks around Call/Create and
// around every opcode dispatch when Config.Debug is set.
type EVMLogger interface {
	CaptureStart(from, to types.Address, create bool, input []byte, gas uint64, value *big.Int)
	CaptureState(pc uint64, op OpCode, gas, cost uint64, stack *Stack, mem *Memory, depth int, err error)
	CaptureEnd(output []byte, gasUsed uint64, err error)
	GasUsed() uint64
	Output() []byte
	Error() error
}

// StructLog is a single recorded execution step, shaped for the
// debug_traceTransaction RPC response.
type StructLog struct {
	Pc      uint64
	Op      OpCode
	Gas     uint64
	GasCost uint64
	Depth   int
	Stack   []*big.Int
	Err     error
}

// StructLogTracer is an EVMLogger that records one StructLog per opcode,
// the classic go-ethereum struct-logger shape used by debug_traceTransaction.
type StructLogTracer struct {
	Logs     []StructLog
	output   []byte
	gasUsed  uint64
	err      error
	startGas uint64
}

// NewStructLogTracer creates an empty StructLogTracer ready to attach to
// an EVM via Config{Debug: true, Tracer: tracer}.
func NewStructLogTracer() *StructLogTracer {
	return &StructLogTracer{}
}

func (t *StructLogTracer) CaptureStart(from, to types.Address, create bool, input []byte, gas uint64, value *big.Int) {
	t.startGas = gas
}

func (t *StructLogTracer) CaptureState(pc uint64, op OpCode, gas, cost uint64, stack *Stack, mem *Memory, depth int, err error) {
	stackCopy := make([]*big.Int, len(stack.Data()))
	for i, v := range stack.Data() {
		stackCopy[i] = new(big.Int).Set(v)
	}
	t.Logs = append(t.Logs, StructLog{
		Pc:      pc,
		Op:      op,
		Gas:     gas,
		GasCost: cost,
		Depth:   depth,
		Stack:   stackCopy,
		Err:     err,
	})
}

func (t *StructLogTracer) CaptureEnd(output []byte, gasUsed uint64, err error) {
	t.output = output
	t.gasUsed = gasUsed
	t.err = err
}

// GasUsed returns the total gas consumed by the traced call, as reported
// to CaptureEnd.
func (t *StructLogTracer) GasUsed() uint64 { return t.gasUsed }

// Output returns the return data of the traced call.
func (t *StructLogTracer) Output() []byte { return t.output }

// Error returns the error the traced call terminated with, if any.
func (t *StructLogTracer) Error() error { return t.err }
