package executor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"

	"github.com/vulcanize/go-vmtrace/trace"
)

// NewStep snapshots the interpreter scope. The VM reuses its stack and memory buffers
// across instructions, so everything is copied. depth is the VM's 1-based call depth.
func NewStep(pc uint64, op vm.OpCode, gas, cost uint64, scope *vm.ScopeContext, depth int) *trace.Step {
	step := &trace.Step{
		Op:    op,
		PC:    pc,
		Depth: depth - 1,
		Gas:   gas,
		Cost:  cost,
	}
	if scope == nil {
		return step
	}
	if scope.Stack != nil {
		data := scope.Stack.Data()
		step.Stack = make([]uint256.Int, len(data))
		copy(step.Stack, data)
	}
	if scope.Memory != nil {
		step.Memory = common.CopyBytes(scope.Memory.Data())
	}
	if scope.Contract != nil {
		step.Address = scope.Contract.Address()
	}
	return step
}

// stepTracer forwards every instruction of the traced transaction to an Emitter.
// It runs on the interpreter goroutine and blocks it while emitting.
type stepTracer struct {
	ctx  context.Context
	emit Emitter
	env  *vm.EVM

	// err is the emit or cancellation failure that aborted execution
	err error
}

var _ vm.EVMLogger = (*stepTracer)(nil)

func newStepTracer(ctx context.Context, emit Emitter) *stepTracer {
	return &stepTracer{ctx: ctx, emit: emit}
}

func (t *stepTracer) abort(err error) {
	t.err = err
	if t.env != nil {
		t.env.Cancel()
	}
}

func (t *stepTracer) CaptureTxStart(gasLimit uint64) {}

func (t *stepTracer) CaptureTxEnd(restGas uint64) {}

func (t *stepTracer) CaptureStart(env *vm.EVM, from common.Address, to common.Address, create bool, input []byte, gas uint64, value *big.Int) {
	t.env = env
}

func (t *stepTracer) CaptureEnd(output []byte, gasUsed uint64, err error) {}

func (t *stepTracer) CaptureEnter(typ vm.OpCode, from common.Address, to common.Address, input []byte, gas uint64, value *big.Int) {
}

func (t *stepTracer) CaptureExit(output []byte, gasUsed uint64, err error) {}

func (t *stepTracer) CaptureState(pc uint64, op vm.OpCode, gas, cost uint64, scope *vm.ScopeContext, rData []byte, depth int, err error) {
	if t.err != nil {
		return
	}
	select {
	case <-t.ctx.Done():
		t.abort(t.ctx.Err())
		return
	default:
	}
	if err := t.emit(trace.NewStepEvent(NewStep(pc, op, gas, cost, scope, depth))); err != nil {
		t.abort(err)
	}
}

func (t *stepTracer) CaptureFault(pc uint64, op vm.OpCode, gas, cost uint64, scope *vm.ScopeContext, depth int, err error) {
}
