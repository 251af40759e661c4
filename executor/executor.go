// Package executor runs the target transaction of a prepared replay context with a step
// observer attached and turns the outcome into a trace result.
package executor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/vulcanize/go-vmtrace/replay"
	"github.com/vulcanize/go-vmtrace/trace"
)

// Emitter receives step events as the VM produces them. A returned error stops execution.
type Emitter func(trace.Event) error

// Run executes the target transaction of rc on top of the replayed state, emitting one
// step event per instruction. rc.ApplyPreparatory must have completed first.
func Run(ctx context.Context, rc *replay.Context, emit Emitter) (*trace.Result, error) {
	tracer := newStepTracer(ctx, emit)
	res, err := rc.Apply(ctx, rc.Target, rc.Index, tracer)
	if tracer.err != nil {
		return nil, tracer.err
	}
	if err != nil {
		return nil, rc.WrapFault(err)
	}
	result := &trace.Result{
		Return:      common.CopyBytes(res.ReturnData),
		GasUsed:     res.UsedGas,
		Failed:      res.Failed(),
		Logs:        rc.State.Logs(rc.Target.Hash()),
		BlockNumber: rc.Block.Number(),
		ParentHash:  rc.Block.ParentHash(),
		Preparatory: make([]common.Hash, len(rc.Preparatory)),
	}
	for i, tx := range rc.Preparatory {
		result.Preparatory[i] = tx.Hash()
	}
	if res.Err != nil {
		result.Err = res.Err.Error()
	}
	log.Debug("Executed target transaction", "tx", rc.Target.Hash(), "gas", res.UsedGas, "failed", result.Failed)
	return result, nil
}
