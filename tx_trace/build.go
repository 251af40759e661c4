package tx_trace

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"github.com/vulcanize/go-vmtrace/shared"
	"github.com/vulcanize/go-vmtrace/trace"
)

// NewFrame converts a step snapshot into a trace frame
func NewFrame(step *trace.Step) Frame {
	frame := Frame{
		Op:      step.Op,
		PC:      step.PC,
		Depth:   uint64(step.Depth),
		Address: step.Address,
		Stack:   make([]common.Hash, len(step.Stack)),
		Memory:  step.Memory,
		Gas:     step.Gas,
		Cost:    step.Cost,
	}
	for i := range step.Stack {
		frame.Stack[i] = common.Hash(step.Stack[i].Bytes32())
	}
	return frame
}

// FromEvents assembles a TxTrace from the events of a successful trace. stateRoot is the
// state root of the block the replay started from.
func FromEvents(events []trace.Event, stateRoot common.Hash) (*TxTrace, error) {
	if len(events) < 2 || events[0].Type != trace.TransactionEvent || events[len(events)-1].Type != trace.ResultEvent {
		return nil, fmt.Errorf("tx trace requires a complete event sequence")
	}
	tx := events[0].Transaction
	res := events[len(events)-1].Result
	txTrace := &TxTrace{
		TxHashes:  append(append(make([]common.Hash, 0, len(res.Preparatory)+1), res.Preparatory...), tx.Hash),
		StateRoot: stateRoot,
		Result:    res.Return,
		Frames:    make([]Frame, 0, len(events)-2),
		Gas:       res.GasUsed,
		Failed:    res.Failed,
	}
	for _, ev := range events[1 : len(events)-1] {
		if ev.Type != trace.StepEvent {
			return nil, fmt.Errorf("unexpected %s event inside tx trace", ev.Type)
		}
		txTrace.Frames = append(txTrace.Frames, NewFrame(ev.Step))
	}
	return txTrace, nil
}

// Node returns the DAG-ETH IPLD form of the trace
func (t *TxTrace) Node() (ipld.Node, error) {
	nb := basicnode.Prototype.Map.NewBuilder()
	if err := DecodeTxTrace(nb, *t); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}

// Cid returns the content identifier of the RLP encoded trace
func (t *TxTrace) Cid() (cid.Cid, error) {
	enc, err := rlp.EncodeToBytes(t)
	if err != nil {
		return cid.Cid{}, err
	}
	return shared.RawToCid(MultiCodecType, enc)
}
