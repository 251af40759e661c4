package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ipld/go-ipld-prime/codec/dagjson"

	vmtrace "github.com/vulcanize/go-vmtrace"
	"github.com/vulcanize/go-vmtrace/block"
	"github.com/vulcanize/go-vmtrace/trace"
	"github.com/vulcanize/go-vmtrace/tx_trace"
)

type txLine struct {
	BlockHash *common.Hash    `json:"blockHash"`
	Raw       json.RawMessage `json:"raw"`
}

type stepLine struct {
	PC      uint64         `json:"pc"`
	Op      string         `json:"op"`
	Gas     uint64         `json:"gas"`
	Cost    uint64         `json:"gasCost"`
	Depth   int            `json:"depth"`
	Address common.Address `json:"address"`
	Stack   []string       `json:"stack"`
	Memory  hexutil.Bytes  `json:"memory"`
}

type resultLine struct {
	Return      hexutil.Bytes `json:"return"`
	GasUsed     uint64        `json:"gasUsed"`
	Failed      bool          `json:"failed"`
	Err         string        `json:"error,omitempty"`
	Logs        []*types.Log  `json:"logs"`
	BlockNumber uint64        `json:"blockNumber"`
	ParentHash  common.Hash   `json:"parentHash"`
	Preparatory []common.Hash `json:"preparatory"`
}

type eventLine struct {
	Tx          common.Hash `json:"tx"`
	Type        string      `json:"type"`
	Transaction *txLine     `json:"transaction,omitempty"`
	Step        *stepLine   `json:"step,omitempty"`
	Result      *resultLine `json:"result,omitempty"`
	Err         string      `json:"error,omitempty"`
}

// renderEvent encodes one trace event as a single JSON line
func renderEvent(hash common.Hash, ev trace.Event) ([]byte, error) {
	line := eventLine{Tx: hash, Type: ev.Type.String()}
	switch ev.Type {
	case trace.TransactionEvent:
		line.Transaction = &txLine{BlockHash: ev.Transaction.BlockHash, Raw: ev.Transaction.Raw}
	case trace.StepEvent:
		step := ev.Step
		line.Step = &stepLine{
			PC:      step.PC,
			Op:      step.Op.String(),
			Gas:     step.Gas,
			Cost:    step.Cost,
			Depth:   step.Depth,
			Address: step.Address,
			Stack:   make([]string, len(step.Stack)),
			Memory:  step.Memory,
		}
		for i := range step.Stack {
			line.Step.Stack[i] = step.Stack[i].Hex()
		}
	case trace.ResultEvent:
		res := ev.Result
		line.Result = &resultLine{
			Return:      res.Return,
			GasUsed:     res.GasUsed,
			Failed:      res.Failed,
			Err:         res.Err,
			Logs:        res.Logs,
			BlockNumber: res.BlockNumber,
			ParentHash:  res.ParentHash,
			Preparatory: res.Preparatory,
		}
		if line.Result.Logs == nil {
			line.Result.Logs = []*types.Log{}
		}
	case trace.ErrorEvent:
		line.Err = ev.Err.Error()
	default:
		return nil, fmt.Errorf("unknown event type %d", ev.Type)
	}
	return json.Marshal(line)
}

type archiveLine struct {
	Tx   common.Hash     `json:"tx"`
	Cid  string          `json:"cid"`
	Node json.RawMessage `json:"node"`
}

// archiveTx traces the transaction to completion and renders it as a DAG-ETH trace
// node anchored at the state root of the parent block
func archiveTx(ctx context.Context, backend vmtrace.Backend, hash common.Hash, cfg *vmtrace.Config) ([]byte, error) {
	events, err := vmtrace.Summarize(ctx, backend, hash, cfg)
	if err != nil {
		line, rerr := renderEvent(hash, trace.NewErrorEvent(err))
		if rerr != nil {
			return nil, rerr
		}
		return append(line, '\n'), err
	}
	res := events[len(events)-1].Result
	raw, err := backend.GetHeaderByHash(ctx, res.ParentHash)
	if err != nil {
		return nil, err
	}
	parent, err := block.MaterializeHeader(raw)
	if err != nil {
		return nil, err
	}
	txTrace, err := tx_trace.FromEvents(events, parent.Root)
	if err != nil {
		return nil, err
	}
	node, err := txTrace.Node()
	if err != nil {
		return nil, err
	}
	c, err := txTrace.Cid()
	if err != nil {
		return nil, err
	}
	enc := new(bytes.Buffer)
	if err := dagjson.Encode(node, enc); err != nil {
		return nil, err
	}
	line, err := json.Marshal(archiveLine{Tx: hash, Cid: c.String(), Node: enc.Bytes()})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
