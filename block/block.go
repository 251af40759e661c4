package block

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vulcanize/go-vmtrace/trace"
)

// zeroMiner replaces the null miner of pending blocks
var zeroMiner = json.RawMessage(`"` + common.Address{}.Hex() + `"`)

// Block is a decoded block ready for execution
type Block struct {
	Header *types.Header
	// Miner is the zero address when the provider reported none (pending blocks)
	Miner common.Address
	// Transactions are kept in block order
	Transactions types.Transactions
}

// Number returns the block height
func (b *Block) Number() uint64 {
	return b.Header.Number.Uint64()
}

// ParentHash returns the hash of the block this one builds on
func (b *Block) ParentHash() common.Hash {
	return b.Header.ParentHash
}

// IndexOf returns the position of the transaction with the given canonical hash, or -1
func (b *Block) IndexOf(hash common.Hash) int {
	for i, tx := range b.Transactions {
		if tx.Hash() == hash {
			return i
		}
	}
	return -1
}

// Hashes returns the canonical hashes of the block's transactions, in order
func (b *Block) Hashes() []common.Hash {
	hashes := make([]common.Hash, len(b.Transactions))
	for i, tx := range b.Transactions {
		hashes[i] = tx.Hash()
	}
	return hashes
}

// Materialize decodes a JSON-RPC block object carrying full transaction objects
func Materialize(raw json.RawMessage) (*Block, error) {
	fields, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	header, err := decodeHeader(fields)
	if err != nil {
		return nil, err
	}
	var rawTxs []json.RawMessage
	if enc, ok := fields["transactions"]; ok && !isNull(enc) {
		if err := json.Unmarshal(enc, &rawTxs); err != nil {
			return nil, &trace.MaterializationError{Err: fmt.Errorf("transactions: %v", err)}
		}
	}
	txs := make(types.Transactions, len(rawTxs))
	for i, rawTx := range rawTxs {
		if len(rawTx) > 0 && rawTx[0] == '"' {
			return nil, &trace.MaterializationError{Err: fmt.Errorf("transaction %d is a bare hash, full transaction objects are required", i)}
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalJSON(rawTx); err != nil {
			return nil, &trace.MaterializationError{Err: fmt.Errorf("transaction %d: %v", i, err)}
		}
		txs[i] = tx
	}
	return &Block{
		Header:       header,
		Miner:        header.Coinbase,
		Transactions: txs,
	}, nil
}

// MaterializeHeader decodes only the header fields of a JSON-RPC block object
func MaterializeHeader(raw json.RawMessage) (*types.Header, error) {
	fields, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	return decodeHeader(fields)
}

func normalize(raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &trace.MaterializationError{Err: err}
	}
	if fields == nil {
		return nil, &trace.MaterializationError{Err: fmt.Errorf("empty block")}
	}
	if miner, ok := fields["miner"]; !ok || isNull(miner) {
		fields["miner"] = zeroMiner
	}
	return fields, nil
}

func decodeHeader(fields map[string]json.RawMessage) (*types.Header, error) {
	enc, err := json.Marshal(fields)
	if err != nil {
		return nil, &trace.MaterializationError{Err: err}
	}
	header := new(types.Header)
	if err := header.UnmarshalJSON(enc); err != nil {
		return nil, &trace.MaterializationError{Err: fmt.Errorf("header: %v", err)}
	}
	return header, nil
}

func isNull(enc json.RawMessage) bool {
	return len(enc) == 0 || string(enc) == "null"
}
