// Package query is a thin facade over the JSON-RPC methods the tracer needs from a remote node.
// It dispatches calls and decodes envelopes; it performs no retries and holds no state.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vulcanize/go-vmtrace/trace"
)

// PendingTag selects the node's pending block in eth_getBlockByNumber
const PendingTag = "pending"

// Caller is the subset of *rpc.Client used by Query
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Query issues chain data requests against a remote provider
type Query struct {
	c Caller
}

// New wraps an existing RPC caller
func New(c Caller) *Query {
	return &Query{c: c}
}

// Dial connects to the provider at rawurl (http, ws or ipc)
func Dial(ctx context.Context, rawurl string) (*Query, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, &trace.ProviderError{Method: "dial", Err: err}
	}
	return New(c), nil
}

// Close releases the underlying client if it supports closing
func (q *Query) Close() {
	if cl, ok := q.c.(interface{ Close() }); ok {
		cl.Close()
	}
}

// NumberTag renders a block number as a eth_getBlockByNumber/state query parameter
func NumberTag(n uint64) string {
	return hexutil.EncodeUint64(n)
}

// GetTransaction fetches the transaction record for hash
func (q *Query) GetTransaction(ctx context.Context, hash common.Hash) (*trace.Transaction, error) {
	const method = "eth_getTransactionByHash"
	raw, err := q.callRaw(ctx, method, hash)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		BlockHash *common.Hash `json:"blockHash"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &trace.ProviderError{Method: method, Err: err}
	}
	return &trace.Transaction{
		Hash:      hash,
		BlockHash: envelope.BlockHash,
		Raw:       raw,
	}, nil
}

// GetBlockByHash fetches a block with full transaction objects
func (q *Query) GetBlockByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	return q.callRaw(ctx, "eth_getBlockByHash", hash, true)
}

// GetBlockByNumber fetches a block with full transaction objects. tag is a hex number or one of
// "pending", "latest", "earliest".
func (q *Query) GetBlockByNumber(ctx context.Context, tag string) (json.RawMessage, error) {
	return q.callRaw(ctx, "eth_getBlockByNumber", tag, true)
}

// GetHeaderByHash fetches a block without its transaction bodies
func (q *Query) GetHeaderByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	return q.callRaw(ctx, "eth_getBlockByHash", hash, false)
}

// ChainID returns the provider's chain id
func (q *Query) ChainID(ctx context.Context) (*big.Int, error) {
	var id hexutil.Big
	if err := q.call(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&id), nil
}

// BalanceAt returns the balance of addr at the given block
func (q *Query) BalanceAt(ctx context.Context, addr common.Address, number uint64) (*big.Int, error) {
	var balance hexutil.Big
	if err := q.call(ctx, &balance, "eth_getBalance", addr, NumberTag(number)); err != nil {
		return nil, err
	}
	return (*big.Int)(&balance), nil
}

// NonceAt returns the nonce of addr at the given block
func (q *Query) NonceAt(ctx context.Context, addr common.Address, number uint64) (uint64, error) {
	var nonce hexutil.Uint64
	if err := q.call(ctx, &nonce, "eth_getTransactionCount", addr, NumberTag(number)); err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

// CodeAt returns the code of addr at the given block
func (q *Query) CodeAt(ctx context.Context, addr common.Address, number uint64) ([]byte, error) {
	var code hexutil.Bytes
	if err := q.call(ctx, &code, "eth_getCode", addr, NumberTag(number)); err != nil {
		return nil, err
	}
	return code, nil
}

// StorageAt returns the value of a storage slot of addr at the given block
func (q *Query) StorageAt(ctx context.Context, addr common.Address, key common.Hash, number uint64) (common.Hash, error) {
	var value hexutil.Bytes
	if err := q.call(ctx, &value, "eth_getStorageAt", addr, key, NumberTag(number)); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(value), nil
}

func (q *Query) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := q.c.CallContext(ctx, result, method, args...); err != nil {
		return &trace.ProviderError{Method: method, Err: err}
	}
	return nil
}

func (q *Query) callRaw(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := q.call(ctx, &raw, method, args...); err != nil {
		return nil, err
	}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, &trace.ProviderError{Method: method, Err: ethereum.NotFound}
	}
	return raw, nil
}
