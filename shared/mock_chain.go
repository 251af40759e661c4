package shared

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// MockAccount is the state of one account at the backing block of a MockChain
type MockAccount struct {
	Balance *big.Int
	Nonce   uint64
	Code    []byte
	Storage map[common.Hash]common.Hash
}

// MockCall records one JSON-RPC request served by a MockChain
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockChain is an in-memory JSON-RPC provider serving canned chain data.
// It satisfies the CallContext method set of *rpc.Client.
type MockChain struct {
	ChainID  *big.Int
	Txs      map[common.Hash]json.RawMessage
	Blocks   map[common.Hash]json.RawMessage
	Pending  []json.RawMessage // successive answers to eth_getBlockByNumber("pending"), the last one repeats
	Accounts map[common.Address]MockAccount
	// Errors fails every call of the keyed method with the given error
	Errors map[string]error

	mu    sync.Mutex
	calls []MockCall
}

// NewMockChain returns an empty MockChain
func NewMockChain(chainID *big.Int) *MockChain {
	return &MockChain{
		ChainID:  chainID,
		Txs:      make(map[common.Hash]json.RawMessage),
		Blocks:   make(map[common.Hash]json.RawMessage),
		Accounts: make(map[common.Address]MockAccount),
		Errors:   make(map[string]error),
	}
}

// Calls returns the recorded requests for method
func (m *MockChain) Calls(method string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var calls []MockCall
	for _, call := range m.calls {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// CallContext serves a request from the canned data
func (m *MockChain) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	pendingCalls := 0
	for _, call := range m.calls {
		if call.Method == "eth_getBlockByNumber" && len(call.Args) > 0 && call.Args[0] == "pending" {
			pendingCalls++
		}
	}
	m.calls = append(m.calls, MockCall{Method: method, Args: args})
	m.mu.Unlock()

	if err := m.Errors[method]; err != nil {
		return err
	}
	var resp interface{}
	switch method {
	case "eth_getTransactionByHash":
		if raw, ok := m.Txs[args[0].(common.Hash)]; ok {
			resp = raw
		}
	case "eth_getBlockByHash":
		if raw, ok := m.Blocks[args[0].(common.Hash)]; ok {
			resp = raw
		}
	case "eth_getBlockByNumber":
		if args[0] != "pending" {
			return fmt.Errorf("mock chain only serves the pending block by number")
		}
		if len(m.Pending) > 0 {
			if pendingCalls >= len(m.Pending) {
				pendingCalls = len(m.Pending) - 1
			}
			resp = m.Pending[pendingCalls]
		}
	case "eth_chainId":
		resp = (*hexutil.Big)(m.ChainID)
	case "eth_getBalance":
		balance := m.Accounts[args[0].(common.Address)].Balance
		if balance == nil {
			balance = new(big.Int)
		}
		resp = (*hexutil.Big)(balance)
	case "eth_getTransactionCount":
		resp = hexutil.Uint64(m.Accounts[args[0].(common.Address)].Nonce)
	case "eth_getCode":
		resp = hexutil.Bytes(m.Accounts[args[0].(common.Address)].Code)
	case "eth_getStorageAt":
		value := m.Accounts[args[0].(common.Address)].Storage[args[1].(common.Hash)]
		resp = hexutil.Bytes(value.Bytes())
	default:
		return fmt.Errorf("the method %s does not exist/is not available", method)
	}
	enc, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(enc, result)
}
