package state_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/vulcanize/go-vmtrace/query"
	"github.com/vulcanize/go-vmtrace/shared"
	"github.com/vulcanize/go-vmtrace/state"
	"github.com/vulcanize/go-vmtrace/trace"
)

const backingNumber = 99

var (
	contract = shared.RandomAddr()
	slot     = common.HexToHash("0x01")
	slotVal  = common.HexToHash("0xbeef")
	code     = []byte{0x60, 0x01, 0x60, 0x00, 0x55, 0x00}
)

func newTestState(t *testing.T) (*state.RemoteState, *shared.MockChain) {
	chain := shared.NewMockChain(big.NewInt(1))
	chain.Accounts[contract] = shared.MockAccount{
		Balance: big.NewInt(500),
		Nonce:   1,
		Code:    code,
		Storage: map[common.Hash]common.Hash{slot: slotVal},
	}
	return state.New(context.Background(), query.New(chain), backingNumber), chain
}

func TestLazyRemoteReads(t *testing.T) {
	s, chain := newTestState(t)

	require.Equal(t, int64(500), s.GetBalance(contract).Int64())
	require.Equal(t, int64(500), s.GetBalance(contract).Int64())
	require.Equal(t, uint64(1), s.GetNonce(contract))
	require.Equal(t, code, s.GetCode(contract))
	require.Equal(t, len(code), s.GetCodeSize(contract))
	require.Equal(t, crypto.Keccak256Hash(code), s.GetCodeHash(contract))
	require.True(t, s.Exist(contract))
	require.False(t, s.Empty(contract))

	require.Equal(t, slotVal, s.GetState(contract, slot))
	require.Equal(t, slotVal, s.GetCommittedState(contract, slot))

	require.Len(t, chain.Calls("eth_getBalance"), 1)
	require.Len(t, chain.Calls("eth_getStorageAt"), 1)
	for _, method := range []string{"eth_getBalance", "eth_getTransactionCount", "eth_getCode"} {
		for _, call := range chain.Calls(method) {
			require.Equal(t, query.NumberTag(backingNumber), call.Args[1])
		}
	}
	require.Equal(t, query.NumberTag(backingNumber), chain.Calls("eth_getStorageAt")[0].Args[2])
	require.NoError(t, s.Error())
}

func TestUnknownAccount(t *testing.T) {
	s, _ := newTestState(t)
	addr := shared.RandomAddr()

	require.False(t, s.Exist(addr))
	require.True(t, s.Empty(addr))
	require.Equal(t, common.Hash{}, s.GetCodeHash(addr))
	require.False(t, s.Suicide(addr))

	s.AddBalance(addr, big.NewInt(1))
	require.True(t, s.Exist(addr))
	require.Equal(t, crypto.Keccak256Hash(nil), s.GetCodeHash(addr))
}

func TestSnapshotRevert(t *testing.T) {
	s, _ := newTestState(t)
	other := common.HexToHash("0x02")

	s.SetState(contract, slot, common.HexToHash("0x01"))
	s.AddBalance(contract, big.NewInt(10))
	snap := s.Snapshot()

	s.SetState(contract, slot, common.HexToHash("0x02"))
	s.SetState(contract, other, common.HexToHash("0x03"))
	s.SubBalance(contract, big.NewInt(100))
	s.SetNonce(contract, 7)
	s.SetCode(contract, []byte{0x00})
	s.AddRefund(400)
	s.SetTransientState(contract, slot, common.HexToHash("0x09"))
	s.AddAddressToAccessList(contract)
	s.AddSlotToAccessList(contract, slot)

	inner := s.Snapshot()
	s.AddBalance(contract, big.NewInt(1))
	s.RevertToSnapshot(inner)
	require.Equal(t, int64(410), s.GetBalance(contract).Int64())

	s.RevertToSnapshot(snap)
	require.Equal(t, common.HexToHash("0x01"), s.GetState(contract, slot))
	require.Equal(t, common.Hash{}, s.GetState(contract, other))
	require.Equal(t, int64(510), s.GetBalance(contract).Int64())
	require.Equal(t, uint64(1), s.GetNonce(contract))
	require.Equal(t, code, s.GetCode(contract))
	require.Equal(t, uint64(0), s.GetRefund())
	require.Equal(t, common.Hash{}, s.GetTransientState(contract, slot))
	require.False(t, s.AddressInAccessList(contract))
	addrOk, slotOk := s.SlotInAccessList(contract, slot)
	require.False(t, addrOk)
	require.False(t, slotOk)

	require.Panics(t, func() { s.RevertToSnapshot(snap) })
}

func TestCommittedStateAcrossTransactions(t *testing.T) {
	s, _ := newTestState(t)
	updated := common.HexToHash("0xcafe")

	s.SetState(contract, slot, updated)
	require.Equal(t, updated, s.GetState(contract, slot))
	require.Equal(t, slotVal, s.GetCommittedState(contract, slot))

	s.Finalise(true)
	require.Equal(t, updated, s.GetCommittedState(contract, slot))
	require.Equal(t, updated, s.GetState(contract, slot))
}

func TestCreateAccount(t *testing.T) {
	s, chain := newTestState(t)
	addr := shared.RandomAddr()
	chain.Accounts[addr] = shared.MockAccount{Balance: big.NewInt(42)}

	s.CreateAccount(addr)
	require.True(t, s.Exist(addr))
	require.Equal(t, int64(42), s.GetBalance(addr).Int64())
	require.Equal(t, common.Hash{}, s.GetState(addr, slot))
	require.Empty(t, chain.Calls("eth_getStorageAt"))
}

func TestSuicideFinalise(t *testing.T) {
	s, chain := newTestState(t)

	require.True(t, s.Suicide(contract))
	require.True(t, s.HasSuicided(contract))
	require.True(t, s.Exist(contract))
	require.Equal(t, int64(0), s.GetBalance(contract).Int64())

	s.Finalise(true)
	require.False(t, s.Exist(contract))
	require.False(t, s.HasSuicided(contract))
	require.Empty(t, s.GetCode(contract))
	require.Equal(t, common.Hash{}, s.GetState(contract, slot))
	require.Empty(t, chain.Calls("eth_getStorageAt"))
}

func TestEmptyAccountsDeletedOnFinalise(t *testing.T) {
	s, _ := newTestState(t)
	addr := shared.RandomAddr()
	s.AddBalance(addr, big.NewInt(0))
	s.Finalise(true)
	require.False(t, s.Exist(addr))
}

func TestRemoteErrorIsSticky(t *testing.T) {
	s, chain := newTestState(t)
	boom := errors.New("timeout")
	chain.Errors["eth_getCode"] = boom

	require.Equal(t, int64(0), s.GetBalance(contract).Int64())
	var provErr *trace.ProviderError
	require.True(t, errors.As(s.Error(), &provErr))
	require.Equal(t, "eth_getCode", provErr.Method)
	require.True(t, errors.Is(s.Error(), boom))

	s.GetBalance(shared.RandomAddr())
	require.Len(t, chain.Calls("eth_getBalance"), 1)
}

func TestPrepareAccessList(t *testing.T) {
	s, _ := newTestState(t)
	sender, coinbase, dst, precompile := shared.RandomAddr(), shared.RandomAddr(), shared.RandomAddr(), common.BytesToAddress([]byte{1})
	listed := shared.RandomAddr()
	list := types.AccessList{{Address: listed, StorageKeys: []common.Hash{slot}}}

	s.SetTransientState(contract, slot, slotVal)
	s.Prepare(params.Rules{IsBerlin: true}, sender, coinbase, &dst, []common.Address{precompile}, list)
	for _, addr := range []common.Address{sender, dst, precompile, listed} {
		require.True(t, s.AddressInAccessList(addr))
	}
	require.False(t, s.AddressInAccessList(coinbase))
	addrOk, slotOk := s.SlotInAccessList(listed, slot)
	require.True(t, addrOk)
	require.True(t, slotOk)
	require.Equal(t, common.Hash{}, s.GetTransientState(contract, slot))

	s.Prepare(params.Rules{IsBerlin: true, IsShanghai: true}, sender, coinbase, nil, nil, nil)
	require.True(t, s.AddressInAccessList(coinbase))
	require.False(t, s.AddressInAccessList(dst))
}

func TestLogs(t *testing.T) {
	s, _ := newTestState(t)
	first, second := shared.RandomHash(), shared.RandomHash()

	s.SetTxContext(first, 0)
	s.AddLog(&types.Log{Address: contract})
	s.SetTxContext(second, 1)
	snap := s.Snapshot()
	s.AddLog(&types.Log{Address: contract})
	s.AddLog(&types.Log{Address: contract})
	require.Len(t, s.Logs(second), 2)
	require.Equal(t, uint(2), s.Logs(second)[1].Index)
	require.Equal(t, uint(1), s.Logs(second)[1].TxIndex)
	require.Equal(t, second, s.Logs(second)[0].TxHash)

	s.RevertToSnapshot(snap)
	require.Empty(t, s.Logs(second))
	require.Len(t, s.Logs(first), 1)
	require.Equal(t, first, s.Logs(first)[0].TxHash)
}

func TestEnsureBalance(t *testing.T) {
	s, _ := newTestState(t)
	s.EnsureBalance(contract, big.NewInt(100))
	require.Equal(t, int64(500), s.GetBalance(contract).Int64())
	s.EnsureBalance(contract, big.NewInt(1_000))
	require.Equal(t, int64(1_000), s.GetBalance(contract).Int64())
}
