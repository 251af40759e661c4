// Package state provides the backing state the VM executes against: an in-memory,
// journaled overlay on top of account and storage values read lazily from a remote
// provider at a fixed block height.
package state

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
)

var emptyCodeHash = crypto.Keccak256Hash(nil)

// Reader reads committed chain state at a given block height
type Reader interface {
	BalanceAt(ctx context.Context, addr common.Address, number uint64) (*big.Int, error)
	NonceAt(ctx context.Context, addr common.Address, number uint64) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address, number uint64) ([]byte, error)
	StorageAt(ctx context.Context, addr common.Address, key common.Hash, number uint64) (common.Hash, error)
}

type account struct {
	exists   bool
	balance  *big.Int
	nonce    uint64
	code     []byte
	codeHash common.Hash

	// origin holds values as of the start of the current transaction
	origin map[common.Hash]common.Hash
	dirty  map[common.Hash]common.Hash
	// fresh accounts were created or wiped locally and never consult the remote storage
	fresh    bool
	suicided bool
}

func newAccount() *account {
	return &account{
		balance:  new(big.Int),
		codeHash: emptyCodeHash,
		origin:   make(map[common.Hash]common.Hash),
		dirty:    make(map[common.Hash]common.Hash),
	}
}

func (a *account) empty() bool {
	return a.nonce == 0 && a.balance.Sign() == 0 && a.codeHash == emptyCodeHash
}

type revision struct {
	id           int
	journalIndex int
}

// RemoteState implements vm.StateDB over a Reader. Values read from the remote are
// cached for the lifetime of the RemoteState; all writes stay local.
// A RemoteState is owned by a single trace request and is not safe for concurrent use.
type RemoteState struct {
	ctx    context.Context
	reader Reader
	number uint64
	logger log.Logger

	accounts map[common.Address]*account

	journal      []func()
	revisions    []revision
	nextRevision int

	refund     uint64
	thash      common.Hash
	txIndex    int
	logs       map[common.Hash][]*types.Log
	logSize    uint
	accessList *accessList
	transient  transientStorage
	preimages  map[common.Hash][]byte

	// err is the first remote read failure. Reads after a failure return zero values.
	err error
}

var _ vm.StateDB = (*RemoteState)(nil)

// New returns an overlay reading committed values at block number
func New(ctx context.Context, reader Reader, number uint64) *RemoteState {
	return &RemoteState{
		ctx:        ctx,
		reader:     reader,
		number:     number,
		logger:     log.New("state", number),
		accounts:   make(map[common.Address]*account),
		logs:       make(map[common.Hash][]*types.Log),
		accessList: newAccessList(),
		transient:  make(transientStorage),
		preimages:  make(map[common.Hash][]byte),
	}
}

// Number returns the block height remote values are read at
func (s *RemoteState) Number() uint64 {
	return s.number
}

// Error returns the first remote read failure, if any
func (s *RemoteState) Error() error {
	return s.err
}

func (s *RemoteState) setError(err error) {
	if s.err == nil {
		s.err = err
	}
}

func (s *RemoteState) getAccount(addr common.Address) *account {
	if acct, ok := s.accounts[addr]; ok {
		return acct
	}
	acct := newAccount()
	s.accounts[addr] = acct
	if s.err != nil {
		return acct
	}
	balance, err := s.reader.BalanceAt(s.ctx, addr, s.number)
	if err != nil {
		s.setError(err)
		return acct
	}
	nonce, err := s.reader.NonceAt(s.ctx, addr, s.number)
	if err != nil {
		s.setError(err)
		return acct
	}
	code, err := s.reader.CodeAt(s.ctx, addr, s.number)
	if err != nil {
		s.setError(err)
		return acct
	}
	acct.balance = balance
	acct.nonce = nonce
	if len(code) > 0 {
		acct.code = code
		acct.codeHash = crypto.Keccak256Hash(code)
	}
	acct.exists = !acct.empty()
	s.logger.Trace("Loaded remote account", "addr", addr, "balance", balance, "nonce", nonce, "code", len(code))
	return acct
}

// SetTxContext sets the transaction that subsequent logs are attributed to
func (s *RemoteState) SetTxContext(thash common.Hash, ti int) {
	s.thash = thash
	s.txIndex = ti
}

// Logs returns the logs emitted by the given transaction
func (s *RemoteState) Logs(thash common.Hash) []*types.Log {
	return s.logs[thash]
}

// EnsureBalance credits addr so that its balance is at least amount
func (s *RemoteState) EnsureBalance(addr common.Address, amount *big.Int) {
	balance := s.GetBalance(addr)
	if balance.Cmp(amount) < 0 {
		s.AddBalance(addr, new(big.Int).Sub(amount, balance))
	}
}

// Finalise closes the current transaction: self-destructed accounts (and, with
// deleteEmptyObjects, empty accounts) are removed, pending storage writes become the
// committed values seen by the next transaction, and the journal is reset.
func (s *RemoteState) Finalise(deleteEmptyObjects bool) {
	for addr, acct := range s.accounts {
		if acct.suicided || (deleteEmptyObjects && acct.empty()) {
			wiped := newAccount()
			wiped.fresh = true
			s.accounts[addr] = wiped
			continue
		}
		for key, value := range acct.dirty {
			acct.origin[key] = value
		}
		acct.dirty = make(map[common.Hash]common.Hash)
	}
	s.journal = s.journal[:0]
	s.revisions = s.revisions[:0]
	s.refund = 0
}

func (s *RemoteState) CreateAccount(addr common.Address) {
	prev := s.getAccount(addr)
	acct := newAccount()
	acct.exists = true
	acct.fresh = true
	acct.balance.Set(prev.balance)
	s.accounts[addr] = acct
	s.journal = append(s.journal, func() { s.accounts[addr] = prev })
}

func (s *RemoteState) SubBalance(addr common.Address, amount *big.Int) {
	if amount.Sign() == 0 {
		return
	}
	acct := s.getAccount(addr)
	s.setBalance(acct, new(big.Int).Sub(acct.balance, amount))
}

func (s *RemoteState) AddBalance(addr common.Address, amount *big.Int) {
	acct := s.getAccount(addr)
	if amount.Sign() == 0 {
		return
	}
	s.setBalance(acct, new(big.Int).Add(acct.balance, amount))
}

func (s *RemoteState) setBalance(acct *account, balance *big.Int) {
	prev, prevExists := acct.balance, acct.exists
	s.journal = append(s.journal, func() { acct.balance, acct.exists = prev, prevExists })
	acct.balance = balance
	acct.exists = true
}

func (s *RemoteState) GetBalance(addr common.Address) *big.Int {
	return new(big.Int).Set(s.getAccount(addr).balance)
}

func (s *RemoteState) GetNonce(addr common.Address) uint64 {
	return s.getAccount(addr).nonce
}

func (s *RemoteState) SetNonce(addr common.Address, nonce uint64) {
	acct := s.getAccount(addr)
	prev, prevExists := acct.nonce, acct.exists
	s.journal = append(s.journal, func() { acct.nonce, acct.exists = prev, prevExists })
	acct.nonce = nonce
	acct.exists = true
}

func (s *RemoteState) GetCodeHash(addr common.Address) common.Hash {
	acct := s.getAccount(addr)
	if !acct.exists {
		return common.Hash{}
	}
	return acct.codeHash
}

func (s *RemoteState) GetCode(addr common.Address) []byte {
	return s.getAccount(addr).code
}

func (s *RemoteState) SetCode(addr common.Address, code []byte) {
	acct := s.getAccount(addr)
	prevCode, prevHash, prevExists := acct.code, acct.codeHash, acct.exists
	s.journal = append(s.journal, func() { acct.code, acct.codeHash, acct.exists = prevCode, prevHash, prevExists })
	acct.code = code
	acct.codeHash = crypto.Keccak256Hash(code)
	acct.exists = true
}

func (s *RemoteState) GetCodeSize(addr common.Address) int {
	return len(s.getAccount(addr).code)
}

func (s *RemoteState) AddRefund(gas uint64) {
	prev := s.refund
	s.journal = append(s.journal, func() { s.refund = prev })
	s.refund += gas
}

func (s *RemoteState) SubRefund(gas uint64) {
	prev := s.refund
	s.journal = append(s.journal, func() { s.refund = prev })
	if gas > s.refund {
		panic(fmt.Sprintf("Refund counter below zero (gas: %d > refund: %d)", gas, s.refund))
	}
	s.refund -= gas
}

func (s *RemoteState) GetRefund() uint64 {
	return s.refund
}

func (s *RemoteState) GetCommittedState(addr common.Address, key common.Hash) common.Hash {
	acct := s.getAccount(addr)
	if value, ok := acct.origin[key]; ok {
		return value
	}
	if acct.fresh || s.err != nil {
		return common.Hash{}
	}
	value, err := s.reader.StorageAt(s.ctx, addr, key, s.number)
	if err != nil {
		s.setError(err)
		return common.Hash{}
	}
	acct.origin[key] = value
	return value
}

func (s *RemoteState) GetState(addr common.Address, key common.Hash) common.Hash {
	acct := s.getAccount(addr)
	if value, ok := acct.dirty[key]; ok {
		return value
	}
	return s.GetCommittedState(addr, key)
}

func (s *RemoteState) SetState(addr common.Address, key, value common.Hash) {
	acct := s.getAccount(addr)
	prev, dirty := acct.dirty[key]
	s.journal = append(s.journal, func() {
		if dirty {
			acct.dirty[key] = prev
		} else {
			delete(acct.dirty, key)
		}
	})
	acct.dirty[key] = value
}

func (s *RemoteState) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transient.get(addr, key)
}

func (s *RemoteState) SetTransientState(addr common.Address, key, value common.Hash) {
	prev := s.transient.get(addr, key)
	if prev == value {
		return
	}
	s.journal = append(s.journal, func() { s.transient.set(addr, key, prev) })
	s.transient.set(addr, key, value)
}

func (s *RemoteState) Suicide(addr common.Address) bool {
	acct := s.getAccount(addr)
	if !acct.exists {
		return false
	}
	prevSuicided, prevBalance := acct.suicided, acct.balance
	s.journal = append(s.journal, func() { acct.suicided, acct.balance = prevSuicided, prevBalance })
	acct.suicided = true
	acct.balance = new(big.Int)
	return true
}

func (s *RemoteState) HasSuicided(addr common.Address) bool {
	return s.getAccount(addr).suicided
}

// Exist reports whether the account exists; self-destructed accounts exist until Finalise
func (s *RemoteState) Exist(addr common.Address) bool {
	return s.getAccount(addr).exists
}

func (s *RemoteState) Empty(addr common.Address) bool {
	acct := s.getAccount(addr)
	return !acct.exists || acct.empty()
}

func (s *RemoteState) AddressInAccessList(addr common.Address) bool {
	return s.accessList.containsAddress(addr)
}

func (s *RemoteState) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	return s.accessList.contains(addr, slot)
}

func (s *RemoteState) AddAddressToAccessList(addr common.Address) {
	if s.accessList.addAddress(addr) {
		s.journal = append(s.journal, func() { s.accessList.deleteAddress(addr) })
	}
}

func (s *RemoteState) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	addrAdded, slotAdded := s.accessList.addSlot(addr, slot)
	if addrAdded {
		s.journal = append(s.journal, func() { s.accessList.deleteAddress(addr) })
	}
	if slotAdded {
		s.journal = append(s.journal, func() { s.accessList.deleteSlot(addr, slot) })
	}
}

// Prepare resets the per-transaction access list and transient storage
func (s *RemoteState) Prepare(rules params.Rules, sender, coinbase common.Address, dst *common.Address, precompiles []common.Address, list types.AccessList) {
	if rules.IsBerlin {
		al := newAccessList()
		al.addAddress(sender)
		if dst != nil {
			al.addAddress(*dst)
		}
		for _, addr := range precompiles {
			al.addAddress(addr)
		}
		for _, el := range list {
			al.addAddress(el.Address)
			for _, key := range el.StorageKeys {
				al.addSlot(el.Address, key)
			}
		}
		if rules.IsShanghai {
			al.addAddress(coinbase)
		}
		s.accessList = al
	}
	s.transient = make(transientStorage)
}

func (s *RemoteState) Snapshot() int {
	id := s.nextRevision
	s.nextRevision++
	s.revisions = append(s.revisions, revision{id: id, journalIndex: len(s.journal)})
	return id
}

func (s *RemoteState) RevertToSnapshot(revid int) {
	idx := sort.Search(len(s.revisions), func(i int) bool {
		return s.revisions[i].id >= revid
	})
	if idx == len(s.revisions) || s.revisions[idx].id != revid {
		panic(fmt.Errorf("revision id %v cannot be reverted", revid))
	}
	snapshot := s.revisions[idx].journalIndex
	for i := len(s.journal) - 1; i >= snapshot; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:snapshot]
	s.revisions = s.revisions[:idx]
}

func (s *RemoteState) AddLog(l *types.Log) {
	thash := s.thash
	s.journal = append(s.journal, func() {
		logs := s.logs[thash]
		if len(logs) == 1 {
			delete(s.logs, thash)
		} else {
			s.logs[thash] = logs[:len(logs)-1]
		}
		s.logSize--
	})
	l.TxHash = s.thash
	l.TxIndex = uint(s.txIndex)
	l.Index = s.logSize
	s.logs[s.thash] = append(s.logs[s.thash], l)
	s.logSize++
}

func (s *RemoteState) AddPreimage(hash common.Hash, preimage []byte) {
	if _, ok := s.preimages[hash]; !ok {
		s.preimages[hash] = common.CopyBytes(preimage)
	}
}

// ForEachStorage iterates the storage slots of addr known to the overlay
func (s *RemoteState) ForEachStorage(addr common.Address, cb func(key, value common.Hash) bool) error {
	acct := s.getAccount(addr)
	for key, value := range acct.dirty {
		if !cb(key, value) {
			return nil
		}
	}
	for key, value := range acct.origin {
		if _, ok := acct.dirty[key]; ok {
			continue
		}
		if !cb(key, value) {
			return nil
		}
	}
	return nil
}
