package state

import (
	"github.com/ethereum/go-ethereum/common"
)

// accessList tracks warm addresses and slots (EIP-2929). An address present with a nil slot
// set is warm without any warm slots.
type accessList struct {
	addresses map[common.Address]map[common.Hash]struct{}
}

func newAccessList() *accessList {
	return &accessList{addresses: make(map[common.Address]map[common.Hash]struct{})}
}

func (al *accessList) containsAddress(addr common.Address) bool {
	_, ok := al.addresses[addr]
	return ok
}

func (al *accessList) contains(addr common.Address, slot common.Hash) (addressPresent bool, slotPresent bool) {
	slots, ok := al.addresses[addr]
	if !ok {
		return false, false
	}
	_, slotPresent = slots[slot]
	return true, slotPresent
}

// addAddress reports whether the address was newly added
func (al *accessList) addAddress(addr common.Address) bool {
	if _, ok := al.addresses[addr]; ok {
		return false
	}
	al.addresses[addr] = nil
	return true
}

// addSlot reports whether the address and the slot were newly added
func (al *accessList) addSlot(addr common.Address, slot common.Hash) (addrChange bool, slotChange bool) {
	slots, ok := al.addresses[addr]
	if !ok {
		al.addresses[addr] = map[common.Hash]struct{}{slot: {}}
		return true, true
	}
	if slots == nil {
		slots = make(map[common.Hash]struct{})
		al.addresses[addr] = slots
	}
	if _, ok := slots[slot]; ok {
		return false, false
	}
	slots[slot] = struct{}{}
	return false, true
}

func (al *accessList) deleteAddress(addr common.Address) {
	delete(al.addresses, addr)
}

func (al *accessList) deleteSlot(addr common.Address, slot common.Hash) {
	if slots := al.addresses[addr]; slots != nil {
		delete(slots, slot)
	}
}

// transientStorage is the per-transaction storage of EIP-1153
type transientStorage map[common.Address]map[common.Hash]common.Hash

func (t transientStorage) get(addr common.Address, key common.Hash) common.Hash {
	return t[addr][key]
}

func (t transientStorage) set(addr common.Address, key, value common.Hash) {
	if _, ok := t[addr]; !ok {
		t[addr] = make(map[common.Hash]common.Hash)
	}
	t[addr][key] = value
}
