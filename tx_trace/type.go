package tx_trace

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/multiformats/go-multihash"
)

const (
	// MultiCodecType is the proposed multicodec code for DAG-ETH TxTrace
	MultiCodecType = uint64(0x9b)
	// MultiHashType is the hash function used to link the traced transactions and state root
	MultiHashType = uint64(multihash.KECCAK_256)
)

// TxTrace is the instruction-level trace of the last transaction of TxHashes, executed on top of
// the state referenced by StateRoot after sequentially applying the transactions preceding it
type TxTrace struct {
	TxHashes  []common.Hash
	StateRoot common.Hash
	Result    []byte
	Frames    []Frame
	Gas       uint64
	Failed    bool
}

// Frame is the VM context right before one instruction executed
type Frame struct {
	Op      vm.OpCode
	PC      uint64
	Depth   uint64
	Address common.Address
	Stack   []common.Hash
	Memory  []byte
	Gas     uint64
	Cost    uint64
}
