package trace

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/holiman/uint256"
)

// PendingBlockHash is the origin block hash some providers report for transactions
// that have not been mined yet.
var PendingBlockHash = common.Hash{}

// Transaction is the transaction record as fetched from the provider
type Transaction struct {
	Hash common.Hash
	// BlockHash is nil or PendingBlockHash while the transaction is pending
	BlockHash *common.Hash
	// Raw is the provider's untouched JSON record
	Raw json.RawMessage
}

// IsPending reports whether the transaction has not been included in a mined block
func (tx *Transaction) IsPending() bool {
	return tx.BlockHash == nil || *tx.BlockHash == PendingBlockHash
}

// Step is a snapshot of the VM right before it executes one instruction
type Step struct {
	Op      vm.OpCode
	Stack   []uint256.Int // bottom of the stack first
	Memory  []byte
	Address common.Address
	PC      uint64
	Depth   int // 0 for the top-level call frame
	Gas     uint64
	Cost    uint64
}

// Result is the outcome of executing the target transaction
type Result struct {
	Return  []byte
	GasUsed uint64
	Failed  bool
	// Err is the in-protocol failure reason, e.g. "execution reverted"
	Err  string
	Logs []*types.Log

	BlockNumber uint64
	ParentHash  common.Hash
	// Preparatory lists the transactions replayed before the target, in block order
	Preparatory []common.Hash
}

// EventType tags the payload carried by an Event
type EventType uint8

const (
	TransactionEvent EventType = iota
	StepEvent
	ResultEvent
	ErrorEvent
)

func (t EventType) String() string {
	switch t {
	case TransactionEvent:
		return "tx"
	case StepEvent:
		return "step"
	case ResultEvent:
		return "results"
	case ErrorEvent:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one element of a trace sequence. Exactly one payload field is set, matching Type.
type Event struct {
	Type        EventType
	Transaction *Transaction
	Step        *Step
	Result      *Result
	Err         error
}

// NewTransactionEvent wraps the fetched transaction record
func NewTransactionEvent(tx *Transaction) Event {
	return Event{Type: TransactionEvent, Transaction: tx}
}

// NewStepEvent wraps a step snapshot
func NewStepEvent(step *Step) Event {
	return Event{Type: StepEvent, Step: step}
}

// NewResultEvent wraps the final execution result
func NewResultEvent(res *Result) Event {
	return Event{Type: ResultEvent, Result: res}
}

// NewErrorEvent wraps a terminal error
func NewErrorEvent(err error) Event {
	return Event{Type: ErrorEvent, Err: err}
}
