package trace

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTxNotFoundInBlock is returned when the target hash matches none of the transactions of its
// resolved block. Known causes are a pending transaction getting mined between the transaction
// fetch and the pending block fetch, and inconsistent answers from the remote node.
var ErrTxNotFoundInBlock = errors.New("transaction not found in block")

// ProviderError is a failed remote call
type ProviderError struct {
	Method string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider call %s failed: %v", e.Method, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MaterializationError is raw block or transaction data that could not be decoded
type MaterializationError struct {
	Err error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("invalid block data (%v)", e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

// Phase identifies which part of the replay a VM fault happened in
type Phase uint8

const (
	PhaseReplay Phase = iota
	PhaseTarget
)

func (p Phase) String() string {
	if p == PhaseTarget {
		return "target"
	}
	return "replay"
}

// VMError is a hard execution engine fault. In-protocol failures such as reverts are not VMErrors.
type VMError struct {
	Phase  Phase
	TxHash common.Hash
	Err    error
}

func (e *VMError) Error() string {
	return fmt.Sprintf("vm fault during %s of tx %s: %v", e.Phase, e.TxHash.Hex(), e.Err)
}

func (e *VMError) Unwrap() error { return e.Err }
