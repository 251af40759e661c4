package tx_trace

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ipld/go-ipld-prime"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/multiformats/go-multihash"

	"github.com/vulcanize/go-vmtrace/shared"
)

// Encode provides an IPLD codec encode interface for eth transaction trace IPLDs.
// This function is registered via the go-ipld-prime link loader for multicodec
// code 0x9b (proposed) when this package is invoked via init.
func Encode(node ipld.Node, w io.Writer) error {
	// 1KiB can be allocated on the stack, and covers most small nodes
	// without having to grow the buffer and cause allocations.
	enc := make([]byte, 0, 1024)

	enc, err := AppendEncode(enc, node)
	if err != nil {
		return err
	}
	_, err = w.Write(enc)
	return err
}

// AppendEncode is like Encode, but it uses a destination buffer directly.
// This means less copying of bytes, and if the destination has enough capacity,
// fewer allocations.
func AppendEncode(enc []byte, inNode ipld.Node) ([]byte, error) {
	txTrace := new(TxTrace)
	if err := EncodeTxTrace(txTrace, inNode); err != nil {
		return nil, err
	}
	wbs := shared.NewWriteableByteSlice(&enc)
	if err := rlp.Encode(wbs, txTrace); err != nil {
		return nil, err
	}
	return enc, nil
}

// EncodeTxTrace packs the node into a TxTrace
func EncodeTxTrace(txTrace *TxTrace, node ipld.Node) error {
	if node.Kind() != ipld.Kind_Map {
		return fmt.Errorf("invalid DAG-ETH TxTrace form (%s), expected a map", node.Kind())
	}
	for _, pFunc := range requiredPackFuncs {
		if err := pFunc(txTrace, node); err != nil {
			return fmt.Errorf("invalid DAG-ETH TxTrace form (%v)", err)
		}
	}
	return nil
}

var requiredPackFuncs = []func(*TxTrace, ipld.Node) error{
	packTxCIDs,
	packStateRootCID,
	packResult,
	packFrames,
	packGas,
	packFailed,
}

func packTxCIDs(txTrace *TxTrace, node ipld.Node) error {
	txCIDList, err := node.LookupByString("TxCIDs")
	if err != nil {
		return err
	}
	txCIDListIT := txCIDList.ListIterator()
	if txCIDListIT == nil {
		return fmt.Errorf("tx trace TxCIDs must be a list")
	}
	txHashes := make([]common.Hash, txCIDList.Length())
	for !txCIDListIT.Done() {
		i, txCIDNode, err := txCIDListIT.Next()
		if err != nil {
			return err
		}
		txHash, err := linkedHash(txCIDNode)
		if err != nil {
			return fmt.Errorf("tx trace TxCID %d: %v", i, err)
		}
		txHashes[i] = txHash
	}
	txTrace.TxHashes = txHashes
	return nil
}

func packStateRootCID(txTrace *TxTrace, node ipld.Node) error {
	srNode, err := node.LookupByString("StateRootCID")
	if err != nil {
		return err
	}
	stateRoot, err := linkedHash(srNode)
	if err != nil {
		return fmt.Errorf("tx trace StateRootCID: %v", err)
	}
	txTrace.StateRoot = stateRoot
	return nil
}

// linkedHash extracts the keccak256 digest a CID link points at
func linkedHash(node ipld.Node) (common.Hash, error) {
	link, err := node.AsLink()
	if err != nil {
		return common.Hash{}, err
	}
	cidLink, ok := link.(cidlink.Link)
	if !ok {
		return common.Hash{}, fmt.Errorf("link is not a CID link")
	}
	decodedMh, err := multihash.Decode(cidLink.Hash())
	if err != nil {
		return common.Hash{}, fmt.Errorf("unable to decode multihash: %v", err)
	}
	if decodedMh.Code != MultiHashType {
		return common.Hash{}, fmt.Errorf("unexpected multihash type %x", decodedMh.Code)
	}
	return common.BytesToHash(decodedMh.Digest), nil
}

func packResult(txTrace *TxTrace, node ipld.Node) error {
	resNode, err := node.LookupByString("Result")
	if err != nil {
		return err
	}
	result, err := resNode.AsBytes()
	if err != nil {
		return err
	}
	txTrace.Result = result
	return nil
}

func packFrames(txTrace *TxTrace, node ipld.Node) error {
	frameList, err := node.LookupByString("Frames")
	if err != nil {
		return err
	}
	frameListIT := frameList.ListIterator()
	if frameListIT == nil {
		return fmt.Errorf("tx trace Frames must be a list")
	}
	frames := make([]Frame, frameList.Length())
	for !frameListIT.Done() {
		i, frameNode, err := frameListIT.Next()
		if err != nil {
			return err
		}
		if err := packFrame(&frames[i], frameNode); err != nil {
			return fmt.Errorf("tx trace frame %d: %v", i, err)
		}
	}
	txTrace.Frames = frames
	return nil
}

func packGas(txTrace *TxTrace, node ipld.Node) error {
	gas, err := lookupUint(node, "Gas")
	if err != nil {
		return err
	}
	txTrace.Gas = gas
	return nil
}

func packFailed(txTrace *TxTrace, node ipld.Node) error {
	failedNode, err := node.LookupByString("Failed")
	if err != nil {
		return err
	}
	failed, err := failedNode.AsBool()
	if err != nil {
		return err
	}
	txTrace.Failed = failed
	return nil
}

func packFrame(frame *Frame, node ipld.Node) error {
	for _, pFunc := range requiredFramePackFuncs {
		if err := pFunc(frame, node); err != nil {
			return err
		}
	}
	return nil
}

var requiredFramePackFuncs = []func(*Frame, ipld.Node) error{
	packOp,
	packPC,
	packDepth,
	packAddress,
	packStack,
	packMemory,
	packFrameGas,
	packCost,
}

func packOp(frame *Frame, node ipld.Node) error {
	opNode, err := node.LookupByString("Op")
	if err != nil {
		return err
	}
	op, err := opNode.AsBytes()
	if err != nil {
		return err
	}
	if len(op) != 1 {
		return fmt.Errorf("op must be a single byte")
	}
	frame.Op = vm.OpCode(op[0])
	return nil
}

func packPC(frame *Frame, node ipld.Node) error {
	pc, err := lookupUint(node, "PC")
	if err != nil {
		return err
	}
	frame.PC = pc
	return nil
}

func packDepth(frame *Frame, node ipld.Node) error {
	depth, err := lookupUint(node, "Depth")
	if err != nil {
		return err
	}
	frame.Depth = depth
	return nil
}

func packAddress(frame *Frame, node ipld.Node) error {
	addrNode, err := node.LookupByString("Address")
	if err != nil {
		return err
	}
	addrBytes, err := addrNode.AsBytes()
	if err != nil {
		return err
	}
	frame.Address = common.BytesToAddress(addrBytes)
	return nil
}

func packStack(frame *Frame, node ipld.Node) error {
	stackNode, err := node.LookupByString("Stack")
	if err != nil {
		return err
	}
	stackIT := stackNode.ListIterator()
	if stackIT == nil {
		return fmt.Errorf("stack must be a list")
	}
	stack := make([]common.Hash, stackNode.Length())
	for !stackIT.Done() {
		i, wordNode, err := stackIT.Next()
		if err != nil {
			return err
		}
		word, err := wordNode.AsBytes()
		if err != nil {
			return err
		}
		stack[i] = common.BytesToHash(word)
	}
	frame.Stack = stack
	return nil
}

func packMemory(frame *Frame, node ipld.Node) error {
	memNode, err := node.LookupByString("Memory")
	if err != nil {
		return err
	}
	memory, err := memNode.AsBytes()
	if err != nil {
		return err
	}
	frame.Memory = memory
	return nil
}

func packFrameGas(frame *Frame, node ipld.Node) error {
	gas, err := lookupUint(node, "Gas")
	if err != nil {
		return err
	}
	frame.Gas = gas
	return nil
}

func packCost(frame *Frame, node ipld.Node) error {
	cost, err := lookupUint(node, "Cost")
	if err != nil {
		return err
	}
	frame.Cost = cost
	return nil
}

// lookupUint reads a Uint field stored as 8 big endian bytes
func lookupUint(node ipld.Node, key string) (uint64, error) {
	uintNode, err := node.LookupByString(key)
	if err != nil {
		return 0, err
	}
	uintBytes, err := uintNode.AsBytes()
	if err != nil {
		return 0, err
	}
	if len(uintBytes) != 8 {
		return 0, fmt.Errorf("%s must be 8 bytes, got %d", key, len(uintBytes))
	}
	return binary.BigEndian.Uint64(uintBytes), nil
}
