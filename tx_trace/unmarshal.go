package tx_trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"

	"github.com/vulcanize/go-vmtrace/shared"
)

// Decode provides an IPLD codec decode interface for eth transaction trace IPLDs.
// This function is registered via the go-ipld-prime link loader for multicodec
// code 0x9b (proposed) when this package is invoked via init.
func Decode(na ipld.NodeAssembler, in io.Reader) error {
	var src []byte
	if buf, ok := in.(interface{ Bytes() []byte }); ok {
		src = buf.Bytes()
	} else {
		var err error
		src, err = ioutil.ReadAll(in)
		if err != nil {
			return err
		}
	}
	return DecodeBytes(na, src)
}

// DecodeBytes is like Decode, but it uses an input buffer directly.
// Decode will grab or read all the bytes from an io.Reader anyway, so this can
// save having to copy the bytes or create a bytes.Buffer.
func DecodeBytes(na ipld.NodeAssembler, src []byte) error {
	var txTrace TxTrace
	if err := rlp.DecodeBytes(src, &txTrace); err != nil {
		return err
	}
	return DecodeTxTrace(na, txTrace)
}

// DecodeTxTrace unpacks a TxTrace into a NodeAssembler
func DecodeTxTrace(na ipld.NodeAssembler, txTrace TxTrace) error {
	ma, err := na.BeginMap(int64(len(requiredUnpackFuncs)))
	if err != nil {
		return err
	}
	for _, upFunc := range requiredUnpackFuncs {
		if err := upFunc(ma, txTrace); err != nil {
			return fmt.Errorf("invalid DAG-ETH TxTrace binary (%v)", err)
		}
	}
	return ma.Finish()
}

var requiredUnpackFuncs = []func(ipld.MapAssembler, TxTrace) error{
	unpackTxCIDs,
	unpackStateRootCID,
	unpackResult,
	unpackFrames,
	unpackGas,
	unpackFailed,
}

func unpackTxCIDs(ma ipld.MapAssembler, txTrace TxTrace) error {
	if err := ma.AssembleKey().AssignString("TxCIDs"); err != nil {
		return err
	}
	la, err := ma.AssembleValue().BeginList(int64(len(txTrace.TxHashes)))
	if err != nil {
		return err
	}
	for _, txHash := range txTrace.TxHashes {
		txLinkCID := cidlink.Link{Cid: shared.Keccak256ToCid(cid.EthTx, txHash.Bytes())}
		if err := la.AssembleValue().AssignLink(txLinkCID); err != nil {
			return err
		}
	}
	return la.Finish()
}

func unpackStateRootCID(ma ipld.MapAssembler, txTrace TxTrace) error {
	srLinkCID := cidlink.Link{Cid: shared.Keccak256ToCid(cid.EthStateTrie, txTrace.StateRoot.Bytes())}
	if err := ma.AssembleKey().AssignString("StateRootCID"); err != nil {
		return err
	}
	return ma.AssembleValue().AssignLink(srLinkCID)
}

func unpackResult(ma ipld.MapAssembler, txTrace TxTrace) error {
	if err := ma.AssembleKey().AssignString("Result"); err != nil {
		return err
	}
	return ma.AssembleValue().AssignBytes(txTrace.Result)
}

func unpackFrames(ma ipld.MapAssembler, txTrace TxTrace) error {
	if err := ma.AssembleKey().AssignString("Frames"); err != nil {
		return err
	}
	framesLA, err := ma.AssembleValue().BeginList(int64(len(txTrace.Frames)))
	if err != nil {
		return err
	}
	for _, frame := range txTrace.Frames {
		frameMA, err := framesLA.AssembleValue().BeginMap(int64(len(requiredFrameUnpackFuncs)))
		if err != nil {
			return err
		}
		if err := unpackFrame(frameMA, frame); err != nil {
			return err
		}
		if err := frameMA.Finish(); err != nil {
			return err
		}
	}
	return framesLA.Finish()
}

func unpackGas(ma ipld.MapAssembler, txTrace TxTrace) error {
	return assignUint(ma, "Gas", txTrace.Gas)
}

func unpackFailed(ma ipld.MapAssembler, txTrace TxTrace) error {
	if err := ma.AssembleKey().AssignString("Failed"); err != nil {
		return err
	}
	return ma.AssembleValue().AssignBool(txTrace.Failed)
}

func unpackFrame(ma ipld.MapAssembler, frame Frame) error {
	for _, pFunc := range requiredFrameUnpackFuncs {
		if err := pFunc(ma, frame); err != nil {
			return err
		}
	}
	return nil
}

var requiredFrameUnpackFuncs = []func(ipld.MapAssembler, Frame) error{
	unpackOp,
	unpackPC,
	unpackDepth,
	unpackAddress,
	unpackStack,
	unpackMemory,
	unpackFrameGas,
	unpackCost,
}

func unpackOp(ma ipld.MapAssembler, frame Frame) error {
	if err := ma.AssembleKey().AssignString("Op"); err != nil {
		return err
	}
	return ma.AssembleValue().AssignBytes([]byte{byte(frame.Op)})
}

func unpackPC(ma ipld.MapAssembler, frame Frame) error {
	return assignUint(ma, "PC", frame.PC)
}

func unpackDepth(ma ipld.MapAssembler, frame Frame) error {
	return assignUint(ma, "Depth", frame.Depth)
}

func unpackAddress(ma ipld.MapAssembler, frame Frame) error {
	if err := ma.AssembleKey().AssignString("Address"); err != nil {
		return err
	}
	return ma.AssembleValue().AssignBytes(frame.Address.Bytes())
}

func unpackStack(ma ipld.MapAssembler, frame Frame) error {
	if err := ma.AssembleKey().AssignString("Stack"); err != nil {
		return err
	}
	la, err := ma.AssembleValue().BeginList(int64(len(frame.Stack)))
	if err != nil {
		return err
	}
	for _, word := range frame.Stack {
		if err := la.AssembleValue().AssignBytes(word.Bytes()); err != nil {
			return err
		}
	}
	return la.Finish()
}

func unpackMemory(ma ipld.MapAssembler, frame Frame) error {
	if err := ma.AssembleKey().AssignString("Memory"); err != nil {
		return err
	}
	return ma.AssembleValue().AssignBytes(frame.Memory)
}

func unpackFrameGas(ma ipld.MapAssembler, frame Frame) error {
	return assignUint(ma, "Gas", frame.Gas)
}

func unpackCost(ma ipld.MapAssembler, frame Frame) error {
	return assignUint(ma, "Cost", frame.Cost)
}

// assignUint writes a Uint field as 8 big endian bytes
func assignUint(ma ipld.MapAssembler, key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	if err := ma.AssembleKey().AssignString(key); err != nil {
		return err
	}
	return ma.AssembleValue().AssignBytes(buf)
}
