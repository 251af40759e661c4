package tx_trace_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/multicodec"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"

	"github.com/vulcanize/go-vmtrace/shared"
	"github.com/vulcanize/go-vmtrace/trace"
	"github.com/vulcanize/go-vmtrace/tx_trace"
)

var (
	txHashes = []common.Hash{
		shared.RandomHash(),
		shared.RandomHash(),
		shared.RandomHash(),
	}
	frame1 = tx_trace.Frame{
		Op:      vm.PUSH1,
		PC:      0,
		Depth:   0,
		Address: shared.RandomAddr(),
		Stack:   []common.Hash{},
		Memory:  []byte{},
		Gas:     79_000,
		Cost:    3,
	}
	frame2 = tx_trace.Frame{
		Op:      vm.MSTORE,
		PC:      7,
		Depth:   1,
		Address: shared.RandomAddr(),
		Stack:   []common.Hash{shared.RandomHash(), {}},
		Memory:  shared.RandomBytes(64),
		Gas:     78_991,
		Cost:    6,
	}
	frame3 = tx_trace.Frame{
		Op:      vm.CALL,
		PC:      1337,
		Depth:   2,
		Address: shared.RandomAddr(),
		Stack:   []common.Hash{shared.RandomHash(), shared.RandomHash(), shared.RandomHash()},
		Memory:  shared.RandomBytes(32),
		Gas:     50_000,
		Cost:    40_000,
	}
	frames = []tx_trace.Frame{
		frame1,
		frame2,
		frame3,
	}
	mockTrace = tx_trace.TxTrace{
		TxHashes:  txHashes,
		StateRoot: shared.RandomHash(),
		Result:    []byte("this is a fake result for testing purposes"),
		Frames:    frames,
		Gas:       1_100_000,
		Failed:    false,
	}
	traceEnc  []byte
	traceNode ipld.Node
)

/*
# TxTrace contains the VM context before each instruction of a transaction that was applied to a specific state
type TxTrace struct {
   TxCIDs TxCIDList
   # CID link to the root node of the state trie that the above transaction set was applied on top of to produce this trace
   StateRootCID &StateTrieNode
   Result Bytes
   Frames FrameList
   Gas Uint
   Failed Bool
}

# TxCIDList
# The trace is the output of the last transaction in the list applied to the state produced by
# sequentially applying the preceding txs to the referenced state
type TxCIDList [&Transaction]

# Frame is the VM context right before one instruction executed
type Frame struct {
	Op      OpCode
	PC      Uint
	Depth   Uint
	Address Address
	Stack   [Hash]
	Memory  Bytes
	Gas     Uint
	Cost    Uint
}

type FrameList [Frame]
*/

func TestTxTraceCodec(t *testing.T) {
	var err error
	traceEnc, err = rlp.EncodeToBytes(mockTrace)
	if err != nil {
		t.Fatalf("unable to rlp encode tx trace: %v", err)
	}
	testTxTraceDecoding(t)
	testTxTraceNodeContents(t)
	testTxTraceEncoding(t)
}

func testTxTraceDecoding(t *testing.T) {
	txTraceBuilder := basicnode.Prototype.Map.NewBuilder()
	txTraceReader := bytes.NewReader(traceEnc)
	if err := tx_trace.Decode(txTraceBuilder, txTraceReader); err != nil {
		t.Fatalf("unable to decode tx trace into an IPLD node: %v", err)
	}
	traceNode = txTraceBuilder.Build()
}

func testTxTraceNodeContents(t *testing.T) {
	txCIDsNode, err := traceNode.LookupByString("TxCIDs")
	if err != nil {
		t.Fatalf("tx trace missing TxCIDs: %v", err)
	}
	cidsLen := txCIDsNode.Length()
	if int(cidsLen) != len(txHashes) {
		t.Fatalf("tx trace TxCIDs length (%d) does not match expected length (%d)", cidsLen, len(txHashes))
	}
	txCIDsIT := txCIDsNode.ListIterator()
	for !txCIDsIT.Done() {
		i, txCIDNode, err := txCIDsIT.Next()
		if err != nil {
			t.Fatalf("tx trace TxCIDs iterator error: %v", err)
		}
		txLink, err := txCIDNode.AsLink()
		if err != nil {
			t.Fatalf("tx trace TxCID %d should be of type Link: %v", i, err)
		}
		txCIDLink, ok := txLink.(cidlink.Link)
		if !ok {
			t.Fatalf("tx trace TxCID %d could not be resolved to a CID link", i)
		}
		if txCIDLink.Prefix().Codec != cid.EthTx {
			t.Errorf("tx trace TxCID %d codec (%x) does not match expected codec (%x)", i, txCIDLink.Prefix().Codec, cid.EthTx)
		}
		decodedTxMh, err := multihash.Decode(txCIDLink.Hash())
		if err != nil {
			t.Fatalf("tx trace TxCID %d multihash could not be decoded: %v", i, err)
		}
		if !bytes.Equal(decodedTxMh.Digest, txHashes[i].Bytes()) {
			t.Errorf("tx trace TxCID %d (%x) does not match expected TxCID %d (%x)", i, decodedTxMh.Digest, i, txHashes[i].Bytes())
		}
	}

	srCIDNode, err := traceNode.LookupByString("StateRootCID")
	if err != nil {
		t.Fatalf("tx trace missing StateRootCID: %v", err)
	}
	srLink, err := srCIDNode.AsLink()
	if err != nil {
		t.Fatalf("tx trace StateRootCID should be of type Link: %v", err)
	}
	srCIDLink, ok := srLink.(cidlink.Link)
	if !ok {
		t.Fatalf("tx trace StateRootCID could not be resolved to a CID link")
	}
	decodedSrMh, err := multihash.Decode(srCIDLink.Hash())
	if err != nil {
		t.Fatalf("tx trace StateRootCID multihash could not be decoded: %v", err)
	}
	if !bytes.Equal(decodedSrMh.Digest, mockTrace.StateRoot.Bytes()) {
		t.Errorf("tx trace StateRootCID (%x) does not match expected StateRootCID (%x)", decodedSrMh.Digest, mockTrace.StateRoot.Bytes())
	}

	resultNode, err := traceNode.LookupByString("Result")
	if err != nil {
		t.Fatalf("tx trace missing Result: %v", err)
	}
	result, err := resultNode.AsBytes()
	if err != nil {
		t.Fatalf("tx trace Result should be of type Bytes: %v", err)
	}
	if !bytes.Equal(result, mockTrace.Result) {
		t.Errorf("tx trace Result (%x) does not match expected Result (%x)", result, mockTrace.Result)
	}

	framesNode, err := traceNode.LookupByString("Frames")
	if err != nil {
		t.Fatalf("tx trace missing Frames: %v", err)
	}
	framesLen := framesNode.Length()
	if int(framesLen) != len(frames) {
		t.Fatalf("tx trace Frames length (%d) does not match expected length (%d)", framesLen, len(frames))
	}
	framesIT := framesNode.ListIterator()
	for !framesIT.Done() {
		i, frameNode, err := framesIT.Next()
		if err != nil {
			t.Fatalf("tx trace Frames iterator error: %v", err)
		}
		testFrameNodeContents(frameNode, frames[i], t)
	}

	if gas := lookupUint(t, traceNode, "Gas"); gas != mockTrace.Gas {
		t.Errorf("tx trace Gas (%d) does not match expected Gas (%d)", gas, mockTrace.Gas)
	}

	failedNode, err := traceNode.LookupByString("Failed")
	if err != nil {
		t.Fatalf("tx trace missing Failed: %v", err)
	}
	failed, err := failedNode.AsBool()
	if err != nil {
		t.Fatalf("tx trace Failed should be of type Bool: %v", err)
	}
	if failed != mockTrace.Failed {
		t.Errorf("tx trace Failed (%t) does not match expected Failed (%t)", failed, mockTrace.Failed)
	}
}

func testFrameNodeContents(frameNode ipld.Node, frame tx_trace.Frame, t *testing.T) {
	opBytes := lookupBytes(t, frameNode, "Op")
	if len(opBytes) != 1 {
		t.Fatalf("tx trace frame Op should be a single byte")
	}
	if vm.OpCode(opBytes[0]) != frame.Op {
		t.Errorf("tx trace frame Op (%x) does not match expected Op (%x)", opBytes[0], frame.Op)
	}
	if pc := lookupUint(t, frameNode, "PC"); pc != frame.PC {
		t.Errorf("tx trace frame PC (%d) does not match expected PC (%d)", pc, frame.PC)
	}
	if depth := lookupUint(t, frameNode, "Depth"); depth != frame.Depth {
		t.Errorf("tx trace frame Depth (%d) does not match expected Depth (%d)", depth, frame.Depth)
	}
	if addr := lookupBytes(t, frameNode, "Address"); !bytes.Equal(addr, frame.Address.Bytes()) {
		t.Errorf("tx trace frame Address (%x) does not match expected Address (%x)", addr, frame.Address.Bytes())
	}

	stackNode, err := frameNode.LookupByString("Stack")
	if err != nil {
		t.Fatalf("tx trace frame is missing Stack: %v", err)
	}
	if int(stackNode.Length()) != len(frame.Stack) {
		t.Fatalf("tx trace frame Stack length (%d) does not match expected length (%d)", stackNode.Length(), len(frame.Stack))
	}
	stackIT := stackNode.ListIterator()
	for !stackIT.Done() {
		i, wordNode, err := stackIT.Next()
		if err != nil {
			t.Fatalf("tx trace frame Stack iterator error: %v", err)
		}
		word, err := wordNode.AsBytes()
		if err != nil {
			t.Fatalf("tx trace frame Stack word should be of type Bytes: %v", err)
		}
		if !bytes.Equal(word, frame.Stack[i].Bytes()) {
			t.Errorf("tx trace frame Stack word %d (%x) does not match expected word (%x)", i, word, frame.Stack[i].Bytes())
		}
	}

	if mem := lookupBytes(t, frameNode, "Memory"); !bytes.Equal(mem, frame.Memory) {
		t.Errorf("tx trace frame Memory (%x) does not match expected Memory (%x)", mem, frame.Memory)
	}
	if gas := lookupUint(t, frameNode, "Gas"); gas != frame.Gas {
		t.Errorf("tx trace frame Gas (%d) does not match expected Gas (%d)", gas, frame.Gas)
	}
	if cost := lookupUint(t, frameNode, "Cost"); cost != frame.Cost {
		t.Errorf("tx trace frame Cost (%d) does not match expected Cost (%d)", cost, frame.Cost)
	}
}

func testTxTraceEncoding(t *testing.T) {
	txTraceWriter := new(bytes.Buffer)
	if err := tx_trace.Encode(traceNode, txTraceWriter); err != nil {
		t.Fatalf("unable to encode tx trace into writer: %v", err)
	}
	traceBytes := txTraceWriter.Bytes()
	if !bytes.Equal(traceBytes, traceEnc) {
		t.Errorf("tx trace encoding (%x) does not match the expected rlp encoding (%x)", traceBytes, traceEnc)
	}
}

func TestEncodeRejectsMalformedNode(t *testing.T) {
	if err := tx_trace.Encode(basicnode.NewString("not a trace"), new(bytes.Buffer)); err == nil {
		t.Errorf("expected an error encoding a string node")
	}

	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(1)
	if err != nil {
		t.Fatalf("unable to begin map: %v", err)
	}
	if err := ma.AssembleKey().AssignString("Result"); err != nil {
		t.Fatalf("unable to assign key: %v", err)
	}
	if err := ma.AssembleValue().AssignBytes([]byte{1}); err != nil {
		t.Fatalf("unable to assign value: %v", err)
	}
	if err := ma.Finish(); err != nil {
		t.Fatalf("unable to finish map: %v", err)
	}
	if err := tx_trace.Encode(nb.Build(), new(bytes.Buffer)); err == nil {
		t.Errorf("expected an error encoding a trace without TxCIDs")
	}
}

func TestFromEvents(t *testing.T) {
	target := shared.RandomHash()
	addr := shared.RandomAddr()
	stateRoot := shared.RandomHash()
	events := []trace.Event{
		trace.NewTransactionEvent(&trace.Transaction{Hash: target}),
		trace.NewStepEvent(&trace.Step{Op: vm.PUSH1, PC: 0, Address: addr, Gas: 100, Cost: 3}),
		trace.NewStepEvent(&trace.Step{
			Op:      vm.ADD,
			PC:      4,
			Depth:   1,
			Address: addr,
			Stack:   []uint256.Int{*uint256.NewInt(1), *uint256.NewInt(2)},
			Memory:  []byte{0xff},
			Gas:     94,
			Cost:    3,
		}),
		trace.NewResultEvent(&trace.Result{
			Return:      []byte{0x03},
			GasUsed:     21_024,
			Failed:      true,
			Preparatory: txHashes[:2],
		}),
	}

	txTrace, err := tx_trace.FromEvents(events, stateRoot)
	if err != nil {
		t.Fatalf("unable to build tx trace: %v", err)
	}
	expectedHashes := []common.Hash{txHashes[0], txHashes[1], target}
	if len(txTrace.TxHashes) != len(expectedHashes) {
		t.Fatalf("tx trace TxHashes length (%d) does not match expected length (%d)", len(txTrace.TxHashes), len(expectedHashes))
	}
	for i, h := range expectedHashes {
		if txTrace.TxHashes[i] != h {
			t.Errorf("tx trace TxHash %d (%s) does not match expected hash (%s)", i, txTrace.TxHashes[i].Hex(), h.Hex())
		}
	}
	if txTrace.StateRoot != stateRoot {
		t.Errorf("tx trace StateRoot (%s) does not match expected root (%s)", txTrace.StateRoot.Hex(), stateRoot.Hex())
	}
	if txTrace.Gas != 21_024 || !txTrace.Failed || !bytes.Equal(txTrace.Result, []byte{0x03}) {
		t.Errorf("tx trace outcome (%d, %t, %x) does not match the result event", txTrace.Gas, txTrace.Failed, txTrace.Result)
	}
	if len(txTrace.Frames) != 2 {
		t.Fatalf("tx trace Frames length (%d) does not match expected length (2)", len(txTrace.Frames))
	}
	add := txTrace.Frames[1]
	if add.Op != vm.ADD || add.PC != 4 || add.Depth != 1 || add.Address != addr {
		t.Errorf("tx trace frame (%s, %d, %d, %s) does not match the step", add.Op, add.PC, add.Depth, add.Address.Hex())
	}
	if add.Stack[0] != common.BigToHash(uint256.NewInt(1).ToBig()) || add.Stack[1] != common.BigToHash(uint256.NewInt(2).ToBig()) {
		t.Errorf("tx trace frame Stack (%v) does not match the step", add.Stack)
	}

	if _, err := tx_trace.FromEvents(events[:3], stateRoot); err == nil {
		t.Errorf("expected an error building a tx trace without a result")
	}
	if _, err := tx_trace.FromEvents([]trace.Event{events[0], trace.NewErrorEvent(trace.ErrTxNotFoundInBlock)}, stateRoot); err == nil {
		t.Errorf("expected an error building a tx trace from a failed sequence")
	}
}

func TestTxTraceNodeAndCid(t *testing.T) {
	node, err := mockTrace.Node()
	if err != nil {
		t.Fatalf("unable to build tx trace node: %v", err)
	}
	buf := new(bytes.Buffer)
	if err := tx_trace.Encode(node, buf); err != nil {
		t.Fatalf("unable to encode tx trace node: %v", err)
	}
	enc, err := rlp.EncodeToBytes(mockTrace)
	if err != nil {
		t.Fatalf("unable to rlp encode tx trace: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), enc) {
		t.Errorf("tx trace node encoding (%x) does not match the expected rlp encoding (%x)", buf.Bytes(), enc)
	}

	c, err := mockTrace.Cid()
	if err != nil {
		t.Fatalf("unable to compute tx trace cid: %v", err)
	}
	expected, err := shared.RawToCid(tx_trace.MultiCodecType, enc)
	if err != nil {
		t.Fatalf("unable to compute expected cid: %v", err)
	}
	if !c.Equals(expected) {
		t.Errorf("tx trace cid (%s) does not match expected cid (%s)", c, expected)
	}
	if c.Prefix().MhType != multihash.KECCAK_256 {
		t.Errorf("tx trace cid multihash type (%x) does not match keccak-256", c.Prefix().MhType)
	}

	if _, err := multicodec.LookupEncoder(tx_trace.MultiCodecType); err != nil {
		t.Errorf("tx trace encoder is not registered: %v", err)
	}
	if _, err := multicodec.LookupDecoder(tx_trace.MultiCodecType); err != nil {
		t.Errorf("tx trace decoder is not registered: %v", err)
	}
}

func lookupBytes(t *testing.T, node ipld.Node, key string) []byte {
	valNode, err := node.LookupByString(key)
	if err != nil {
		t.Fatalf("tx trace node is missing %s: %v", key, err)
	}
	val, err := valNode.AsBytes()
	if err != nil {
		t.Fatalf("tx trace node %s should be of type Bytes: %v", key, err)
	}
	return val
}

func lookupUint(t *testing.T, node ipld.Node, key string) uint64 {
	val := lookupBytes(t, node, key)
	if len(val) != 8 {
		t.Fatalf("tx trace node %s should be 8 bytes long", key)
	}
	return binary.BigEndian.Uint64(val)
}
