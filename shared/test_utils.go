package shared

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RandomHash returns a random hash
func RandomHash() common.Hash {
	rand.Seed(time.Now().UnixNano())
	hash := make([]byte, 32)
	rand.Read(hash)
	return common.BytesToHash(hash)
}

// RandomAddr returns a random address
func RandomAddr() common.Address {
	rand.Seed(time.Now().UnixNano())
	addr := make([]byte, 20)
	rand.Read(addr)
	return common.BytesToAddress(addr)
}

// RandomBytes returns a random byte slice of the provided length
func RandomBytes(len int) []byte {
	rand.Seed(time.Now().UnixNano())
	by := make([]byte, len)
	rand.Read(by)
	return by
}

// RandomKey returns a fresh secp256k1 key and its address
func RandomKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("unable to generate key: %v", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// MockHeader returns a pre-merge header at the given height
func MockHeader(number uint64, parent common.Hash, baseFee *big.Int) *types.Header {
	return &types.Header{
		ParentHash:  parent,
		UncleHash:   RandomHash(),
		Coinbase:    RandomAddr(),
		Root:        RandomHash(),
		TxHash:      RandomHash(),
		ReceiptHash: RandomHash(),
		Difficulty:  big.NewInt(131072),
		Number:      new(big.Int).SetUint64(number),
		GasLimit:    30_000_000,
		GasUsed:     21_000,
		Time:        1_600_000_000 + number*12,
		Extra:       []byte("vmtrace"),
		BaseFee:     baseFee,
	}
}

// SignedLegacyTx returns an EIP-155 signed legacy transaction
func SignedLegacyTx(t *testing.T, key *ecdsa.PrivateKey, chainID *big.Int, nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte) *types.Transaction {
	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	}), types.NewEIP155Signer(chainID), key)
	if err != nil {
		t.Fatalf("unable to sign transaction: %v", err)
	}
	return tx
}

// MockBlockJSON renders a header and its transactions the way eth_getBlockByHash(hash, true) does.
// With nullMiner the miner field is reported as null, as nodes do for their pending block.
func MockBlockJSON(t *testing.T, header *types.Header, txs types.Transactions, nullMiner bool) json.RawMessage {
	fields := objectFields(t, header)
	blockHash := header.Hash()
	fields["hash"] = mustMarshal(t, blockHash)
	if nullMiner {
		fields["miner"] = json.RawMessage("null")
	}
	rpcTxs := make([]json.RawMessage, len(txs))
	for i, tx := range txs {
		rpcTxs[i] = MockTransactionJSON(t, tx, &blockHash, header.Number, uint64(i))
	}
	fields["transactions"] = mustMarshal(t, rpcTxs)
	return mustMarshal(t, fields)
}

// MockTransactionJSON renders a transaction the way eth_getTransactionByHash does.
// A nil blockHash renders a pending transaction.
func MockTransactionJSON(t *testing.T, tx *types.Transaction, blockHash *common.Hash, number *big.Int, index uint64) json.RawMessage {
	fields := objectFields(t, tx)
	if blockHash == nil {
		fields["blockHash"] = json.RawMessage("null")
		fields["blockNumber"] = json.RawMessage("null")
		fields["transactionIndex"] = json.RawMessage("null")
	} else {
		fields["blockHash"] = mustMarshal(t, blockHash)
		fields["blockNumber"] = mustMarshal(t, (*hexutil.Big)(number))
		fields["transactionIndex"] = mustMarshal(t, hexutil.Uint64(index))
	}
	return mustMarshal(t, fields)
}

func objectFields(t *testing.T, v json.Marshaler) map[string]json.RawMessage {
	enc, err := v.MarshalJSON()
	if err != nil {
		t.Fatalf("unable to marshal %T: %v", v, err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(enc, &fields); err != nil {
		t.Fatalf("unable to unmarshal %T fields: %v", v, err)
	}
	return fields
}

func mustMarshal(t *testing.T, v interface{}) json.RawMessage {
	enc, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("unable to marshal %T: %v", v, err)
	}
	return enc
}
