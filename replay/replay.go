// Package replay reconstructs the state a transaction executed against: it resolves the
// containing block, locates the transaction in it, and re-applies every transaction ordered
// before it on top of the state of the parent block.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/vulcanize/go-vmtrace/block"
	"github.com/vulcanize/go-vmtrace/query"
	"github.com/vulcanize/go-vmtrace/state"
	"github.com/vulcanize/go-vmtrace/trace"
)

// ErrGenesis is returned for transactions of the genesis block, which has no pre-state
var ErrGenesis = errors.New("genesis block has no parent state")

// Backend is the chain data the replay engine reads
type Backend interface {
	GetBlockByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error)
	GetBlockByNumber(ctx context.Context, tag string) (json.RawMessage, error)
	GetHeaderByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error)
	ChainID(ctx context.Context) (*big.Int, error)
	state.Reader
}

// Option configures an Engine
type Option func(*Engine)

// WithPendingRetries refetches the pending block up to n more times when it does not
// contain the target transaction yet
func WithPendingRetries(n int) Option {
	return func(e *Engine) {
		e.pendingRetries = n
	}
}

// Engine prepares execution contexts for trace requests. It holds no per-request state
// and may serve concurrent requests.
type Engine struct {
	backend        Backend
	rules          Rules
	pendingRetries int
}

// New returns an Engine reading from backend and executing with the given rules
func New(backend Backend, rules Rules, opts ...Option) *Engine {
	e := &Engine{backend: backend, rules: rules}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Context is everything needed to execute the target transaction of one trace request.
// It is owned by a single request.
type Context struct {
	Block  *block.Block
	Target *types.Transaction
	// Index is the position of Target in the block
	Index int
	// Preparatory are the transactions ordered before Target
	Preparatory types.Transactions
	// BackingNumber is the height remote state is read at, one below the block
	BackingNumber uint64

	ChainConfig *params.ChainConfig
	Signer      types.Signer
	State       *state.RemoteState

	blockCtx vm.BlockContext
	chain    *chainContext
	logger   log.Logger
}

// Prepare resolves the block of tx, locates tx in it and sets up the execution
// context on top of the parent block's state
func (e *Engine) Prepare(ctx context.Context, tx *trace.Transaction) (*Context, error) {
	logger := log.New("tx", tx.Hash)
	blk, index, err := e.locate(ctx, tx, logger)
	if err != nil {
		return nil, err
	}
	if blk.Number() == 0 {
		return nil, ErrGenesis
	}
	chainID, err := e.chainID(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := e.rules.ChainConfig(chainID)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(cfg, blk.Header); err != nil {
		return nil, err
	}
	backing := blk.Number() - 1
	chain := newChainContext(ctx, e.backend, logger)
	rc := &Context{
		Block:         blk,
		Target:        blk.Transactions[index],
		Index:         index,
		Preparatory:   blk.Transactions[:index],
		BackingNumber: backing,
		ChainConfig:   cfg,
		Signer:        types.LatestSignerForChainID(chainID),
		State:         state.New(ctx, e.backend, backing),
		blockCtx:      core.NewEVMBlockContext(blk.Header, chain, &blk.Miner),
		chain:         chain,
		logger:        logger,
	}
	logger.Debug("Prepared execution context", "number", blk.Number(), "index", index, "backing", backing)
	return rc, nil
}

func (e *Engine) locate(ctx context.Context, tx *trace.Transaction, logger log.Logger) (*block.Block, int, error) {
	for attempt := 0; ; attempt++ {
		blk, err := e.fetchBlock(ctx, tx)
		if err != nil {
			return nil, 0, err
		}
		if index := blk.IndexOf(tx.Hash); index >= 0 {
			return blk, index, nil
		}
		if !tx.IsPending() || attempt >= e.pendingRetries {
			return nil, 0, fmt.Errorf("%w: %s in block %d with transactions %v", trace.ErrTxNotFoundInBlock, tx.Hash.Hex(), blk.Number(), blk.Hashes())
		}
		logger.Warn("Transaction missing from pending block, refetching", "attempt", attempt+1, "number", blk.Number())
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
	}
}

func (e *Engine) fetchBlock(ctx context.Context, tx *trace.Transaction) (*block.Block, error) {
	var (
		raw json.RawMessage
		err error
	)
	if tx.IsPending() {
		raw, err = e.backend.GetBlockByNumber(ctx, query.PendingTag)
	} else {
		raw, err = e.backend.GetBlockByHash(ctx, *tx.BlockHash)
	}
	if err != nil {
		return nil, err
	}
	return block.Materialize(raw)
}

func (e *Engine) chainID(ctx context.Context) (*big.Int, error) {
	if e.rules.ChainID != 0 {
		return new(big.Int).SetUint64(e.rules.ChainID), nil
	}
	return e.backend.ChainID(ctx)
}

// ApplyPreparatory applies the transactions ordered before the target, in block
// order, without emitting any step observations
func (rc *Context) ApplyPreparatory(ctx context.Context) error {
	for i, tx := range rc.Preparatory {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := rc.Apply(ctx, tx, i, nil)
		if err != nil {
			return rc.wrapFault(trace.PhaseReplay, tx.Hash(), err)
		}
		rc.logger.Trace("Replayed preparatory transaction", "index", i, "hash", tx.Hash(), "gas", res.UsedGas, "failed", res.Failed())
	}
	return nil
}

// Apply executes tx at position index of the block on top of the current state. Nonce
// and balance preconditions are not enforced: the sender is credited whatever it lacks
// to cover the transaction. An in-protocol failure is reported through the result, any
// returned error is a fault that leaves the state unusable.
func (rc *Context) Apply(ctx context.Context, tx *types.Transaction, index int, tracer vm.EVMLogger) (*core.ExecutionResult, error) {
	header := rc.Block.Header
	msg, err := core.TransactionToMessage(tx, rc.Signer, header.BaseFee)
	if err != nil {
		return nil, err
	}
	msg.SkipAccountChecks = true
	rc.State.EnsureBalance(msg.From, upfrontCost(msg))
	rc.State.SetTxContext(tx.Hash(), index)

	evm := vm.NewEVM(rc.blockCtx, core.NewEVMTxContext(msg), rc.State, rc.ChainConfig, vm.Config{Tracer: tracer})
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			evm.Cancel()
		case <-done:
		}
	}()

	res, err := core.ApplyMessage(evm, msg, new(core.GasPool).AddGas(msg.GasLimit))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if stateErr := rc.State.Error(); stateErr != nil {
		return nil, stateErr
	}
	if rc.chain.err != nil {
		return nil, rc.chain.err
	}
	if err != nil {
		return nil, err
	}
	rc.State.Finalise(rc.ChainConfig.IsEIP158(header.Number))
	return res, nil
}

// wrapFault classifies an execution failure. Remote read failures and cancellation keep
// their own identity, everything else is a VM fault.
func (rc *Context) wrapFault(phase trace.Phase, hash common.Hash, err error) error {
	var provErr *trace.ProviderError
	var matErr *trace.MaterializationError
	if errors.As(err, &provErr) || errors.As(err, &matErr) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &trace.VMError{Phase: phase, TxHash: hash, Err: err}
}

// WrapFault classifies a failure of the target transaction
func (rc *Context) WrapFault(err error) error {
	return rc.wrapFault(trace.PhaseTarget, rc.Target.Hash(), err)
}

// upfrontCost is the balance the state transition requires the sender to hold
func upfrontCost(msg *core.Message) *big.Int {
	price := msg.GasPrice
	if msg.GasFeeCap != nil && msg.GasFeeCap.Cmp(price) > 0 {
		price = msg.GasFeeCap
	}
	cost := new(big.Int).Mul(price, new(big.Int).SetUint64(msg.GasLimit))
	return cost.Add(cost, msg.Value)
}
