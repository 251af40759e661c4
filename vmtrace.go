package vmtrace

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/vulcanize/go-vmtrace/executor"
	"github.com/vulcanize/go-vmtrace/replay"
	"github.com/vulcanize/go-vmtrace/trace"
)

// errIncomplete is returned by Summarize when the stream closed without a terminal event
var errIncomplete = errors.New("trace stream ended without a result")

// Backend is the chain data provider traces are reconstructed from
type Backend interface {
	GetTransaction(ctx context.Context, hash common.Hash) (*trace.Transaction, error)
	replay.Backend
}

// Config configures a trace request
type Config struct {
	Rules replay.Rules
	// BufferSize is the number of events produced ahead of the consumer
	BufferSize int `toml:",omitempty"`
	// PendingRetries is the number of pending block refetches before a pending
	// transaction missing from it is reported
	PendingRetries int `toml:",omitempty"`
}

// DefaultConfig follows the mainnet upgrade schedule and reports a pending transaction
// missing from the pending block at once
var DefaultConfig = Config{
	Rules:      replay.Rules{Fork: replay.MainnetRules},
	BufferSize: 64,
}

type pipeline struct {
	ctx     context.Context
	backend Backend
	hash    common.Hash
	engine  *replay.Engine
	events  chan trace.Event
	logger  log.Logger
}

// Stream starts tracing the transaction with the given hash and returns at once. Events
// are delivered in order on the returned channel, which is closed after the results or
// error event. The producer blocks while cfg.BufferSize events are waiting, so the
// consumer must drain the channel or cancel ctx. A nil cfg uses DefaultConfig.
func Stream(ctx context.Context, backend Backend, hash common.Hash, cfg *Config) <-chan trace.Event {
	if cfg == nil {
		cfg = &DefaultConfig
	}
	size := cfg.BufferSize
	if size < 0 {
		size = 0
	}
	p := &pipeline{
		ctx:     ctx,
		backend: backend,
		hash:    hash,
		engine:  replay.New(backend, cfg.Rules, replay.WithPendingRetries(cfg.PendingRetries)),
		events:  make(chan trace.Event, size),
		logger:  log.New("tx", hash),
	}
	go p.run()
	return p.events
}

// Summarize collects the events of a trace. On failure it returns the events delivered
// before the error event together with the error.
func Summarize(ctx context.Context, backend Backend, hash common.Hash, cfg *Config) ([]trace.Event, error) {
	var events []trace.Event
	for ev := range Stream(ctx, backend, hash, cfg) {
		switch ev.Type {
		case trace.ErrorEvent:
			return events, ev.Err
		case trace.ResultEvent:
			return append(events, ev), nil
		}
		events = append(events, ev)
	}
	if err := ctx.Err(); err != nil {
		return events, err
	}
	return events, errIncomplete
}

func (p *pipeline) run() {
	defer close(p.events)
	res, err := p.execute()
	if err != nil {
		p.logger.Debug("Trace failed", "err", err)
		p.terminate(trace.NewErrorEvent(err))
		return
	}
	p.logger.Debug("Trace complete", "gas", res.GasUsed, "failed", res.Failed)
	p.terminate(trace.NewResultEvent(res))
}

func (p *pipeline) execute() (*trace.Result, error) {
	tx, err := p.backend.GetTransaction(p.ctx, p.hash)
	if err != nil {
		return nil, err
	}
	if err := p.send(trace.NewTransactionEvent(tx)); err != nil {
		return nil, err
	}
	rc, err := p.prepareVM(tx)
	if err != nil {
		return nil, err
	}
	if err := p.runPreparatoryTxs(rc); err != nil {
		return nil, err
	}
	return p.runTargetTx(rc)
}

func (p *pipeline) prepareVM(tx *trace.Transaction) (*replay.Context, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	p.logger.Debug("Preparing VM", "pending", tx.IsPending())
	return p.engine.Prepare(p.ctx, tx)
}

func (p *pipeline) runPreparatoryTxs(rc *replay.Context) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	p.logger.Debug("Replaying preparatory transactions", "number", rc.Block.Number(), "count", len(rc.Preparatory))
	return rc.ApplyPreparatory(p.ctx)
}

func (p *pipeline) runTargetTx(rc *replay.Context) (*trace.Result, error) {
	if err := p.ctx.Err(); err != nil {
		return nil, err
	}
	p.logger.Debug("Executing target transaction", "index", rc.Index)
	return executor.Run(p.ctx, rc, p.send)
}

// send blocks until the consumer takes ev or ctx is cancelled
func (p *pipeline) send(ev trace.Event) error {
	select {
	case p.events <- ev:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// terminate delivers the last event. After cancellation it is only delivered if
// there is room for it.
func (p *pipeline) terminate(ev trace.Event) {
	if p.send(ev) == nil {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("Dropped terminal event", "type", ev.Type)
	}
}
