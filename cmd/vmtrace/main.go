// vmtrace replays Ethereum transactions against a JSON-RPC provider and prints the
// VM state before every instruction.
package main

import (
	"bufio"
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	vmtrace "github.com/vulcanize/go-vmtrace"
	"github.com/vulcanize/go-vmtrace/query"
	"github.com/vulcanize/go-vmtrace/replay"
	"github.com/vulcanize/go-vmtrace/trace"
)

var (
	rpcFlag = &cli.StringFlag{
		Name:    "rpc",
		Usage:   "JSON-RPC endpoint of the provider (http, ws or ipc)",
		Value:   "http://localhost:8545",
		EnvVars: []string{"VMTRACE_RPC"},
	}
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	forkFlag = &cli.StringFlag{
		Name:  "fork",
		Usage: fmt.Sprintf("protocol rules, one of %v", replay.Forks()),
		Value: replay.MainnetRules,
	}
	chainIDFlag = &cli.Uint64Flag{
		Name:  "chainid",
		Usage: "chain id for replay protection (0 asks the provider)",
	}
	bufferFlag = &cli.IntFlag{
		Name:  "buffer",
		Usage: "number of events traced ahead of the output",
		Value: vmtrace.DefaultConfig.BufferSize,
	}
	pendingRetriesFlag = &cli.IntFlag{
		Name:  "pending-retries",
		Usage: "pending block refetches before a pending transaction is reported missing",
	}
	archiveFlag = &cli.BoolFlag{
		Name:  "archive",
		Usage: "print the DAG-JSON trace node and its CID instead of JSON lines",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: int(log.LvlWarn),
	}

	app = &cli.App{
		Name:      filepath.Base(os.Args[0]),
		Usage:     "instruction level traces of Ethereum transactions",
		ArgsUsage: "<txhash> [<txhash>...]",
		Writer:    os.Stdout,
	}
)

func init() {
	app.Flags = []cli.Flag{
		rpcFlag,
		configFileFlag,
		forkFlag,
		chainIDFlag,
		bufferFlag,
		pendingRetriesFlag,
		archiveFlag,
		verbosityFlag,
	}
	app.Before = func(ctx *cli.Context) error {
		glogger := log.NewGlogHandler(log.StreamHandler(os.Stderr, log.TerminalFormat(false)))
		glogger.Verbosity(log.Lvl(ctx.Int(verbosityFlag.Name)))
		log.Root().SetHandler(glogger)
		return nil
	}
	app.Action = traceTxs
	app.Commands = []*cli.Command{
		{
			Name:   "dumpconfig",
			Usage:  "Show configuration values",
			Action: dumpConfig,
		},
	}
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func traceTxs(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("at least one transaction hash is required")
	}
	hashes := make([]common.Hash, ctx.NArg())
	for i, arg := range ctx.Args().Slice() {
		enc, err := hexutil.Decode(arg)
		if err != nil || len(enc) != common.HashLength {
			return fmt.Errorf("invalid transaction hash %q", arg)
		}
		hashes[i] = common.BytesToHash(enc)
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	if _, err := cfg.Trace.Rules.ChainConfig(new(big.Int)); err != nil {
		return err
	}

	sigctx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := query.Dial(sigctx, cfg.RPC)
	if err != nil {
		return err
	}
	defer client.Close()
	log.Debug("Connected to provider", "url", cfg.RPC)

	out := &output{w: bufio.NewWriter(ctx.App.Writer)}
	archive := ctx.Bool(archiveFlag.Name)

	// A failed trace is printed and reported at the end; only output failures stop the others.
	g, gctx := errgroup.WithContext(sigctx)
	traceErrs := make([]error, len(hashes))
	for i, hash := range hashes {
		i, hash := i, hash
		g.Go(func() error {
			var err error
			if archive {
				var chunk []byte
				chunk, traceErrs[i] = archiveTx(gctx, client, hash, &cfg.Trace)
				err = out.write(chunk)
			} else {
				traceErrs[i], err = streamTx(gctx, client, hash, &cfg.Trace, out)
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, err := range traceErrs {
		if err != nil {
			return fmt.Errorf("trace of %s failed: %w", hashes[i].Hex(), err)
		}
	}
	return nil
}

// output serializes lines and whole traces written by concurrent tracers
type output struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (o *output) write(chunk []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, err := o.w.Write(chunk); err != nil {
		return err
	}
	return o.w.Flush()
}

// streamTx writes every event of the trace as one JSON line as soon as it arrives.
// traceErr is the trace failure, whose error event is part of the output; err is a
// failure to render or write a line, which abandons the trace.
func streamTx(ctx context.Context, backend vmtrace.Backend, hash common.Hash, cfg *vmtrace.Config, out *output) (traceErr, err error) {
	ctx, cancel := context.WithCancel(ctx)
	events := vmtrace.Stream(ctx, backend, hash, cfg)
	defer func() {
		cancel()
		for range events {
		}
	}()
	for ev := range events {
		line, err := renderEvent(hash, ev)
		if err != nil {
			return nil, err
		}
		if err := out.write(append(line, '\n')); err != nil {
			return nil, err
		}
		if ev.Type == trace.ErrorEvent {
			traceErr = ev.Err
		}
	}
	if traceErr == nil && ctx.Err() != nil {
		traceErr = ctx.Err()
	}
	return traceErr, nil
}
