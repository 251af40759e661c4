package replay

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/vulcanize/go-vmtrace/block"
	"github.com/vulcanize/go-vmtrace/trace"
)

// headerCacheLimit covers the 256 ancestors reachable through BLOCKHASH
const headerCacheLimit = 256

// chainContext serves ancestor headers to the VM from the provider
type chainContext struct {
	ctx     context.Context
	backend Backend
	headers *lru.Cache
	logger  log.Logger

	// err is the first failed header read
	err error
}

var _ core.ChainContext = (*chainContext)(nil)

func newChainContext(ctx context.Context, backend Backend, logger log.Logger) *chainContext {
	headers, _ := lru.New(headerCacheLimit)
	return &chainContext{
		ctx:     ctx,
		backend: backend,
		headers: headers,
		logger:  logger,
	}
}

// Engine is never consulted since the block author is always given explicitly
func (c *chainContext) Engine() consensus.Engine {
	return nil
}

func (c *chainContext) GetHeader(hash common.Hash, number uint64) *types.Header {
	if cached, ok := c.headers.Get(hash); ok {
		return cached.(*types.Header)
	}
	if c.err != nil {
		return nil
	}
	raw, err := c.backend.GetHeaderByHash(c.ctx, hash)
	if err != nil {
		c.err = err
		return nil
	}
	header, err := block.MaterializeHeader(raw)
	if err != nil {
		c.err = err
		return nil
	}
	if header.Number.Uint64() != number {
		c.logger.Warn("Ancestor header height mismatch", "hash", hash, "want", number, "have", header.Number)
		c.err = &trace.ProviderError{
			Method: "eth_getBlockByHash",
			Err:    fmt.Errorf("header %s has height %d, expected %d", hash.Hex(), header.Number, number),
		}
		return nil
	}
	c.headers.Add(hash, header)
	return header
}
