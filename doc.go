/*
Package vmtrace reconstructs the instruction-level execution trace of a single mined or
pending Ethereum transaction from a plain JSON-RPC provider.

The containing block is fetched and decoded, every transaction ordered before the target is
re-applied on top of the state of the parent block, and the target is then executed with a
step observer attached. The outcome is delivered as a sequence of trace.Event values:

	tx, step*, results    on success
	tx?, step*, error     on failure

Use Stream to consume events as they are produced, or Summarize to collect them.

Import the tx_trace package to encode a completed trace as a DAG-ETH TxTrace IPLD, and the
plugin package to register that codec with an IPFS node.
*/
package vmtrace
