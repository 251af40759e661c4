package plugin

import (
	"github.com/ipfs/kubo/plugin"
	"github.com/ipld/go-ipld-prime/multicodec"

	"github.com/vulcanize/go-vmtrace/tx_trace"
)

// Plugins is exported list of plugins that will be loaded
var Plugins = []plugin.Plugin{
	&vmTracePlugin{},
}

type vmTracePlugin struct{}

var _ plugin.PluginIPLD = (*vmTracePlugin)(nil)

// Name satisfies the Plugin interface
func (*vmTracePlugin) Name() string {
	return "ipld-dag-eth-trace"
}

// Version satisfies the Plugin interface
func (*vmTracePlugin) Version() string {
	return "0.1.0"
}

// Init satisfies the Plugin interface
func (*vmTracePlugin) Init(_ *plugin.Environment) error {
	return nil
}

// Register satisfies the PluginIPLD interface
func (*vmTracePlugin) Register(reg multicodec.Registry) error {
	reg.RegisterDecoder(tx_trace.MultiCodecType, tx_trace.Decode)
	reg.RegisterEncoder(tx_trace.MultiCodecType, tx_trace.Encode)
	return nil
}
