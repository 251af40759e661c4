package tx_trace

import (
	"github.com/ipld/go-ipld-prime/multicodec"
)

func init() {
	multicodec.RegisterEncoder(MultiCodecType, Encode)
	multicodec.RegisterDecoder(MultiCodecType, Decode)
}
