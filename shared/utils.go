package shared

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// RawToCid takes the desired codec and a slice of bytes
// and returns the proper cid of the object.
func RawToCid(codec uint64, rawdata []byte) (cid.Cid, error) {
	c, err := cid.Prefix{
		Codec:    codec,
		Version:  1,
		MhType:   multihash.KECCAK_256,
		MhLength: -1,
	}.Sum(rawdata)
	if err != nil {
		return cid.Cid{}, err
	}
	return c, nil
}

// Keccak256ToCid takes a keccak256 hash and returns its cid based on the codec given.
func Keccak256ToCid(codec uint64, h []byte) cid.Cid {
	buf, err := multihash.Encode(h, multihash.KECCAK_256)
	if err != nil {
		panic(err)
	}

	return cid.NewCidV1(codec, multihash.Multihash(buf))
}

// WriteableByteSlice appends everything written to it onto a caller owned slice
type WriteableByteSlice struct {
	enc *[]byte
}

func NewWriteableByteSlice(enc *[]byte) WriteableByteSlice {
	return WriteableByteSlice{enc: enc}
}

func (w WriteableByteSlice) Write(b []byte) (int, error) {
	*w.enc = append(*w.enc, b...)
	return len(b), nil
}
