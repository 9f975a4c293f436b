package coreapi

import (
	"github.com/ugorji/go/codec"
	"google.golang.org/grpc/encoding"
)

// codecName is the content subtype Execute calls negotiate.
const codecName = "msgpack"

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec adapts ugorji msgpack to the gRPC codec registry. Only
// Execute calls opt in per call; the health check stays on protobuf.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

func (msgpackCodec) Name() string {
	return codecName
}
