package kvstore

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4"
	"github.com/ugorji/go/codec"
)

// Row envelope: one flag byte plus the uncompressed length, then the
// msgpack payload (LZ4 block-compressed when the flag is set).
const (
	rowFlagCompressed = 0x01
	rowHeaderSize     = 1 + 4
	minCompressSize   = 128 // tiny rows never win from compression
)

var msgpackHandle = func() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	return h
}()

// encodeRow serializes v to msgpack inside the row envelope.
func encodeRow(v any, compress bool) ([]byte, error) {
	var raw []byte
	enc := codec.NewEncoderBytes(&raw, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}

	out := make([]byte, rowHeaderSize, rowHeaderSize+len(raw))
	binary.BigEndian.PutUint32(out[1:], uint32(len(raw)))

	if compress && len(raw) >= minCompressSize {
		buf := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// n == 0 means incompressible; keep the plain payload then.
		if n > 0 && n < len(raw) {
			out[0] |= rowFlagCompressed
			return append(out, buf[:n]...), nil
		}
	}
	return append(out, raw...), nil
}

// decodeRow deserializes a row envelope into v.
func decodeRow(data []byte, v any) error {
	if len(data) < rowHeaderSize {
		return fmt.Errorf("row too short: %d bytes", len(data))
	}
	flags := data[0]
	rawLen := binary.BigEndian.Uint32(data[1:rowHeaderSize])
	payload := data[rowHeaderSize:]

	if flags&rowFlagCompressed != 0 {
		raw := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return fmt.Errorf("lz4 decompress: %w", err)
		}
		if uint32(n) != rawLen {
			return fmt.Errorf("lz4 decompress: got %d bytes, want %d", n, rawLen)
		}
		payload = raw[:n]
	}

	dec := codec.NewDecoderBytes(payload, msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}
