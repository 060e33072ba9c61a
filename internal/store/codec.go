package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Stored values carry a one-byte header so a store can be reopened with
// compression toggled without misreading existing rows.
const (
	codecRaw  byte = 0
	codecZstd byte = 1
)

type codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func newCodec(compress bool) (*codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c := &codec{compress: compress, dec: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

func (c *codec) encode(value []byte) []byte {
	if !c.compress {
		out := make([]byte, 0, len(value)+1)
		out = append(out, codecRaw)
		return append(out, value...)
	}
	return c.enc.EncodeAll(value, []byte{codecZstd})
}

func (c *codec) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, ErrCorruptValue
	}
	switch stored[0] {
	case codecRaw:
		return append([]byte(nil), stored[1:]...), nil
	case codecZstd:
		out, err := c.dec.DecodeAll(stored[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptValue, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorruptValue, stored[0])
	}
}

func (c *codec) close() {
	if c.enc != nil {
		c.enc.Close()
	}
	c.dec.Close()
}
