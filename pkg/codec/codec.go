// Package codec compresses fragment payloads before they are written to
// blob storage. Exactly one codec is supported; its name is stamped into
// blob metadata so readers can fail closed on anything else.
package codec

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Name is the metadata tag written alongside every compressed blob.
const Name = "zstd"

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return encoder
		},
	}

	decoderPool = sync.Pool{
		New: func() interface{} {
			decoder, _ := zstd.NewReader(nil)
			return decoder
		},
	}
)

// Compress returns the zstd encoding of data.
func Compress(data []byte) ([]byte, error) {
	encoder, ok := encoderPool.Get().(*zstd.Encoder)
	if !ok || encoder == nil {
		var err error
		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
	}
	defer encoderPool.Put(encoder)

	buf := new(bytes.Buffer)
	buf.Grow(len(data) / 2)
	encoder.Reset(buf)

	if _, err := encoder.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush compressed payload: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	decoder, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok || decoder == nil {
		var err error
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
	}
	defer decoderPool.Put(decoder)

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}
