// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to a payload. The
// values travel on the wire; changing them breaks compatibility.
type Compression uint8

const (
	// CompressionNone marks a payload sent as is.
	CompressionNone Compression = 0

	// CompressionLZ4 is LZ4 block compression, used for mid-sized
	// payloads such as a pasted function or a short catch-up delta.
	CompressionLZ4 Compression = 1

	// CompressionZstd is used for payloads of ZstdThreshold or more,
	// mainly the full history sent to a fresh replica.
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// CompressThreshold is the payload size below which Compress leaves
// data alone. Single-keystroke updates are a few dozen bytes and
// never benefit.
const CompressThreshold = 1024

// ZstdThreshold is the payload size from which Compress prefers zstd's
// ratio over LZ4's speed.
const ZstdThreshold = 16 << 10

// MaxDecompressedSize bounds the output of Decompress.
const MaxDecompressedSize = 64 << 20

// ErrTooLarge is returned when a compressed payload expands past
// MaxDecompressedSize.
var ErrTooLarge = errors.New("codec: decompressed payload exceeds limit")

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress picks an algorithm by size and returns the compressed
// payload. Data under CompressThreshold, and data that does not
// shrink, comes back unchanged with CompressionNone.
func Compress(data []byte) ([]byte, Compression) {
	switch {
	case len(data) < CompressThreshold:
		return data, CompressionNone
	case len(data) < ZstdThreshold:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		// CompressBlock reports incompressible input as 0 bytes.
		if err != nil || written == 0 || written >= len(data) {
			return data, CompressionNone
		}
		return destination[:written], CompressionLZ4
	default:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return data, CompressionNone
		}
		return compressed, CompressionZstd
	}
}

// Decompress reverses Compress. size is the original length, which
// LZ4 blocks do not record; it is verified for every algorithm.
func Decompress(data []byte, algorithm Compression, size int) ([]byte, error) {
	if size < 0 || size > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	var output []byte
	switch algorithm {
	case CompressionNone:
		output = data
	case CompressionLZ4:
		output = make([]byte, size)
		read, err := lz4.UncompressBlock(data, output)
		if err != nil {
			return nil, fmt.Errorf("codec: lz4 decode: %w", err)
		}
		output = output[:read]
	case CompressionZstd:
		var err error
		output, err = zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
				return nil, ErrTooLarge
			}
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
	default:
		return nil, fmt.Errorf("codec: unsupported compression %s", algorithm)
	}
	if len(output) != size {
		return nil, fmt.Errorf("codec: %s payload is %d bytes, expected %d", algorithm, len(output), size)
	}
	return output, nil
}
