// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitestore

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression values stored in the compression column. These are
// on-disk constants.
const (
	compressionNone = 0
	compressionZstd = 1
)

// Bodies shorter than this are stored raw; single keystrokes and short
// output chunks do not shrink.
const compressThreshold = 256

// zstd.Encoder and zstd.Decoder are safe for concurrent use through
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("sqlitestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("sqlitestore: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the stored form of body and its compression tag.
func compress(body []byte) ([]byte, int) {
	if len(body) < compressThreshold {
		return body, compressionNone
	}
	compressed := zstdEncoder.EncodeAll(body, nil)
	if len(compressed) >= len(body) {
		return body, compressionNone
	}
	return compressed, compressionZstd
}

func decompress(stored []byte, compression, size int) ([]byte, error) {
	switch compression {
	case compressionNone:
		return stored, nil
	case compressionZstd:
		result, err := zstdDecoder.DecodeAll(stored, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	}
	return nil, fmt.Errorf("unknown compression %d", compression)
}
