package cas

import (
	"fmt"
	"sync"

	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// Both coders are safe for concurrent EncodeAll/DecodeAll calls.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func checkCodec(c cid.Codec) error {
	switch c {
	case cid.Raw, cid.Zstd:
		return nil
	default:
		return fmt.Errorf("cas: codec %s: %w", c, storage.ErrUnsupportedCodec)
	}
}

func encodePayload(c cid.Codec, data []byte) ([]byte, error) {
	switch c {
	case cid.Raw:
		return data, nil
	case cid.Zstd:
		enc, _, err := zstdCoders()
		if err != nil {
			return nil, fmt.Errorf("cas: zstd: %w", err)
		}
		return enc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, checkCodec(c)
	}
}

func decodePayload(c cid.Codec, data []byte) ([]byte, error) {
	switch c {
	case cid.Raw:
		return data, nil
	case cid.Zstd:
		_, dec, err := zstdCoders()
		if err != nil {
			return nil, fmt.Errorf("cas: zstd: %w", err)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("cas: zstd decode: %v: %w", err, storage.ErrMalformedEncoding)
		}
		return out, nil
	default:
		return nil, checkCodec(c)
	}
}
