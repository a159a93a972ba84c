// Package erasure implements systematic Reed-Solomon coding over GF(2^8).
// The first k shards of an encoded set are the padded input verbatim; the
// remaining m shards are parity.
package erasure

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	rs "github.com/klauspost/reedsolomon"
)

var (
	ErrShardSizeMismatch = errors.New("erasure: shard size mismatch")
	ErrInvalidParams     = errors.New("erasure: invalid parameters")
)

// Params is the (k, m) pair of one encoding.
type Params struct {
	Data   int
	Parity int
}

var DefaultParams = Params{Data: 8, Parity: 2}

// ParamsFromTotal maps the "RS(total, data)" notation onto Params.
func ParamsFromTotal(total, data int) (Params, error) {
	p := Params{Data: data, Parity: total - data}
	return p, p.Validate()
}

// ParseParams parses "total,data", for example "10,8".
func ParseParams(s string) (Params, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return Params{}, fmt.Errorf("%w: %q, want total,data", ErrInvalidParams, s)
	}
	total, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Params{}, fmt.Errorf("%w: total: %v", ErrInvalidParams, err)
	}
	data, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Params{}, fmt.Errorf("%w: data: %v", ErrInvalidParams, err)
	}
	return ParamsFromTotal(total, data)
}

func (p Params) Total() int { return p.Data + p.Parity }

func (p Params) String() string {
	return fmt.Sprintf("%d,%d", p.Total(), p.Data)
}

func (p Params) Validate() error {
	if p.Data < 1 || p.Parity < 1 {
		return fmt.Errorf("%w: k=%d m=%d", ErrInvalidParams, p.Data, p.Parity)
	}
	if p.Total() > 256 {
		return fmt.Errorf("%w: k+m=%d exceeds 256", ErrInvalidParams, p.Total())
	}
	return nil
}

var encoders sync.Map // Params -> rs.Encoder

func encoderFor(p Params) (rs.Encoder, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if enc, ok := encoders.Load(p); ok {
		return enc.(rs.Encoder), nil
	}
	enc, err := rs.New(p.Data, p.Parity)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	actual, _ := encoders.LoadOrStore(p, enc)
	return actual.(rs.Encoder), nil
}

// Encode splits data into p.Data equally sized shards, zero padding the
// last one, and appends p.Parity parity shards. data is not retained.
func Encode(data []byte, p Params) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("erasure: cannot encode empty data")
	}
	enc, err := encoderFor(p)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	shards, err := enc.Split(buf)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode shards: %w", err)
	}
	return shards, nil
}

// EncodeShards computes the parity of a set whose first p.Data shards are
// filled in place. Parity entries may be nil.
func EncodeShards(shards [][]byte, p Params) error {
	enc, err := encoderFor(p)
	if err != nil {
		return err
	}
	if len(shards) != p.Total() {
		return fmt.Errorf("%w: %d shards for %s", ErrInvalidParams, len(shards), p)
	}
	size := len(shards[0])
	for i := p.Data; i < p.Total(); i++ {
		if len(shards[i]) != size {
			shards[i] = make([]byte, size)
		}
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("erasure: encode shards: %w", err)
	}
	return nil
}

// Present counts the non-empty shards of a set.
func Present(shards [][]byte) int {
	n := 0
	for _, s := range shards {
		if len(s) > 0 {
			n++
		}
	}
	return n
}

// Reconstruct returns a complete copy of shards with every missing entry
// (nil or empty) rebuilt. The input slice is not modified. At most
// p.Parity shards may be missing and present shards must share one length.
func Reconstruct(shards [][]byte, p Params) ([][]byte, error) {
	enc, err := encoderFor(p)
	if err != nil {
		return nil, err
	}
	if len(shards) != p.Total() {
		return nil, fmt.Errorf("%w: %d shards for %s", ErrInvalidParams, len(shards), p)
	}

	size := -1
	for i, s := range shards {
		if len(s) == 0 {
			continue
		}
		if size == -1 {
			size = len(s)
		} else if len(s) != size {
			return nil, fmt.Errorf("%w: shard %d has %d bytes, want %d", ErrShardSizeMismatch, i, len(s), size)
		}
	}
	if have := Present(shards); have < p.Data {
		return nil, fmt.Errorf("erasure: %d of %d shards present, need %d: %w", have, p.Total(), p.Data, storage.ErrInsufficientShards)
	}

	out := make([][]byte, len(shards))
	for i, s := range shards {
		if len(s) > 0 {
			out[i] = s
		}
	}
	if err := enc.Reconstruct(out); err != nil {
		if errors.Is(err, rs.ErrTooFewShards) {
			return nil, fmt.Errorf("erasure: reconstruct: %v: %w", err, storage.ErrInsufficientShards)
		}
		if errors.Is(err, rs.ErrShardSize) {
			return nil, fmt.Errorf("%w: %v", ErrShardSizeMismatch, err)
		}
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}

	ok, err := enc.Verify(out)
	if err != nil {
		return nil, fmt.Errorf("erasure: verify: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("erasure: parity does not match data: %w", storage.ErrIntegrityMismatch)
	}
	return out, nil
}

// Join concatenates the data shards of a complete set and trims padding.
func Join(shards [][]byte, p Params, size int) ([]byte, error) {
	enc, err := encoderFor(p)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	out.Grow(size)
	// reedsolomon.Join requires the exact payload size.
	if err := enc.Join(&out, shards, size); err != nil {
		return nil, fmt.Errorf("erasure: join: %w", err)
	}
	return out.Bytes(), nil
}
