package chunker

import (
	"bytes"
	"errors"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"
)

// DefaultSize is the stripe payload size objects are cut into.
const DefaultSize = 8 * 1024 * 1024

// Chunker splits a stream of data into chunks.
type Chunker interface {
	// Next returns the next chunk of data.
	// It returns io.EOF when there are no more chunks.
	Next() ([]byte, error)
}

// NewChunker returns a fixed-size Chunker. A size <= 0 selects DefaultSize.
func NewChunker(r io.Reader, size int) Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewSizeSplitter(r, int64(size)),
	}
}

// NewRabinChunker returns a content-defined Chunker averaging avgSize.
func NewRabinChunker(r io.Reader, avgSize int) Chunker {
	if avgSize <= 0 {
		avgSize = DefaultSize
	}
	return &boxoChunkerWrapper{
		splitter: boxochunker.NewRabin(r, uint64(avgSize)),
	}
}

type boxoChunkerWrapper struct {
	splitter boxochunker.Splitter
}

func (c *boxoChunkerWrapper) Next() ([]byte, error) {
	return c.splitter.NextBytes()
}

// Split drains c into memory.
func Split(c Chunker) ([][]byte, error) {
	var out [][]byte
	for {
		chunk, err := c.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk)
	}
}

// SplitBytes cuts data into fixed-size pieces.
func SplitBytes(data []byte, size int) ([][]byte, error) {
	return Split(NewChunker(bytes.NewReader(data), size))
}
