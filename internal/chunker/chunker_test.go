package chunker

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitBytes(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 105)

	chunks, err := SplitBytes(data, 100)
	require.NoError(t, err)
	require.Len(t, chunks, 11)
	for _, c := range chunks[:10] {
		assert.Len(t, c, 100)
	}
	assert.Len(t, chunks[10], 50)
	assert.Equal(t, data, bytes.Join(chunks, nil))

	empty, err := SplitBytes(nil, 100)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRabinChunkerReassembles(t *testing.T) {
	data := bytes.Repeat([]byte("content defined chunking "), 20000)
	chunks, err := Split(NewRabinChunker(bytes.NewReader(data), 64*1024))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, data, bytes.Join(chunks, nil))
}
