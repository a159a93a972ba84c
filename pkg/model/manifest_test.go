package model

import (
	"testing"

	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(orders ...uint32) []ManifestChunkEntry {
	out := make([]ManifestChunkEntry, 0, len(orders))
	for _, o := range orders {
		out = append(out, ManifestChunkEntry{Cid: cid.For([]byte{byte(o)}, cid.Raw), Order: o})
	}
	return out
}

func TestValidateOrders(t *testing.T) {
	m := Manifest{Version: ManifestVersion, Size: 3, Chunks: entries(2, 0, 1)}
	require.NoError(t, m.Validate())

	ordered := m.Ordered()
	for i, e := range ordered {
		assert.Equal(t, uint32(i), e.Order)
	}
	assert.Equal(t, uint32(2), m.Chunks[0].Order, "Ordered must not reorder the receiver")

	gap := Manifest{Chunks: entries(0, 2)}
	require.ErrorIs(t, gap.Validate(), storage.ErrMalformedEncoding)

	dup := Manifest{Chunks: entries(0, 0)}
	require.ErrorIs(t, dup.Validate(), storage.ErrMalformedEncoding)
}

func TestValidateErasureLayout(t *testing.T) {
	m := Manifest{
		Size:                10,
		Chunks:              entries(0, 1, 2),
		ErasureDataShards:   2,
		ErasureParityShards: 1,
		StripeSizes:         []uint64{10},
	}
	require.NoError(t, m.Validate())
	assert.True(t, m.Erasure())
	assert.Equal(t, 3, m.ShardsPerStripe())

	m.StripeSizes = []uint64{10, 10}
	require.ErrorIs(t, m.Validate(), storage.ErrMalformedEncoding)

	m.StripeSizes = []uint64{10}
	m.ErasureDataShards = 0
	require.ErrorIs(t, m.Validate(), storage.ErrMalformedEncoding)
}

func TestValidateSize(t *testing.T) {
	plain := Manifest{Version: ManifestVersion, Size: 2, Chunks: entries(0, 1)}
	require.NoError(t, plain.Validate())

	plain.Size = 1 << 62
	require.ErrorIs(t, plain.Validate(), storage.ErrMalformedEncoding)

	plain.Size = 5
	require.ErrorIs(t, plain.Validate(), storage.ErrMalformedEncoding, "raw size must match the chunks")

	plain.Codec = cid.Zstd
	require.NoError(t, plain.Validate(), "compressed chunks do not fix the decoded size")

	huge := Manifest{Version: ManifestVersion, Size: MaxObjectSize + 1, Codec: cid.Zstd}
	require.ErrorIs(t, huge.Validate(), storage.ErrMalformedEncoding)

	striped := Manifest{
		Size:                7,
		Chunks:              entries(0, 1, 2, 3, 4, 5),
		ErasureDataShards:   2,
		ErasureParityShards: 1,
		StripeSizes:         []uint64{4, 3},
	}
	require.NoError(t, striped.Validate())
	striped.Size = 8
	require.ErrorIs(t, striped.Validate(), storage.ErrMalformedEncoding)

	striped.StripeSizes = []uint64{1 << 63, 1 << 63}
	require.ErrorIs(t, striped.Validate(), storage.ErrMalformedEncoding, "summed lengths must not wrap")
}

func TestManifestJSON(t *testing.T) {
	license := "CC-BY-4.0"
	m := Manifest{
		Version:    ManifestVersion,
		Size:       3,
		Chunks:     entries(0),
		License:    &license,
		Codec:      cid.Zstd,
		MerkleRoot: Hash32{1, 2, 3},
		Envelope:   &EncryptionEnvelope{Alg: "xchacha20poly1305", NonceB64: "AAAA"},
	}

	b, err := m.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"merkle_root":"010203`)

	got, err := DecodeManifest(b)
	require.NoError(t, err)
	assert.Equal(t, m.MerkleRoot, got.MerkleRoot)
	assert.True(t, m.Chunks[0].Cid.Equal(got.Chunks[0].Cid))
	require.NotNil(t, got.License)
	assert.Equal(t, license, *got.License)
	assert.Equal(t, m.Envelope, got.Envelope)

	_, err = DecodeManifest([]byte("{not json"))
	require.ErrorIs(t, err, storage.ErrMalformedEncoding)
}
