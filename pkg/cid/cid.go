// Package cid implements the content identifier of the storage engine: a
// BLAKE3-256 digest bound to the payload size and its codec.
package cid

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	ipfscid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// Codec names the transform applied to a payload before it was hashed.
type Codec uint8

const (
	Raw Codec = iota
	Zstd
	Lz4
)

func (c Codec) String() string {
	switch c {
	case Raw:
		return "raw"
	case Zstd:
		return "zstd"
	case Lz4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

func (c Codec) Valid() bool { return c <= Lz4 }

// ParseCodec accepts the names produced by Codec.String.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw":
		return Raw, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return Lz4, nil
	}
	return 0, fmt.Errorf("cid: unknown codec %q: %w", s, storage.ErrMalformedEncoding)
}

const (
	// DefaultCodecTag identifies SVDB content in the wire form.
	DefaultCodecTag uint64 = 0x0129

	HashSize    = 32
	KeySize     = HashSize + 8 + 1
	EncodedSize = 8 + HashSize + 8 + 1

	uriScheme = "svdb://"
)

// Cid addresses an immutable payload. Two Cids are equal when hash, codec
// and size agree; CodecTag is carried for the wire form only.
type Cid struct {
	CodecTag uint64
	Hash     [HashSize]byte
	Size     uint64
	Codec    Codec
}

// Sum returns the BLAKE3-256 digest used for content addressing.
func Sum(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// For derives the Cid of data under codec.
func For(data []byte, codec Codec) Cid {
	return Cid{
		CodecTag: DefaultCodecTag,
		Hash:     Sum(data),
		Size:     uint64(len(data)),
		Codec:    codec,
	}
}

func (c Cid) Equal(o Cid) bool {
	return c.Hash == o.Hash && c.Codec == o.Codec && c.Size == o.Size
}

func (c Cid) IsZero() bool {
	return c.Hash == [HashSize]byte{} && c.Size == 0
}

// Key returns the canonical identity bytes: hash || size || codec. Equal
// Cids always produce the same key.
func (c Cid) Key() []byte {
	out := make([]byte, KeySize)
	copy(out, c.Hash[:])
	binary.BigEndian.PutUint64(out[HashSize:], c.Size)
	out[KeySize-1] = byte(c.Codec)
	return out
}

// Bytes returns the stable wire form:
// codec_tag (u64 BE) || hash || size (u64 BE) || codec (u8).
func (c Cid) Bytes() []byte {
	out := make([]byte, EncodedSize)
	binary.BigEndian.PutUint64(out[0:8], c.CodecTag)
	copy(out[8:8+HashSize], c.Hash[:])
	binary.BigEndian.PutUint64(out[8+HashSize:], c.Size)
	out[EncodedSize-1] = byte(c.Codec)
	return out
}

// Parse decodes the wire form produced by Bytes.
func Parse(b []byte) (Cid, error) {
	if len(b) != EncodedSize {
		return Cid{}, fmt.Errorf("cid: encoded length %d, want %d: %w", len(b), EncodedSize, storage.ErrMalformedEncoding)
	}
	var c Cid
	c.CodecTag = binary.BigEndian.Uint64(b[0:8])
	copy(c.Hash[:], b[8:8+HashSize])
	c.Size = binary.BigEndian.Uint64(b[8+HashSize:])
	c.Codec = Codec(b[EncodedSize-1])
	if !c.Codec.Valid() {
		return Cid{}, fmt.Errorf("cid: unknown codec %d: %w", b[EncodedSize-1], storage.ErrMalformedEncoding)
	}
	return c, nil
}

// ParseKey decodes the identity bytes produced by Key.
func ParseKey(b []byte) (Cid, error) {
	if len(b) != KeySize {
		return Cid{}, fmt.Errorf("cid: key length %d, want %d: %w", len(b), KeySize, storage.ErrMalformedEncoding)
	}
	c := Cid{CodecTag: DefaultCodecTag}
	copy(c.Hash[:], b[:HashSize])
	c.Size = binary.BigEndian.Uint64(b[HashSize:])
	c.Codec = Codec(b[KeySize-1])
	if !c.Codec.Valid() {
		return Cid{}, fmt.Errorf("cid: unknown codec %d: %w", b[KeySize-1], storage.ErrMalformedEncoding)
	}
	return c, nil
}

// String renders the Cid as an svdb:// URI.
func (c Cid) String() string {
	return uriScheme + base64.RawURLEncoding.EncodeToString(c.Bytes())
}

// ParseString accepts the svdb:// URI form, the bare base64 payload, or a
// hex encoding of the wire form.
func ParseString(s string) (Cid, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, uriScheme)
	if raw, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(raw) == EncodedSize {
		return Parse(raw)
	}
	if raw, err := hex.DecodeString(s); err == nil {
		return Parse(raw)
	}
	return Cid{}, fmt.Errorf("cid: cannot decode %q: %w", s, storage.ErrMalformedEncoding)
}

// HexHash is the lowercase hex of the digest, used in logs and paths.
func (c Cid) HexHash() string {
	return hex.EncodeToString(c.Hash[:])
}

// Verify checks data against c.
func (c Cid) Verify(data []byte) error {
	if uint64(len(data)) != c.Size {
		return fmt.Errorf("cid: size %d, want %d: %w", len(data), c.Size, storage.ErrIntegrityMismatch)
	}
	sum := Sum(data)
	if !bytes.Equal(sum[:], c.Hash[:]) {
		return fmt.Errorf("cid: hash mismatch for %s: %w", c.HexHash(), storage.ErrIntegrityMismatch)
	}
	return nil
}

func (c Cid) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Cid) UnmarshalText(b []byte) error {
	parsed, err := ParseString(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ToIPFS converts c into a CIDv1 with the raw multicodec and a BLAKE3
// multihash. Size and codec are not representable and are dropped.
func (c Cid) ToIPFS() (ipfscid.Cid, error) {
	mh, err := multihash.Encode(c.Hash[:], multihash.BLAKE3)
	if err != nil {
		return ipfscid.Undef, fmt.Errorf("cid: encode multihash: %w", err)
	}
	return ipfscid.NewCidV1(ipfscid.Raw, mh), nil
}

// FromIPFS is the inverse of ToIPFS given the size and codec the IPFS form
// cannot carry.
func FromIPFS(ic ipfscid.Cid, size uint64, codec Codec) (Cid, error) {
	dec, err := multihash.Decode(ic.Hash())
	if err != nil {
		return Cid{}, fmt.Errorf("cid: decode multihash: %w", storage.ErrMalformedEncoding)
	}
	if dec.Code != multihash.BLAKE3 || len(dec.Digest) != HashSize {
		return Cid{}, fmt.Errorf("cid: multihash code 0x%x length %d: %w", dec.Code, len(dec.Digest), storage.ErrMalformedEncoding)
	}
	out := Cid{CodecTag: DefaultCodecTag, Size: size, Codec: codec}
	copy(out.Hash[:], dec.Digest)
	return out, nil
}
