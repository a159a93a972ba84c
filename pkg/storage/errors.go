// Package storage holds the error taxonomy shared by every layer of the
// storage engine. Callers match with errors.Is; lower layers wrap these
// sentinels with %w and add context.
package storage

import "errors"

var (
	// ErrNotFound reports an absent manifest, object or repair source.
	ErrNotFound = errors.New("storage: not found")
	// ErrInsufficientShards reports a stripe with fewer than k usable shards.
	ErrInsufficientShards = errors.New("storage: insufficient shards")
	// ErrIntegrityMismatch reports bytes that do not match their content
	// address, or a recomputed Merkle root that differs from the recorded one.
	ErrIntegrityMismatch = errors.New("storage: integrity mismatch")
	// ErrMalformedEncoding reports an undecodable CID, proof or manifest.
	ErrMalformedEncoding = errors.New("storage: malformed encoding")
	// ErrStorageIO reports a failure of the embedded database or filesystem.
	ErrStorageIO = errors.New("storage: io error")

	ErrClosed           = errors.New("storage: closed")
	ErrUnsupportedCodec = errors.New("storage: unsupported codec")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption reports whether err means stored data can no longer be
// trusted, as opposed to being merely absent or unreachable.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrIntegrityMismatch) || errors.Is(err, ErrMalformedEncoding)
}
