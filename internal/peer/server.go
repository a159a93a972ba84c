// Package peer carries request_state between storage nodes over gRPC.
package peer

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/i5heu/ouroboros-svdb/internal/integrity"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type NodeReader interface {
	Node(ctx context.Context, hash common.Hash) ([]byte, bool, error)
}

type ChunkReader interface {
	GetVerified(ctx context.Context, id cid.Cid) ([]byte, bool, error)
}

// Server answers request_state from the local trie node and chunk stores.
// Only content that verifies locally is served.
type Server struct {
	UnimplementedStateSyncServer

	Nodes  NodeReader
	Chunks ChunkReader
	Log    *slog.Logger
}

func (s *Server) RequestState(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	target, err := integrity.ParseRequest(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var (
		data  []byte
		found bool
	)
	switch target.Kind {
	case integrity.KindTrieNode:
		data, found, err = s.Nodes.Node(ctx, target.Node)
		if err == nil && found {
			err = target.Verify(data)
		}
	case integrity.KindShard:
		data, found, err = s.Chunks.GetVerified(ctx, target.Shard)
	}

	switch {
	case errors.Is(err, storage.ErrIntegrityMismatch):
		s.logger().Warn("refusing to serve corrupted state", "target", target, "error", err)
		return nil, status.Error(codes.DataLoss, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	case !found:
		return nil, status.Errorf(codes.NotFound, "%s not stored", target)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}
