package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client implements integrity.Fetcher against one remote node.
type Client struct {
	cc     *grpc.ClientConn
	client StateSyncClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

type DialOptions struct {
	// Timeout applies to the initial dial when non-zero.
	Timeout time.Duration
	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int
	// Extra is appended to the default dial options.
	Extra []grpc.DialOption
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, opts.Extra...)

	ctx := context.Background()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cc, err := grpc.DialContext(ctx, target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", target, err)
	}
	return &Client{cc: cc, client: NewStateSyncClient(cc)}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// RequestState asks the remote node for the encoded target. The response
// is returned unverified.
func (c *Client) RequestState(ctx context.Context, request []byte) ([]byte, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	reply, err := c.client.RequestState(ctx, wrapperspb.Bytes(request))
	if err != nil {
		return nil, mapRPC(err)
	}
	return reply.GetValue(), nil
}

func mapRPC(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("peer: %s: %w", st.Message(), storage.ErrNotFound)
	case codes.DataLoss:
		return fmt.Errorf("peer: %s: %w", st.Message(), storage.ErrIntegrityMismatch)
	case codes.InvalidArgument:
		return fmt.Errorf("peer: %s: %w", st.Message(), storage.ErrMalformedEncoding)
	}
	return fmt.Errorf("peer: %w", err)
}
