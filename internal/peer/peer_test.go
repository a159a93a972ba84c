package peer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/i5heu/ouroboros-svdb/internal/chunkstore"
	"github.com/i5heu/ouroboros-svdb/internal/integrity"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/internal/statedb"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

type node struct {
	kv     *keyValStore.Handle
	state  *statedb.DB
	chunks *chunkstore.Store
}

func newNode(t *testing.T) node {
	t.Helper()
	kv, err := keyValStore.Open(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return node{kv: kv, state: statedb.New(kv, statedb.Config{}), chunks: chunkstore.New(kv, nil)}
}

// serve starts a StateSync server for n and returns a client connected to
// it over an in-memory listener.
func serve(t *testing.T, n node) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterStateSyncServer(srv, &Server{Nodes: n.state, Chunks: n.chunks})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	c, err := Dial("bufnet", DialOptions{
		Timeout: 2 * time.Second,
		Extra:   []grpc.DialOption{grpc.WithContextDialer(dialer)},
	})
	require.NoError(t, err)
	c.Timeout = 2 * time.Second
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRequestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := newNode(t)
	client := serve(t, remote)

	id, err := remote.chunks.PutData(ctx, []byte("a shard somebody lost"), cid.Raw)
	require.NoError(t, err)
	got, err := client.RequestState(ctx, integrity.Shard(id).Request())
	require.NoError(t, err)
	assert.Equal(t, []byte("a shard somebody lost"), got)

	require.NoError(t, remote.state.SetAccount(ctx, common.HexToAddress("0x01"), statedb.Account{Nonce: 1, Balance: uint256.NewInt(1)}))
	root, err := remote.state.Commit(ctx)
	require.NoError(t, err)
	blob, err := client.RequestState(ctx, integrity.TrieNode(root).Request())
	require.NoError(t, err)
	require.NoError(t, integrity.TrieNode(root).Verify(blob))
}

func TestRequestStateErrors(t *testing.T) {
	ctx := context.Background()
	remote := newNode(t)
	client := serve(t, remote)

	_, err := client.RequestState(ctx, integrity.Shard(cid.For([]byte("never stored"), cid.Raw)).Request())
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = client.RequestState(ctx, []byte{0x7f})
	require.ErrorIs(t, err, storage.ErrMalformedEncoding)

	id := cid.For([]byte("original"), cid.Raw)
	require.NoError(t, remote.kv.Write(ctx, chunkstore.Key(id), []byte("tampered")))
	_, err = client.RequestState(ctx, integrity.Shard(id).Request())
	require.ErrorIs(t, err, storage.ErrIntegrityMismatch)
}

func TestIntegrityRepairOverGRPC(t *testing.T) {
	ctx := context.Background()
	local, remote := newNode(t), newNode(t)
	for _, n := range []node{local, remote} {
		for i := 0; i < 8; i++ {
			addr := common.BytesToAddress([]byte{0x10, byte(i)})
			require.NoError(t, n.state.SetAccount(ctx, addr, statedb.Account{Nonce: uint64(i), Balance: uint256.NewInt(uint64(i))}))
		}
		_, err := n.state.Commit(ctx)
		require.NoError(t, err)
	}

	items, err := local.kv.GetItemsWithPrefix(ctx, []byte("trie:"))
	require.NoError(t, err)
	require.NoError(t, local.kv.Delete(ctx, items[0].Key))

	m := integrity.New(integrity.Config{
		Source:         local.state,
		Reinserter:     integrity.Stores{Nodes: local.state, Chunks: local.chunks},
		Peers:          []integrity.Peer{{Name: "remote", Fetcher: serve(t, remote)}},
		BackoffInitial: time.Millisecond,
	})
	require.NoError(t, m.AutoRepair(ctx))

	missing, err := local.state.MissingNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)
}
