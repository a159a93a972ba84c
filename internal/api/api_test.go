package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/i5heu/ouroboros-svdb/internal/chunkstore"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/integrity"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/internal/manifest"
	"github.com/i5heu/ouroboros-svdb/internal/metrics"
	"github.com/i5heu/ouroboros-svdb/internal/statedb"
	"github.com/i5heu/ouroboros-svdb/pkg/cas"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/i5heu/ouroboros-svdb/pkg/merkle"
	"github.com/i5heu/ouroboros-svdb/pkg/storage"
	workerpool "github.com/i5heu/ouroboros-svdb/pkg/workerPool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv    *httptest.Server
	chunks *chunkstore.Store
	state  *integrity.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kv, err := keyValStore.Open(keyValStore.StoreConfig{InMemory: true})
	require.NoError(t, err)
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 2})
	t.Cleanup(func() {
		pool.Close()
		_ = kv.Close()
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	chunks := chunkstore.New(kv, nil)
	sdb := statedb.New(kv, statedb.Config{})
	im := integrity.New(integrity.Config{
		Source:     sdb,
		Reinserter: integrity.Stores{Nodes: sdb, Chunks: chunks},
		Metrics:    m,
	})
	objects := cas.New(cas.Config{
		Chunks:        chunks,
		Manifests:     manifest.New(kv, nil),
		Erasure:       erasure.NewEngine(pool),
		Reporter:      im,
		Metrics:       m,
		DefaultParams: erasure.Params{Data: 4, Parity: 2},
		ChunkSize:     256,
	})

	srv := httptest.NewServer(New(Config{Objects: objects, State: im, Gatherer: reg}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, chunks: chunks, state: im}
}

func (f *fixture) upload(t *testing.T, body []byte, erasureHeader string) storeResponse {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/objects", bytes.NewReader(body))
	require.NoError(t, err)
	if erasureHeader != "" {
		req.Header.Set(HeaderErasure, erasureHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out storeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// pathOf renders id in its hex wire form, which is safe inside a URL path.
func pathOf(id cid.Cid) string {
	return hex.EncodeToString(id.Bytes())
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	return e.Code
}

func TestUploadAndDownload(t *testing.T) {
	f := newFixture(t)
	data := bytes.Repeat([]byte("0123456789"), 100)

	stored := f.upload(t, data, "10,8")
	assert.Equal(t, uint8(8), stored.Manifest.ErasureDataShards)
	assert.Equal(t, uint8(2), stored.Manifest.ErasureParityShards)

	status, body := get(t, f.srv.URL+"/objects/"+pathOf(stored.Cid))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, data, body)

	status, body = get(t, f.srv.URL+"/manifests/"+pathOf(stored.Cid))
	require.Equal(t, http.StatusOK, status)
	var m struct {
		Size uint64 `json:"size"`
	}
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, uint64(len(data)), m.Size)
}

func TestErrorTranslation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	status, body := get(t, f.srv.URL+"/objects/not-a-cid")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "malformed", errorCode(t, body))

	status, body = get(t, f.srv.URL+"/objects/"+pathOf(cid.For([]byte("absent"), cid.Raw)))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", errorCode(t, body))

	stored := f.upload(t, bytes.Repeat([]byte{1}, 600), "")
	entries := stored.Manifest.Ordered()
	for _, e := range entries[:3] {
		require.NoError(t, f.chunks.Delete(ctx, e.Cid))
	}
	status, body = get(t, f.srv.URL+"/objects/"+pathOf(stored.Cid))
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "insufficient_shards", errorCode(t, body))
	assert.Len(t, f.state.Pending(), 3, "lost shards are queued for peer repair")

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/objects", strings.NewReader("x"))
	require.NoError(t, err)
	req.Header.Set(HeaderErasure, "2,4")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	for err, want := range map[error]int{
		storage.ErrNotFound:           http.StatusNotFound,
		storage.ErrIntegrityMismatch:  http.StatusConflict,
		storage.ErrInsufficientShards: http.StatusServiceUnavailable,
		storage.ErrMalformedEncoding:  http.StatusBadRequest,
		storage.ErrStorageIO:          http.StatusInternalServerError,
	} {
		assert.Equal(t, want, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
}

func TestHealthRepairAndProof(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stored := f.upload(t, bytes.Repeat([]byte("abc"), 300), "")
	require.NoError(t, f.chunks.Delete(ctx, stored.Manifest.Ordered()[1].Cid))

	status, body := get(t, f.srv.URL+"/objects/"+pathOf(stored.Cid)+"/health")
	require.Equal(t, http.StatusOK, status)
	var h struct {
		Degraded    bool `json:"degraded"`
		Recoverable bool `json:"recoverable"`
	}
	require.NoError(t, json.Unmarshal(body, &h))
	assert.True(t, h.Degraded)
	assert.True(t, h.Recoverable)

	resp, err := http.Post(f.srv.URL+"/objects/"+pathOf(stored.Cid)+"/repair", "", nil)
	require.NoError(t, err)
	var rr cas.RepairResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rr))
	resp.Body.Close()
	assert.Equal(t, 1, rr.Repaired)

	status, body = get(t, f.srv.URL+"/objects/"+pathOf(stored.Cid)+"/proof/2")
	require.Equal(t, http.StatusOK, status)
	var pr proofResponse
	require.NoError(t, json.Unmarshal(body, &pr))
	raw, err := hex.DecodeString(pr.Encoded)
	require.NoError(t, err)
	p, err := merkle.ParseProof(raw)
	require.NoError(t, err)
	assert.True(t, merkle.VerifyInclusion(merkle.BLAKE3, merkle.Hash(stored.Manifest.MerkleRoot), p))

	status, _ = get(t, f.srv.URL+"/objects/"+pathOf(stored.Cid)+"/proof/-1")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestVerifyEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/state/verify", "", nil)
	require.NoError(t, err)
	var vr verifyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vr))
	resp.Body.Close()
	assert.True(t, vr.OK)
	assert.NotEmpty(t, vr.Root)

	leaves := []merkle.Hash{merkle.SHA256([]byte("a")), merkle.SHA256([]byte("b"))}
	tree := merkle.NewTree(merkle.SHA256, leaves)
	p, err := tree.Proof(1)
	require.NoError(t, err)
	root := tree.Root()

	verify := func(prev merkle.Hash) bool {
		payload, err := json.Marshal(transitionRequest{
			PrevRoot: hex.EncodeToString(prev[:]),
			NewRoot:  hex.EncodeToString(root[:]),
			Proof:    hex.EncodeToString(p.Encode()),
		})
		require.NoError(t, err)
		resp, err := http.Post(f.srv.URL+"/proofs/verify", "application/json", bytes.NewReader(payload))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]bool
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out["valid"]
	}
	assert.True(t, verify(merkle.Hash{}))
	assert.False(t, verify(root), "a proof that keeps the root is rejected")

	status, body := get(t, f.srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "svdb_state_verifications_total")
}
