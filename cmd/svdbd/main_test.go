package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/i5heu/ouroboros-svdb/internal/config"
	"github.com/i5heu/ouroboros-svdb/internal/erasure"
	"github.com/i5heu/ouroboros-svdb/internal/keyValStore"
	"github.com/i5heu/ouroboros-svdb/pkg/cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestEngineConfigFromDefaults(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	got, err := engineConfig(config.Default(), logger, nil)
	require.NoError(t, err)

	assert.Equal(t, erasure.Params{Data: 8, Parity: 2}, got.Erasure)
	assert.Equal(t, cid.Zstd, got.Codec)
	assert.Equal(t, keyValStore.BackendBadger, got.Backend)
	assert.Equal(t, rate.Limit(10), got.Integrity.PeerRate)
	assert.Equal(t, 3, got.Integrity.MaxAttempts)
}

func TestEngineConfigRejectsBadValues(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Erasure = "4,8"
	_, err := engineConfig(cfg, logger, nil)
	require.ErrorIs(t, err, erasure.ErrInvalidParams)

	cfg = config.Default()
	cfg.Codec = "brotli"
	_, err = engineConfig(cfg, logger, nil)
	require.Error(t, err)
}

func TestDialPeersIsLazy(t *testing.T) {
	peers, clients, err := dialPeers([]string{"127.0.0.1:1", "127.0.0.1:2"}, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, c := range clients {
			_ = c.Close()
		}
	})
	require.Len(t, peers, 2)
	assert.Equal(t, "127.0.0.1:1", peers[0].Name)
}
