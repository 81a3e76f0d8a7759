package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_LoadServer(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE", StoreSQLite)
	t.Setenv("BATCH_PERIOD", "250ms")

	cfg, err := LoadServer()
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, StoreSQLite, cfg.Store)
	require.Equal(t, 250*time.Millisecond, cfg.BatchPeriod)
	require.Equal(t, 1000, cfg.ChangeRetention)
	require.NoError(t, cfg.Validate())
}

func Test_LoadClient(t *testing.T) {
	t.Setenv("SERVER_URL", "10.0.0.1:2412")

	cfg, err := LoadClient()
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:2412", cfg.ServerUrl)
	require.Equal(t, 500*time.Millisecond, cfg.PollPeriod)
	require.Zero(t, cfg.SendPeriod)
}

func Test_ServerValidate(t *testing.T) {
	cfg := Server{Port: 2412, Store: "redis"}
	require.Error(t, cfg.Validate())

	cfg.Store = StoreBadger
	require.Error(t, cfg.Validate())

	cfg.BadgerFilepath = "/tmp/badger"
	require.NoError(t, cfg.Validate())

	cfg.Port = 0
	require.Error(t, cfg.Validate())
}
