package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehand/config"
	"github.com/jmcleod/gatehand/session"
	"github.com/jmcleod/gatehand/storage"
)

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "text", "TEXT"} {
		_, err := newLogger("debug", format)
		assert.NoError(t, err, format)
	}
	_, err := newLogger("loud", "json")
	assert.ErrorContains(t, err, "--log-level")
	_, err = newLogger("info", "xml")
	assert.ErrorContains(t, err, "--log-format")
}

func TestOpenRepository(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		driver string
		path   string
	}{
		{config.DriverMemory, ""},
		{config.DriverBbolt, filepath.Join(dir, "data", "sessions.db")},
		{config.DriverSQLite, ":memory:"},
	}
	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			cfg := config.Default()
			cfg.StorageDriver = tt.driver
			cfg.StoragePath = tt.path

			repo, err := openRepository(context.Background(), cfg)
			require.NoError(t, err)
			defer repo.Close()

			ctx := context.Background()
			require.NoError(t, repo.Put(ctx, &storage.Record{ID: "a", ExpiresAt: 1}))
			rec, err := repo.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, int64(1), rec.ExpiresAt)
		})
	}

	t.Run("Unknown", func(t *testing.T) {
		cfg := config.Default()
		cfg.StorageDriver = "tape"
		_, err := openRepository(context.Background(), cfg)
		assert.ErrorContains(t, err, "tape")
	})
}

func TestOpenSessionStoreRejectsBadKey(t *testing.T) {
	cfg := config.Default()
	cfg.SealingKeyHex = "abcd"
	_, _, err := openSessionStore(context.Background(), cfg)
	assert.ErrorContains(t, err, "SESSION_SEALING_KEY")
}

func TestApplyServeFlags(t *testing.T) {
	cfg := config.Default()
	cfg.StoragePath = "from-env"
	require.NoError(t, serveCmd.Flags().Set("listen", "127.0.0.1:9999"))
	require.NoError(t, serveCmd.Flags().Set("insecure-cookies", "true"))
	t.Cleanup(func() {
		serveCmd.Flags().Set("listen", "")
		serveCmd.Flags().Set("insecure-cookies", "false")
		serveCmd.Flags().Lookup("listen").Changed = false
		serveCmd.Flags().Lookup("insecure-cookies").Changed = false
	})

	require.NoError(t, applyServeFlags(serveCmd, cfg))
	assert.Equal(t, "127.0.0.1:9999", cfg.Listen)
	assert.True(t, cfg.InsecureCookies)
	assert.Equal(t, "from-env", cfg.StoragePath, "unset flags keep the environment value")
}

func TestSessionsRevoke(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	t.Setenv("STORAGE_DRIVER", config.DriverBbolt)
	t.Setenv("STORAGE_PATH", path)
	t.Setenv("SESSION_SEALING_KEY", "")

	cfg, err := config.FromEnv(func(k string) (string, bool) {
		return map[string]string{"STORAGE_DRIVER": config.DriverBbolt, "STORAGE_PATH": path}[k], true
	})
	require.NoError(t, err)

	ctx := context.Background()
	store, repo, err := openSessionStore(ctx, cfg)
	require.NoError(t, err)
	token, err := session.GenerateToken()
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, token, []byte(`[]`), time.Time{})
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"sessions", "revoke", token, "--env-file", filepath.Join(t.TempDir(), "none.env")})
	require.NoError(t, rootCmd.ExecuteContext(ctx))
	assert.Contains(t, out.String(), session.EncodeToken(token))

	_, repo, err = openSessionStore(ctx, cfg)
	require.NoError(t, err)
	defer repo.Close()
	_, err = repo.Get(ctx, session.EncodeToken(token))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, Version+"\n", out.String())
}
