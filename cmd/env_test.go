package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/directory-cli/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c, err := config.Load()
	require.NoError(t, err)
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "env.db")
	return c
}

func TestInitEnv(t *testing.T) {
	c := testConfig(t)
	c.Google.Key = "test-key"
	withConfig(t, c)

	env, err := initEnv(context.Background(), config.ModeEnrich)
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Driver)
	assert.NotNil(t, env.Discover)
	assert.NotNil(t, env.Taxonomy)
	assert.Zero(t, env.Fetch.Calls())
	require.NoError(t, env.Store.Ping(context.Background()))
}

func TestInitEnv_RequiresKey(t *testing.T) {
	withConfig(t, testConfig(t))

	_, err := initEnv(context.Background(), config.ModeDiscover)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "google.key")
}

func TestInitStore_Migrates(t *testing.T) {
	withConfig(t, testConfig(t))
	ctx := context.Background()

	st, err := initStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	runs, err := st.ListRuns(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
