package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8765, cfg.Server.Port)

	assert.Equal(t, "./data/movesia-index.db", cfg.Catalog.Path)
	assert.True(t, cfg.Catalog.WALEnabled)
	assert.True(t, cfg.Catalog.SynchronousNormal)

	assert.Equal(t, "localhost", cfg.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, "movesia", cfg.Qdrant.Collection)
	assert.Equal(t, 5, cfg.Qdrant.RetryAttempts)

	assert.Equal(t, 384, cfg.Embedder.Dimension)

	assert.Equal(t, 500, cfg.Chunking.ScriptTargetTokens)
	assert.Equal(t, 20, cfg.Chunking.ScriptOverlapLines)
	assert.Equal(t, 700, cfg.Chunking.SceneTargetTokens)
	assert.Equal(t, 30, cfg.Chunking.MinWindowLines)

	assert.Equal(t, "movesia.toml", cfg.Session.ProjectOverrideFile)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MOVESIA_QDRANT_HOST", "qdrant.internal")
	t.Setenv("MOVESIA_QDRANT_COLLECTION", "movesia-test")
	t.Setenv("MOVESIA_EMBEDDER_DIMENSION", "768")
	t.Setenv("MOVESIA_CHUNK_SCRIPT_TARGET_TOKENS", "200")
	t.Setenv("MOVESIA_SESSION_EXTRA_ROOTS", "/a/root, /b/root")
	t.Setenv("MOVESIA_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, "movesia-test", cfg.Qdrant.Collection)
	assert.Equal(t, 768, cfg.Embedder.Dimension)
	assert.Equal(t, 200, cfg.Chunking.ScriptTargetTokens)
	assert.Equal(t, []string{"/a/root", "/b/root"}, cfg.Session.ExtraRoots)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("MOVESIA_QDRANT_COLLECTION", "")
	t.Setenv("MOVESIA_EMBEDDER_DIMENSION", "0")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidateCatalogPathRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Catalog.Path = ""
	require.Error(t, cfg.Validate())
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("MOVESIA_TEST_STRING", "set")
	assert.Equal(t, "set", getStringEnvWithDefault("MOVESIA_TEST_STRING", "default"))
	assert.Equal(t, "default", getStringEnvWithDefault("MOVESIA_TEST_STRING_UNSET", "default"))

	os.Unsetenv("MOVESIA_TEST_INT")
	assert.Equal(t, 7, getIntEnvWithDefault("MOVESIA_TEST_INT", 7))
	t.Setenv("MOVESIA_TEST_INT", "42")
	assert.Equal(t, 42, getIntEnvWithDefault("MOVESIA_TEST_INT", 7))

	t.Setenv("MOVESIA_TEST_BOOL", "true")
	assert.True(t, getBoolEnvWithDefault("MOVESIA_TEST_BOOL", false))
}
